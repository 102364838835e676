package conf

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEnvBool(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"true", "true", false},
		{"false", "false", false},
		{"1", "1", false},
		{"0", "0", false},
		{"t", "t", false},
		{"f", "f", false},
		{"TRUE", "TRUE", false},
		{"FALSE", "FALSE", false},
		{"invalid", "maybe", true},
		{"yes", "yes", true}, // strconv.ParseBool doesn't accept yes/no
		{"no", "no", true},   // strconv.ParseBool doesn't accept yes/no
		{"empty", "", true},
		{"padded", " true ", true}, // strconv.ParseBool doesn't trim whitespace
		{"numeric two", "2", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateEnvBool(tt.value)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid boolean value")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateEnvURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		value   string
		wantErr bool
		errMsg  string
	}{
		{"http URL", "http://localhost:8080", false, ""},
		{"https URL", "https://birds.example.com", false, ""},
		{"https with path", "https://birds.example.com/api", false, ""},
		{"missing scheme", "birds.example.com", true, "must be absolute"},
		{"host and port only", "localhost:8080", true, "must be absolute"},
		{"scheme without host", "http://", true, "must be absolute"},
		{"unsupported scheme", "ftp://birds.example.com", true, "scheme must be http or https"},
		{"malformed", "http://bad host/", true, "invalid URL"},
		{"empty", "", true, "must be absolute"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateEnvURL(tt.value)
			if tt.wantErr {
				require.Error(t, err)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateEnvDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"seconds", "30s", false},
		{"minutes", "5m", false},
		{"compound", "1h30m", false},
		{"zero", "0s", false},
		{"milliseconds", "250ms", false},
		{"negative", "-5s", true},
		{"missing unit", "30", true},
		{"not a duration", "soon", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateEnvDuration(tt.value)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateEnvRequestRate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"integer", "10", false},
		{"fractional", "0.5", false},
		{"large", "100", false},
		{"zero", "0", true},
		{"negative", "-1", true},
		{"not a number", "fast", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateEnvRequestRate(tt.value)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateEnvPageSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"minimum", "1", false},
		{"typical", "100", false},
		{"maximum", "1000", false},
		{"zero", "0", true},
		{"too large", "1001", true},
		{"negative", "-5", true},
		{"decimal", "4.5", true},
		{"not a number", "many", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateEnvPageSize(tt.value)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateEnvListenAddr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		value   string
		wantErr bool
		errMsg  string
	}{
		{"host and port", "localhost:8090", false, ""},
		{"all interfaces", ":8090", false, ""},
		{"explicit address", "0.0.0.0:9000", false, ""},
		{"ipv6", "[::1]:8090", false, ""},
		{"missing port", "localhost", true, "must be host:port"},
		{"empty port", "localhost:", true, "port must be numeric"},
		{"named port", "localhost:http", true, "port must be numeric"},
		{"empty", "", true, "must be host:port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateEnvListenAddr(tt.value)
			if tt.wantErr {
				require.Error(t, err)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigureEnvironmentVariables(t *testing.T) {
	// Reset viper for clean test
	viper.Reset()

	t.Run("invalid boolean", func(t *testing.T) {
		viper.Reset()
		t.Setenv("PERCH_DEBUG", "maybe")

		err := configureEnvironmentVariables()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid boolean value")
	})

	t.Run("invalid server URL", func(t *testing.T) {
		viper.Reset()
		t.Setenv("PERCH_SERVER_URL", "not-a-url")

		err := configureEnvironmentVariables()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be absolute")
	})

	t.Run("multiple errors", func(t *testing.T) {
		viper.Reset()
		t.Setenv("PERCH_DEBUG", "invalid")
		t.Setenv("PERCH_MIRROR_LISTEN", "nowhere")

		err := configureEnvironmentVariables()
		require.Error(t, err)
		// Both offending variables are named in the joined message
		assert.Contains(t, err.Error(), "PERCH_DEBUG")
		assert.Contains(t, err.Error(), "PERCH_MIRROR_LISTEN")
	})

	t.Run("valid values", func(t *testing.T) {
		viper.Reset()
		t.Setenv("PERCH_DEBUG", "true")
		t.Setenv("PERCH_SERVER_URL", "https://birds.example.com")
		t.Setenv("PERCH_FEED_PAGESIZE", "250")

		err := configureEnvironmentVariables()
		require.NoError(t, err)

		assert.True(t, viper.GetBool("debug"))
		assert.Equal(t, "https://birds.example.com", viper.GetString("server.url"))
		assert.Equal(t, 250, viper.GetInt("feed.pagesize"))
	})
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	viper.Reset()
	viper.SetDefault("server.url", "http://localhost:8080")
	t.Setenv("PERCH_SERVER_URL", "https://upstream.example.org")

	err := configureEnvironmentVariables()
	require.NoError(t, err)

	assert.Equal(t, "https://upstream.example.org", viper.GetString("server.url"),
		"environment variable should take precedence over the default")
}
