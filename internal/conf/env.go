// env.go - Environment variable configuration and validation for perch
package conf

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envBinding holds metadata for environment variable bindings (internal use)
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns all environment variable bindings with validation
func getEnvBindings() []envBinding {
	return []envBinding{
		// Node Configuration
		{"debug", "PERCH_DEBUG", validateEnvBool},
		{"main.name", "PERCH_MAIN_NAME", nil},

		// Detection Server
		{"server.url", "PERCH_SERVER_URL", validateEnvURL},
		{"server.token", "PERCH_SERVER_TOKEN", nil},
		{"server.timeout", "PERCH_SERVER_TIMEOUT", validateEnvDuration},
		{"server.requestspersecond", "PERCH_SERVER_REQUESTSPERSECOND", validateEnvRequestRate},

		// Detection Feed
		{"feed.pagesize", "PERCH_FEED_PAGESIZE", validateEnvPageSize},
		{"feed.includehidden", "PERCH_FEED_INCLUDEHIDDEN", validateEnvBool},
		{"feed.refresh", "PERCH_FEED_REFRESH", validateEnvDuration},

		// Mirror Server
		{"mirror.enabled", "PERCH_MIRROR_ENABLED", validateEnvBool},
		{"mirror.listen", "PERCH_MIRROR_LISTEN", validateEnvListenAddr},

		// Sentry Telemetry
		{"sentry.enabled", "PERCH_SENTRY_ENABLED", validateEnvBool},
		{"sentry.dsn", "PERCH_SENTRY_DSN", nil},
	}
}

// bindEnvVars sets up environment variable bindings with validation (internal)
func bindEnvVars() error {
	bindings := getEnvBindings()
	var warnings []string

	for _, binding := range bindings {
		// Bind the environment variable to the config key
		if err := viper.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		// Validate the value if it's set and validation function is provided
		if binding.Validate != nil {
			if envValue := os.Getenv(binding.EnvVar); envValue != "" {
				if err := binding.Validate(envValue); err != nil {
					warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", binding.EnvVar, envValue, err))
				}
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}

	return nil
}

// Environment variable validation functions

// validateEnvBool validates boolean environment variables
func validateEnvBool(value string) error {
	_, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid boolean value '%s': must be true/false, 1/0, t/f, TRUE/FALSE, T/F", value)
	}
	return nil
}

// validateEnvURL validates that the value is an absolute http or https URL
func validateEnvURL(value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("URL must be absolute (e.g. 'http://localhost:8080'), got: '%s'", value)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: '%s'", u.Scheme)
	}
	return nil
}

// validateEnvDuration validates Go duration strings like "30s" or "5m"
func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	if d < 0 {
		return fmt.Errorf("duration must not be negative, got %v", d)
	}
	return nil
}

func validateEnvRequestRate(value string) error {
	rate, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid request rate: %w", err)
	}
	if rate <= 0 {
		return fmt.Errorf("request rate must be positive, got %g", rate)
	}
	return nil
}

func validateEnvPageSize(value string) error {
	size, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid page size: %w", err)
	}
	if size < 1 || size > 1000 {
		return fmt.Errorf("page size must be between 1 and 1000, got %d", size)
	}
	return nil
}

func validateEnvListenAddr(value string) error {
	_, port, err := net.SplitHostPort(value)
	if err != nil {
		return fmt.Errorf("listen address must be host:port, got: '%s'", value)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return fmt.Errorf("listen address port must be numeric, got: '%s'", port)
	}
	return nil
}

// configureEnvironmentVariables sets up environment variable support for Viper
func configureEnvironmentVariables() error {
	// Set up key replacer for nested config keys
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Bind specific environment variables with validation
	// Return any errors to the caller for centralized handling
	return bindEnvVars()
}
