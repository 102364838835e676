// Package conf loads and validates the perch configuration from YAML files
// and environment, backed by viper.
package conf

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/perch/internal/errors"
)

// LogConfig defines the daemon's service log file.
type LogConfig struct {
	Enabled bool   `yaml:"enabled"` // true to write a rotating service log
	Path    string `yaml:"path"`    // log file location
}

// MainConfig holds node-level settings.
type MainConfig struct {
	Name string    `yaml:"name"` // node name, used in logs and the mirror health response
	Log  LogConfig `yaml:"log"`  // service log settings
}

// ServerConfig defines how to reach the detection server.
type ServerConfig struct {
	URL               string        `yaml:"url"`               // base URL of the detection server
	Token             string        `yaml:"token"`             // bearer token, empty for open servers
	Timeout           time.Duration `yaml:"timeout"`           // per-request timeout
	RequestsPerSecond float64       `yaml:"requestspersecond"` // client-side rate limit
	AnalyzeCacheTTL   time.Duration `yaml:"analyzecachettl"`   // AI analysis result cache lifetime
}

// FeedConfig controls the reconciled detection feed.
type FeedConfig struct {
	PageSize      int           `yaml:"pagesize"`      // detections fetched per page
	IncludeHidden bool          `yaml:"includehidden"` // include hidden detections in loads
	Refresh       time.Duration `yaml:"refresh"`       // full refresh interval, 0 disables
}

// JobsConfig controls background job polling.
type JobsConfig struct {
	ReclassifyInterval time.Duration `yaml:"reclassifyinterval"` // reclassification status poll interval
	DownloadInterval   time.Duration `yaml:"downloadinterval"`   // model download status poll interval
	TaxonomyInterval   time.Duration `yaml:"taxonomyinterval"`   // taxonomy sync status poll interval
	Grace              time.Duration `yaml:"grace"`              // how long a succeeded job stays visible
}

// MirrorConfig controls the local read-only HTTP mirror.
type MirrorConfig struct {
	Enabled bool   `yaml:"enabled"` // true to serve the mirror
	Listen  string `yaml:"listen"`  // host:port to listen on
}

// SentryConfig controls optional error telemetry. Disabled by default.
type SentryConfig struct {
	Enabled bool   `yaml:"enabled"` // opt-in
	DSN     string `yaml:"dsn"`     // project DSN, empty disables
	Debug   bool   `yaml:"debug"`   // verbose reporter logging
}

// Settings is the root configuration for perch.
type Settings struct {
	Debug bool `yaml:"debug"` // true to enable debug level logging

	Main   MainConfig   `yaml:"main"`
	Server ServerConfig `yaml:"server"`
	Feed   FeedConfig   `yaml:"feed"`
	Jobs   JobsConfig   `yaml:"jobs"`
	Mirror MirrorConfig `yaml:"mirror"`
	Sentry SentryConfig `yaml:"sentry"`

	Version string `yaml:"-"` // set at build time
}

// settingsInstance is the current settings instance
var (
	settingsInstance *Settings
	once             sync.Once
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables into a new
// Settings instance.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper initializes viper with default values and reads the configuration file.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}

	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	// Defaults for every parameter, defined in defaults.go
	setDefaultConfig()

	// Environment variables override file values, bindings defined in env.go
	if err := configureEnvironmentVariables(); err != nil {
		return fmt.Errorf("error binding environment variables: %w", err)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			return createDefaultConfig()
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig writes a config file populated with the defaults to the
// first default config path, then reads it back in.
func createDefaultConfig() error {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	configPath := filepath.Join(configPaths[0], "config.yaml")

	defaults := &Settings{}
	if err := viper.Unmarshal(defaults); err != nil {
		return fmt.Errorf("error unmarshaling default config: %w", err)
	}

	yamlData, err := yaml.Marshal(defaults)
	if err != nil {
		return fmt.Errorf("error marshaling default config to YAML: %w", err)
	}
	header := "# perch configuration\n# Generated with defaults; see documentation for all options.\n\n"

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}

	if err := os.WriteFile(configPath, append([]byte(header), yamlData...), 0o644); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	fmt.Println("Created default config file at:", configPath)
	return viper.ReadInConfig()
}

// GetDefaultConfigPaths returns the OS specific config search paths.
func GetDefaultConfigPaths() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryConfiguration).
			Context("operation", "get-home-directory").
			Build()
	}

	var configPaths []string
	switch runtime.GOOS {
	case "windows":
		exePath, err := os.Executable()
		if err != nil {
			return nil, errors.New(err).
				Category(errors.CategoryConfiguration).
				Context("operation", "get-executable-path").
				Build()
		}
		configPaths = []string{
			filepath.Dir(exePath),
			filepath.Join(homeDir, "AppData", "Roaming", "perch"),
		}
	default:
		configPaths = []string{
			filepath.Join(homeDir, ".config", "perch"),
			"/etc/perch",
		}
	}

	return configPaths, nil
}

// GetSettings returns the current settings instance
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// Setting returns the current settings instance, initializing it if necessary
func Setting() *Settings {
	once.Do(func() {
		if settingsInstance == nil {
			if _, err := Load(); err != nil {
				log.Fatalf("Error loading settings: %v", err)
			}
		}
	})
	return GetSettings()
}
