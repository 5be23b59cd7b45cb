package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/crestfs/crestfs/internal/bytesize"
)

// Config is the static configuration of a CrestFS node.
//
// Sources, highest precedence first: CLI flags, CRESTFS_* environment
// variables, the YAML config file, then built-in defaults.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Devices lists the member devices of the filesystem.
	// Every device must have been formatted with 'crestfs format' first.
	Devices []DeviceConfig `mapstructure:"devices" yaml:"devices"`

	// Journal contains journal tunables
	Journal JournalConfig `mapstructure:"journal" yaml:"journal"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is DEBUG, INFO, WARN or ERROR, case-insensitive.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is "text" or "json".
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is "stdout", "stderr", or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port for the metrics endpoint. Default 9090.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// DeviceConfig identifies one member device.
type DeviceConfig struct {
	// Path is the device or backing file path (required)
	Path string `mapstructure:"path" validate:"required" yaml:"path"`
}

// JournalConfig contains journal tunables. Zero values select defaults.
type JournalConfig struct {
	// FlushDelay bounds how long an open journal entry may sit before it
	// is closed and written out, even if not full.
	// Default: 1s
	FlushDelay time.Duration `mapstructure:"flush_delay" yaml:"flush_delay"`

	// EntrySizeMax is the staging buffer size per journal entry.
	// Supports human-readable formats: "1Mi", "512Ki"
	// Default: 1Mi
	EntrySizeMax bytesize.ByteSize `mapstructure:"entry_size_max" yaml:"entry_size_max,omitempty"`

	// RequiredDevices is the minimum number of write-capable journal
	// devices. Below this, the journal refuses new reservations.
	// Default: 1
	RequiredDevices int `mapstructure:"required_devices" validate:"omitempty,min=1" yaml:"required_devices"`

	// PreReserved is the total pre-reservation budget.
	// Supports human-readable formats: "32Mi", "8Mi"
	// Default: 32Mi
	PreReserved bytesize.ByteSize `mapstructure:"pre_reserved" yaml:"pre_reserved,omitempty"`
}

// Load reads the configuration from the given file, layered with CRESTFS_*
// environment variables and defaults. An empty path means the default
// location; a missing file is not an error and yields pure defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRESTFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(err) {
			return GetDefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad is Load with a friendlier error when the file is missing,
// pointing the user at 'crestfs init'.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Initialize one first:\n"+
				"  crestfs init\n\n"+
				"Or point at an existing file:\n"+
				"  crestfs <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Create it with:\n"+
			"  crestfs init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path as YAML, creating parent directories.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// yaml.Marshal rather than viper so the yaml struct tags are honored.
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// byteSizeDecodeHook converts config values into bytesize.ByteSize, so
// files may say "1Gi" or "500Mi" as well as plain numbers.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	byteSizeType := reflect.TypeOf(bytesize.ByteSize(0))
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != byteSizeType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML numbers often arrive as float64.
			return bytesize.ByteSize(v), nil
		}
		return data, nil
	}
}

// getConfigDir is $XDG_CONFIG_HOME/crestfs, falling back to
// ~/.config/crestfs, then the current directory.
func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "crestfs")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "crestfs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
