// Package config handles configuration management using Viper
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config represents the daemon configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Devices DevicesConfig `mapstructure:"devices"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	IPC     IPCConfig     `mapstructure:"ipc"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig contains the listening socket settings
type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	BindAddress string `mapstructure:"bind_address"`
	Backlog     int    `mapstructure:"backlog"`
}

// DevicesConfig sizes the simulated device layout used when no hardware
// driver is configured
type DevicesConfig struct {
	NumTrackers  int     `mapstructure:"num_trackers"`
	NumButtons   int     `mapstructure:"num_buttons"`
	NumValuators int     `mapstructure:"num_valuators"`
	UpdateRate   float64 `mapstructure:"update_rate"`
	WithHMD      bool    `mapstructure:"with_hmd"`
}

// MetricsConfig controls the optional observability endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// IPCConfig controls the local control socket
type IPCConfig struct {
	SocketPath string `mapstructure:"socket_path"` // empty means the per-user default
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	LogLevel string `mapstructure:"log_level"` // overrides LOG_LEVEL env var
}

var (
	// DefaultConfig provides sensible defaults
	DefaultConfig = Config{
		Server: ServerConfig{
			Port:        8555,
			BindAddress: "0.0.0.0",
			Backlog:     16,
		},
		Devices: DevicesConfig{
			NumTrackers:  3,
			NumButtons:   8,
			NumValuators: 4,
			UpdateRate:   60,
			WithHMD:      true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9155",
		},
		IPC:     IPCConfig{},
		Logging: LoggingConfig{LogLevel: ""},
	}

	// Global config instance
	cfg *Config

	// Override config path if set
	configPathOverride string
)

// SetConfigPath allows overriding the config path
func SetConfigPath(path string) {
	configPathOverride = path
}

// Init initializes the configuration system
func Init() error {
	viper.SetConfigName("vtrackd")
	viper.SetConfigType("toml")

	if configPathOverride != "" {
		viper.SetConfigFile(configPathOverride)
	} else {
		viper.AddConfigPath("/etc/vtrackd")
		if home := os.Getenv("HOME"); home != "" {
			viper.AddConfigPath(filepath.Join(home, ".config", "vtrackd"))
		}
		viper.AddConfigPath(".")
	}

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if configPathOverride != "" {
			// An explicitly requested config file must exist.
			return fmt.Errorf("reading config file: %w", err)
		}
		// Otherwise a missing file is fine; everything has a default.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("reading config file: %w", err)
		}
	}

	c := DefaultConfig
	if err := viper.Unmarshal(&c); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	cfg = &c
	return nil
}

func setDefaults() {
	viper.SetDefault("server.port", DefaultConfig.Server.Port)
	viper.SetDefault("server.bind_address", DefaultConfig.Server.BindAddress)
	viper.SetDefault("server.backlog", DefaultConfig.Server.Backlog)
	viper.SetDefault("devices.num_trackers", DefaultConfig.Devices.NumTrackers)
	viper.SetDefault("devices.num_buttons", DefaultConfig.Devices.NumButtons)
	viper.SetDefault("devices.num_valuators", DefaultConfig.Devices.NumValuators)
	viper.SetDefault("devices.update_rate", DefaultConfig.Devices.UpdateRate)
	viper.SetDefault("devices.with_hmd", DefaultConfig.Devices.WithHMD)
	viper.SetDefault("metrics.enabled", DefaultConfig.Metrics.Enabled)
	viper.SetDefault("metrics.address", DefaultConfig.Metrics.Address)
	viper.SetDefault("ipc.socket_path", "")
	viper.SetDefault("logging.log_level", "")
}

// Get returns the loaded configuration, initializing on first use.
func Get() *Config {
	if cfg == nil {
		if err := Init(); err != nil {
			c := DefaultConfig
			cfg = &c
		}
	}
	return cfg
}
