package config

import (
	"fmt"
	"github.com/fsnotify/fsnotify"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultPort = 19841
	DefaultHost = "localhost"

	DefaultFileWriteDelay = 150 * time.Millisecond // Small delay to ensure file write is complete
)

var (
	lastReload  time.Time
	reloadMutex sync.Mutex
)

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // 0 supports long-running streamed responses
			ShutdownTimeout: 10 * time.Second,
		},
		Pool: PoolConfig{
			Upstream:                          "localhost:8080",
			DialTimeout:                       10 * time.Second,
			MaxConnections:                    4,
			MinConnections:                    0,
			MaxRetries:                        3,
			BaseConnectionBackoff:             100 * time.Millisecond,
			MaxConnectionBackoff:              30 * time.Second,
			KeepAliveTimeout:                  60 * time.Second,
			ResponseEntitySubscriptionTimeout: 10 * time.Second,
			QueueDepth:                        64,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Theme:      "default",
			FileOutput: true,
			LogDir:     "./logs",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
		Engineering: EngineeringConfig{
			ShowNerdStats: false,
			EnablePprof:   false,
			PprofAddr:     "localhost:6060",
		},
	}
}

// Load loads configuration from file and environment variables
func Load(onConfigChange func()) (*Config, error) {
	cfg := DefaultConfig()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("HOSTPOOL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Try to read config file
	if err := viper.ReadInConfig(); err != nil {
		// It's okay if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, check if we have HOSTPOOL_CONFIG_FILE env var
		if configFile := os.Getenv("HOSTPOOL_CONFIG_FILE"); configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	viper.WatchConfig()

	if onConfigChange != nil {
		viper.OnConfigChange(func(e fsnotify.Event) {
			reloadMutex.Lock()
			defer reloadMutex.Unlock()

			// lame debounce to avoid rapid-fire reloads
			now := time.Now()
			if now.Sub(lastReload) < 500*time.Millisecond {
				return // Ignore miultiple rapid changes
			}
			lastReload = now

			// looks like on windows this event is triggered
			// before the file is fully written, not sure why
			time.Sleep(DefaultFileWriteDelay)
			onConfigChange()
		})
	}
	return cfg, nil
}

// Validate rejects configurations that would misbehave at runtime rather
// than failing fast at startup.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if c.Pool.Upstream == "" {
		return fmt.Errorf("pool.upstream must not be empty")
	}
	if c.Pool.MaxConnections <= 0 {
		return fmt.Errorf("pool.max_connections must be positive, got %d", c.Pool.MaxConnections)
	}
	if c.Pool.MinConnections < 0 || c.Pool.MinConnections > c.Pool.MaxConnections {
		return fmt.Errorf("pool.min_connections must be between 0 and max_connections, got %d", c.Pool.MinConnections)
	}
	if c.Pool.BaseConnectionBackoff <= 0 {
		return fmt.Errorf("pool.base_connection_backoff must be positive")
	}
	if c.Pool.MaxConnectionBackoff < c.Pool.BaseConnectionBackoff {
		return fmt.Errorf("pool.max_connection_backoff must be >= base_connection_backoff")
	}
	return nil
}
