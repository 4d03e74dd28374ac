package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Host != DefaultHost {
		t.Errorf("Expected host %s, got %s", DefaultHost, cfg.Server.Host)
	}
	if cfg.Server.Port != DefaultPort {
		t.Errorf("Expected port %d, got %d", DefaultPort, cfg.Server.Port)
	}

	if cfg.Pool.MaxConnections != 4 {
		t.Errorf("Expected max connections 4, got %d", cfg.Pool.MaxConnections)
	}
	if cfg.Pool.MaxRetries != 3 {
		t.Errorf("Expected max retries 3, got %d", cfg.Pool.MaxRetries)
	}
	if cfg.Pool.Upstream == "" {
		t.Error("Expected a non-empty default upstream")
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("Expected log level 'info', got %s", cfg.Logging.Level)
	}

	if cfg.Engineering.ShowNerdStats != false {
		t.Error("Expected ShowNerdStats to be false by default")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig() should validate cleanly, got: %v", err)
	}
}

func TestLoadConfig_WithoutFile(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != DefaultPort {
		t.Errorf("Expected default port %d, got %d", DefaultPort, cfg.Server.Port)
	}
	if cfg.Server.Host != DefaultHost {
		t.Errorf("Expected default host %s, got %s", DefaultHost, cfg.Server.Host)
	}
}

func TestLoadConfig_WithEnvironmentVariables(t *testing.T) {
	testEnvVars := map[string]string{
		"HOSTPOOL_SERVER_PORT":        "8080",
		"HOSTPOOL_SERVER_HOST":        "0.0.0.0",
		"HOSTPOOL_LOGGING_LEVEL":      "debug",
		"HOSTPOOL_POOL_MAX_CONNECTIONS": "8",
		"HOSTPOOL_POOL_UPSTREAM":      "backend.internal:9000",
	}

	for key, value := range testEnvVars {
		os.Setenv(key, value)
	}
	defer func() {
		for key := range testEnvVars {
			os.Unsetenv(key)
		}
	}()

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load with env vars failed: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Expected port 8080 from env var, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Expected host 0.0.0.0 from env var, got %s", cfg.Server.Host)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level debug from env var, got %s", cfg.Logging.Level)
	}
	if cfg.Pool.MaxConnections != 8 {
		t.Errorf("Expected max connections 8 from env var, got %d", cfg.Pool.MaxConnections)
	}
	if cfg.Pool.Upstream != "backend.internal:9000" {
		t.Errorf("Expected upstream override, got %s", cfg.Pool.Upstream)
	}
}

func TestConfigValidate_DefaultIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() returned unexpected error: %v", err)
	}
}

func TestConfigValidate_RejectsBadFields(t *testing.T) {
	testCases := []struct {
		name        string
		modify      func(*Config)
		errContains string
	}{
		{
			name:        "server.port zero",
			modify:      func(c *Config) { c.Server.Port = 0 },
			errContains: "server.port",
		},
		{
			name:        "server.port above 65535",
			modify:      func(c *Config) { c.Server.Port = 99999 },
			errContains: "server.port",
		},
		{
			name:        "empty server.host",
			modify:      func(c *Config) { c.Server.Host = "" },
			errContains: "server.host",
		},
		{
			name:        "empty pool.upstream",
			modify:      func(c *Config) { c.Pool.Upstream = "" },
			errContains: "pool.upstream",
		},
		{
			name:        "pool.max_connections zero",
			modify:      func(c *Config) { c.Pool.MaxConnections = 0 },
			errContains: "pool.max_connections",
		},
		{
			name:        "pool.min_connections exceeds max",
			modify:      func(c *Config) { c.Pool.MinConnections = c.Pool.MaxConnections + 1 },
			errContains: "pool.min_connections",
		},
		{
			name:        "pool.max_connection_backoff below base",
			modify:      func(c *Config) { c.Pool.MaxConnectionBackoff = c.Pool.BaseConnectionBackoff - time.Millisecond },
			errContains: "pool.max_connection_backoff",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Expected error containing %q, got nil", tc.errContains)
			}
			if !contains(err.Error(), tc.errContains) {
				t.Errorf("Expected error containing %q, got: %v", tc.errContains, err)
			}
		})
	}
}

func TestConfigValidate_WriteTimeoutZeroAllowed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.WriteTimeout = 0

	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected no error for WriteTimeout == 0 (valid streaming config), got: %v", err)
	}
}

func contains(s, substr string) bool {
	return len(substr) == 0 || (len(s) >= len(substr) && stringContains(s, substr))
}

func stringContains(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
