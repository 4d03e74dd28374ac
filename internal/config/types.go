package config

import "time"

// Config holds all configuration for the hostpool daemon.
type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	Server      ServerConfig      `yaml:"server"`
	Pool        PoolConfig        `yaml:"pool"`
	Engineering EngineeringConfig `yaml:"engineering"`
}

// ServerConfig holds the front-door HTTP listener configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PoolConfig holds every knob hostpool.Pool exposes, plus the upstream host
// it dials and how long a single dial attempt may take.
type PoolConfig struct {
	Upstream                          string        `yaml:"upstream"`
	DialTimeout                       time.Duration `yaml:"dial_timeout"`
	MaxConnections                    int           `yaml:"max_connections"`
	MinConnections                    int           `yaml:"min_connections"`
	MaxRetries                        uint32        `yaml:"max_retries"`
	BaseConnectionBackoff             time.Duration `yaml:"base_connection_backoff"`
	MaxConnectionBackoff              time.Duration `yaml:"max_connection_backoff"`
	KeepAliveTimeout                  time.Duration `yaml:"keep_alive_timeout"`
	ResponseEntitySubscriptionTimeout time.Duration `yaml:"response_entity_subscription_timeout"`
	QueueDepth                        int           `yaml:"queue_depth"`
}

// LoggingConfig holds logging configuration, mapped directly onto
// logger.Config at startup.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Theme      string `yaml:"theme"`
	FileOutput bool   `yaml:"file_output"`
	LogDir     string `yaml:"log_dir"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// EngineeringConfig holds development/debugging configuration.
type EngineeringConfig struct {
	ShowNerdStats bool   `yaml:"show_nerdstats"`
	EnablePprof   bool   `yaml:"enable_pprof"`
	PprofAddr     string `yaml:"pprof_addr"`
}
