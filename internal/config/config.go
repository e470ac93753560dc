// Package config loads server settings from the environment and an optional
// YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/twomark/twomark/internal/ratelimit"
	"github.com/twomark/twomark/internal/ws"
)

type Config struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	WorkerPoolSize    int           `mapstructure:"worker_pool_size"`
	MaxConnections    int           `mapstructure:"max_connections"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`

	RedisAddr  string `mapstructure:"redis_addr"` // empty disables Redis
	NATSURL    string `mapstructure:"nats_url"`   // empty disables NATS
	ServerName string `mapstructure:"server_name"`

	MessageRateLimit  int           `mapstructure:"message_rate_limit"`
	MessageRateWindow time.Duration `mapstructure:"message_rate_window"`
	ConnectRateLimit  int           `mapstructure:"connect_rate_limit"`
	ConnectRateWindow time.Duration `mapstructure:"connect_rate_window"`

	LogLevel  string `mapstructure:"log_level"`
	LogPretty bool   `mapstructure:"log_pretty"`
}

// Load reads the configuration. Every key can be set through the upper-case
// environment variable of the same name (LISTEN_ADDR, REDIS_ADDR, ...). If
// CONFIG_FILE names a YAML file it is read first; the environment still wins.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
		log.Info().Str("module", "config").Str("file", file).Msg("loaded config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	srv := ws.DefaultServerConfig()

	host, _ := os.Hostname()
	if host == "" {
		host = "ws-1"
	}

	v.SetDefault("listen_addr", srv.ListenAddr)
	v.SetDefault("worker_pool_size", srv.WorkerPoolSize)
	v.SetDefault("max_connections", srv.MaxConnections)
	v.SetDefault("read_timeout", srv.ReadTimeout)
	v.SetDefault("write_timeout", srv.WriteTimeout)
	v.SetDefault("max_message_size", srv.MaxMessageSize)
	v.SetDefault("heartbeat_interval", srv.Heartbeat.Interval)
	v.SetDefault("heartbeat_timeout", srv.Heartbeat.Timeout)
	v.SetDefault("redis_addr", "")
	v.SetDefault("nats_url", "")
	v.SetDefault("server_name", host)
	v.SetDefault("message_rate_limit", ratelimit.RuleMessage.Limit)
	v.SetDefault("message_rate_window", ratelimit.RuleMessage.Window)
	v.SetDefault("connect_rate_limit", ratelimit.RuleConnect.Limit)
	v.SetDefault("connect_rate_window", ratelimit.RuleConnect.Window)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr is required")
	}
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("config: worker_pool_size must be positive, got %d", c.WorkerPoolSize)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("config: max_connections must be positive, got %d", c.MaxConnections)
	}
	if c.MaxMessageSize < 1 {
		return fmt.Errorf("config: max_message_size must be positive, got %d", c.MaxMessageSize)
	}
	if c.MessageRateLimit > 0 && c.MessageRateWindow <= 0 {
		return fmt.Errorf("config: message_rate_window must be positive when message_rate_limit is set")
	}
	if c.ConnectRateLimit > 0 && c.ConnectRateWindow <= 0 {
		return fmt.Errorf("config: connect_rate_window must be positive when connect_rate_limit is set")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: log_level: %w", err)
	}
	return nil
}

// Server returns the transport settings.
func (c *Config) Server() ws.ServerConfig {
	return ws.ServerConfig{
		ListenAddr:     c.ListenAddr,
		WorkerPoolSize: c.WorkerPoolSize,
		MaxConnections: c.MaxConnections,
		ReadTimeout:    c.ReadTimeout,
		WriteTimeout:   c.WriteTimeout,
		MaxMessageSize: c.MaxMessageSize,
		Heartbeat: ws.HeartbeatConfig{
			Interval: c.HeartbeatInterval,
			Timeout:  c.HeartbeatTimeout,
		},
	}
}

// MessageRule returns the per-session message rate limit.
func (c *Config) MessageRule() ratelimit.Rule {
	r := ratelimit.RuleMessage
	r.Limit = c.MessageRateLimit
	r.Window = c.MessageRateWindow
	return r
}

// ConnectRule returns the per-IP upgrade rate limit.
func (c *Config) ConnectRule() ratelimit.Rule {
	r := ratelimit.RuleConnect
	r.Limit = c.ConnectRateLimit
	r.Window = c.ConnectRateWindow
	return r
}

// SetupLogging configures the global zerolog logger.
func (c *Config) SetupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if c.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
