// Package config provides configuration management using Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// defaultDataDir returns the default directory for local bridge data.
// Uses ~/.queue-bridge/ so data is in a fixed location regardless of CWD.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".queue-bridge")
}

// Config holds all configuration for the queue bridge.
type Config struct {
	// Broker
	BrokerURL      string        `mapstructure:"broker_url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`

	// STOMP heartbeats. Zero disables them, matching the broker's
	// enableSimpleBroker configuration.
	HeartbeatOutgoing time.Duration `mapstructure:"heartbeat_outgoing"`
	HeartbeatIncoming time.Duration `mapstructure:"heartbeat_incoming"`

	// Subscription readiness polling
	SubscribeRetryInterval time.Duration `mapstructure:"subscribe_retry_interval"`
	SubscribeMaxAttempts   int           `mapstructure:"subscribe_max_attempts"`

	// Booking REST API
	BookingBaseURL string `mapstructure:"booking_base_url"`

	// Session identity. Both optional: the broker limits what an
	// anonymous connection may do, but connecting is still allowed.
	UserID      int64  `mapstructure:"user_id"`
	AccessToken string `mapstructure:"access_token"`
	Nickname    string `mapstructure:"nickname"`

	// Booking context
	RoomID  int64 `mapstructure:"room_id"`
	MatchID int64 `mapstructure:"match_id"`

	// Paths
	StorePath string `mapstructure:"store_path"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BrokerURL:              "wss://tickget.kr/api/v1/rms/ws/rooms",
		ConnectTimeout:         30 * time.Second,
		ReconnectDelay:         5 * time.Second,
		HeartbeatOutgoing:      0,
		HeartbeatIncoming:      0,
		SubscribeRetryInterval: 500 * time.Millisecond,
		SubscribeMaxAttempts:   20,
		BookingBaseURL:         "https://tickget.kr/api/v1",
		StorePath:              filepath.Join(defaultDataDir(), "bridge.db"),
		LogLevel:               "info",
		LogFormat:              "json",
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// Priority: CLI flags > Environment > Config file > Defaults
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("broker_url", defaults.BrokerURL)
	v.SetDefault("connect_timeout", defaults.ConnectTimeout)
	v.SetDefault("reconnect_delay", defaults.ReconnectDelay)
	v.SetDefault("heartbeat_outgoing", defaults.HeartbeatOutgoing)
	v.SetDefault("heartbeat_incoming", defaults.HeartbeatIncoming)
	v.SetDefault("subscribe_retry_interval", defaults.SubscribeRetryInterval)
	v.SetDefault("subscribe_max_attempts", defaults.SubscribeMaxAttempts)
	v.SetDefault("booking_base_url", defaults.BookingBaseURL)
	v.SetDefault("user_id", defaults.UserID)
	v.SetDefault("access_token", defaults.AccessToken)
	v.SetDefault("nickname", defaults.Nickname)
	v.SetDefault("room_id", defaults.RoomID)
	v.SetDefault("match_id", defaults.MatchID)
	v.SetDefault("store_path", defaults.StorePath)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)

	// Environment variables with QBRIDGE_ prefix
	v.SetEnvPrefix("QBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load from config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Ignore if the default config.yaml simply doesn't exist.
			// Only fail if the user explicitly provided a path that can't be read.
			isNotFound := errors.Is(err, os.ErrNotExist)
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotFound {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BrokerURL)
	if err != nil {
		return fmt.Errorf("invalid broker url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid broker url scheme: %q (must be ws or wss)", u.Scheme)
	}

	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect delay must be positive")
	}

	if c.SubscribeRetryInterval <= 0 {
		return fmt.Errorf("subscribe retry interval must be positive")
	}

	if c.SubscribeMaxAttempts <= 0 {
		return fmt.Errorf("subscribe max attempts must be positive")
	}

	if c.HeartbeatOutgoing < 0 || c.HeartbeatIncoming < 0 {
		return fmt.Errorf("heartbeat intervals must be non-negative")
	}

	if c.RoomID < 0 {
		return fmt.Errorf("room id must be non-negative")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}
