// Package config defines the runtime settings of the WORTH server, their
// defaults, and how they are loaded from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"worth/internal/util"
)

// Storage backends.
const (
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
)

// RateLimitConfig defines the per-connection request throttle.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// ChatConfig defines the multicast chat address range and port.
type ChatConfig struct {
	AddressBase     string `yaml:"address_base"`
	AddressCapacity int    `yaml:"address_capacity"`
	Port            int    `yaml:"port"`
}

// Config holds every server setting.
type Config struct {
	Addr           string          `yaml:"addr"`
	HTTPAddr       string          `yaml:"http_addr"`
	Storage        string          `yaml:"storage"`
	DBPath         string          `yaml:"db_path"`
	MaxMessageSize int             `yaml:"max_message_size"`
	WriteTimeout   time.Duration   `yaml:"write_timeout"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	NotifyBuffer   int             `yaml:"notify_buffer"`
	Chat           ChatConfig      `yaml:"chat"`
	LogLevel       string          `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:           ":6789",
		HTTPAddr:       ":8080",
		Storage:        StorageSQLite,
		DBPath:         "data/worth.db",
		MaxMessageSize: 8192,
		WriteTimeout:   10 * time.Second,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		NotifyBuffer: 64,
		Chat: ChatConfig{
			AddressBase:     "239.1.0.0",
			AddressCapacity: 65534,
			Port:            5678,
		},
		LogLevel: "info",
	}
}

// Load builds a configuration from the defaults, the YAML file at path (if
// path is not empty) and then the WORTH_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg.Sanitize(), nil
}

func (c *Config) applyEnv() {
	c.Addr = util.EnvOrDefault("WORTH_ADDR", c.Addr)
	c.HTTPAddr = util.EnvOrDefault("WORTH_HTTP_ADDR", c.HTTPAddr)
	c.Storage = util.EnvOrDefault("WORTH_STORAGE", c.Storage)
	c.DBPath = util.EnvOrDefault("WORTH_DB_PATH", c.DBPath)
	c.LogLevel = util.EnvOrDefault("WORTH_LOG_LEVEL", c.LogLevel)
	c.MaxMessageSize = util.EnvInt("WORTH_MAX_MESSAGE_SIZE", c.MaxMessageSize)
	c.WriteTimeout = util.EnvDuration("WORTH_WRITE_TIMEOUT", c.WriteTimeout)
	c.RateLimit.Burst = util.EnvInt("WORTH_RATE_LIMIT_BURST", c.RateLimit.Burst)
	c.RateLimit.RefillInterval = util.EnvDuration("WORTH_RATE_LIMIT_REFILL_INTERVAL", c.RateLimit.RefillInterval)
	c.NotifyBuffer = util.EnvInt("WORTH_NOTIFY_BUFFER", c.NotifyBuffer)
	c.Chat.AddressBase = util.EnvOrDefault("WORTH_CHAT_ADDRESS_BASE", c.Chat.AddressBase)
	c.Chat.Port = util.EnvInt("WORTH_CHAT_PORT", c.Chat.Port)
}

// Sanitize replaces missing or invalid values with their defaults.
func (c Config) Sanitize() Config {
	def := Default()

	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = def.HTTPAddr
	}
	c.Storage = strings.ToLower(strings.TrimSpace(c.Storage))
	if c.Storage != StorageSQLite && c.Storage != StorageMemory {
		c.Storage = def.Storage
	}
	if c.DBPath == "" {
		c.DBPath = def.DBPath
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if c.NotifyBuffer <= 0 {
		c.NotifyBuffer = def.NotifyBuffer
	}
	if c.Chat.AddressBase == "" {
		c.Chat.AddressBase = def.Chat.AddressBase
	}
	if c.Chat.AddressCapacity <= 0 {
		c.Chat.AddressCapacity = def.Chat.AddressCapacity
	}
	if c.Chat.Port <= 0 || c.Chat.Port > 65535 {
		c.Chat.Port = def.Chat.Port
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		c.LogLevel = def.LogLevel
	}
	return c
}

// Level returns the configured log level.
func (c Config) Level() slog.Level {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(raw) == "" {
		return level, errors.New("empty log level")
	}
	err := level.UnmarshalText([]byte(raw))
	return level, err
}
