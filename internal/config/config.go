// Package config loads server configuration from an optional YAML file
// with environment-variable overrides. Environment always wins, so
// deployments can ship a base file and tune per instance.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Server struct {
		Port     string   `yaml:"port"`
		LogLevel string   `yaml:"log_level"`
		Origins  []string `yaml:"allowed_origins"`
	} `yaml:"server"`

	Redis struct {
		Addr      string `yaml:"addr"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	Session struct {
		IdleTimeoutMinutes     int `yaml:"idle_timeout_minutes"`
		CleanupIntervalMinutes int `yaml:"cleanup_interval_minutes"`
	} `yaml:"session"`

	Ticker struct {
		IntervalMs int `yaml:"interval_ms"`
	} `yaml:"ticker"`
}

// Defaults returns the configuration used when no file and no
// environment overrides are present.
func Defaults() *Config {
	cfg := &Config{}
	cfg.Server.Port = "8080"
	cfg.Server.LogLevel = "info"
	cfg.Server.Origins = []string{"*"}
	cfg.Redis.Addr = "localhost:6379"
	cfg.Session.IdleTimeoutMinutes = 30
	cfg.Session.CleanupIntervalMinutes = 10
	cfg.Ticker.IntervalMs = 100
	return cfg
}

// Load reads the YAML file at path (skipped if path is empty or the
// file is missing), then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Server.LogLevel = getEnv("LOG_LEVEL", cfg.Server.LogLevel)
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvAsInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.KeyPrefix = getEnv("REDIS_KEY_PREFIX", cfg.Redis.KeyPrefix)
	cfg.Session.IdleTimeoutMinutes = getEnvAsInt("SESSION_IDLE_TIMEOUT_MINUTES", cfg.Session.IdleTimeoutMinutes)
	cfg.Session.CleanupIntervalMinutes = getEnvAsInt("SESSION_CLEANUP_INTERVAL_MINUTES", cfg.Session.CleanupIntervalMinutes)
	cfg.Ticker.IntervalMs = getEnvAsInt("TICK_INTERVAL_MS", cfg.Ticker.IntervalMs)

	return cfg, nil
}

// IdleTimeout returns the session idle timeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Session.IdleTimeoutMinutes) * time.Minute
}

// CleanupInterval returns the expired-session sweep cadence.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Session.CleanupIntervalMinutes) * time.Minute
}

// TickInterval returns the position tick cadence.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Ticker.IntervalMs) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
