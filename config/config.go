// Package config loads the gp51-monitor daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	GP51      GP51Config      `yaml:"gp51"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Database  DBConfig        `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// GP51Config holds the GP51 endpoint and service account.
type GP51Config struct {
	BaseURL    string        `yaml:"base_url"`
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	Timeout    time.Duration `yaml:"timeout"`
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// RateLimitConfig mirrors gp51.RateLimiterConfig.
type RateLimitConfig struct {
	MinInterval             time.Duration `yaml:"min_interval"`
	MaxAttempts             int           `yaml:"max_attempts"`
	BaseDelay               time.Duration `yaml:"base_delay"`
	Multiplier              float64       `yaml:"multiplier"`
	MaxDelay                time.Duration `yaml:"max_delay"`
	CircuitBreakerThreshold uint32        `yaml:"circuit_breaker_threshold"`
	CircuitCooldown         time.Duration `yaml:"circuit_cooldown"`
	BatchSize               int           `yaml:"batch_size"`
}

// MonitorConfig configures the health monitor and connection tester.
type MonitorConfig struct {
	Interval        time.Duration `yaml:"interval"`
	DegradedLatency time.Duration `yaml:"degraded_latency"`
	CheckTimeout    time.Duration `yaml:"check_timeout"`
	TestCacheTTL    time.Duration `yaml:"test_cache_ttl"`
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RedisConfig holds the offline session cache connection.
type RedisConfig struct {
	Addr          string        `yaml:"addr"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	OfflineMaxAge time.Duration `yaml:"offline_max_age"`
}

// HTTPConfig configures the status server.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config data after expanding ${VAR} environment variables.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	return &cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
