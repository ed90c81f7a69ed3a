package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultBaseURL                 = "https://www.gps51.com/webapi"
	DefaultGP51Timeout             = 15 * time.Second
	DefaultSessionTTL              = 24 * time.Hour
	DefaultMinInterval             = 1 * time.Second
	DefaultMaxAttempts             = 3
	DefaultBaseDelay               = 3 * time.Second
	DefaultMultiplier              = 1.5
	DefaultMaxDelay                = 30 * time.Second
	DefaultCircuitBreakerThreshold = 5
	DefaultCircuitCooldown         = 60 * time.Second
	DefaultBatchSize               = 5
	DefaultMonitorInterval         = 60 * time.Second
	DefaultDegradedLatency         = 2 * time.Second
	DefaultCheckTimeout            = 10 * time.Second
	DefaultTestCacheTTL            = 30 * time.Second
	DefaultDBPort                  = 5432
	DefaultDBSSLMode               = "prefer"
	DefaultMaxConns                = 10
	DefaultMinConns                = 2
	DefaultRedisAddr               = "localhost:6379"
	DefaultOfflineMaxAge           = 24 * time.Hour
	DefaultHTTPAddr                = ":8080"
)

// ApplyDefaults fills every zero optional field.
func (c *Config) ApplyDefaults() {
	if c.GP51.BaseURL == "" {
		c.GP51.BaseURL = DefaultBaseURL
	}
	if c.GP51.Timeout == 0 {
		c.GP51.Timeout = DefaultGP51Timeout
	}
	if c.GP51.SessionTTL == 0 {
		c.GP51.SessionTTL = DefaultSessionTTL
	}

	if c.RateLimit.MinInterval == 0 {
		c.RateLimit.MinInterval = DefaultMinInterval
	}
	if c.RateLimit.MaxAttempts == 0 {
		c.RateLimit.MaxAttempts = DefaultMaxAttempts
	}
	if c.RateLimit.BaseDelay == 0 {
		c.RateLimit.BaseDelay = DefaultBaseDelay
	}
	if c.RateLimit.Multiplier == 0 {
		c.RateLimit.Multiplier = DefaultMultiplier
	}
	if c.RateLimit.MaxDelay == 0 {
		c.RateLimit.MaxDelay = DefaultMaxDelay
	}
	if c.RateLimit.CircuitBreakerThreshold == 0 {
		c.RateLimit.CircuitBreakerThreshold = DefaultCircuitBreakerThreshold
	}
	if c.RateLimit.CircuitCooldown == 0 {
		c.RateLimit.CircuitCooldown = DefaultCircuitCooldown
	}
	if c.RateLimit.BatchSize == 0 {
		c.RateLimit.BatchSize = DefaultBatchSize
	}

	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = DefaultMonitorInterval
	}
	if c.Monitor.DegradedLatency == 0 {
		c.Monitor.DegradedLatency = DefaultDegradedLatency
	}
	if c.Monitor.CheckTimeout == 0 {
		c.Monitor.CheckTimeout = DefaultCheckTimeout
	}
	if c.Monitor.TestCacheTTL == 0 {
		c.Monitor.TestCacheTTL = DefaultTestCacheTTL
	}

	if c.Database.Port == 0 {
		c.Database.Port = DefaultDBPort
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = DefaultDBSSLMode
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultMaxConns
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = DefaultMinConns
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = DefaultRedisAddr
	}
	if c.Redis.OfflineMaxAge == 0 {
		c.Redis.OfflineMaxAge = DefaultOfflineMaxAge
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
}
