package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.GP51.Username == "" {
		return errors.New("gp51.username is required")
	}
	if c.GP51.Password == "" {
		return errors.New("gp51.password is required")
	}

	if c.RateLimit.MaxAttempts < 1 {
		return errors.New("rate_limit.max_attempts must be >= 1")
	}
	if c.RateLimit.Multiplier <= 1 {
		return fmt.Errorf("rate_limit.multiplier must be > 1, got %v", c.RateLimit.Multiplier)
	}
	if c.RateLimit.BaseDelay > c.RateLimit.MaxDelay {
		return fmt.Errorf("rate_limit.base_delay (%s) cannot exceed max_delay (%s)",
			c.RateLimit.BaseDelay, c.RateLimit.MaxDelay)
	}
	if c.RateLimit.BatchSize < 1 {
		return errors.New("rate_limit.batch_size must be >= 1")
	}

	if err := c.Database.validate("database"); err != nil {
		return err
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
