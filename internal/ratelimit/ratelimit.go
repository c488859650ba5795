// Package ratelimit provides the gate that throttles login attempts.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultLimit   = 5
	DefaultPeriod  = 5 * time.Minute
	DefaultTimeout = 100 * time.Millisecond
)

// Gate hands out permits. Acquire reports whether a permit was obtained
// within the configured timeout; it never blocks longer than that.
type Gate interface {
	Acquire(ctx context.Context) bool
}

// Config is Limit permits per Period, waiting at most Timeout for one.
type Config struct {
	Limit   int           `yaml:"limit"`
	Period  time.Duration `yaml:"period"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig allows five attempts per five minutes.
func DefaultConfig() Config {
	return Config{Limit: DefaultLimit, Period: DefaultPeriod, Timeout: DefaultTimeout}
}

func (c Config) Validate() error {
	if c.Limit <= 0 {
		return fmt.Errorf("ratelimit: limit must be positive, got %d", c.Limit)
	}
	if c.Period <= 0 {
		return errors.New("ratelimit: period must be positive")
	}
	if c.Timeout < 0 {
		return errors.New("ratelimit: timeout must not be negative")
	}
	return nil
}
