package transfer

import (
	"fmt"
	"time"
)

const (
	DefaultConcurrency   = 8
	DefaultMaxAttempts   = 5
	DefaultBaseBackoff   = 500 * time.Millisecond
	DefaultMaxBackoff    = 30 * time.Second
	DefaultActionTimeout = 2 * time.Minute
	DefaultCacheEntries  = 256
)

type Config struct {
	// Concurrency bounds the number of actions in flight.
	Concurrency int
	// MaxAttempts counts the first try. Only transient errors are retried.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// ActionTimeout bounds one attempt of one action.
	ActionTimeout time.Duration
	// RateLimit is the number of provider calls per second, 0 for unlimited.
	RateLimit float64
	RateBurst int
	// CacheEntries bounds the download dedupe cache, 0 disables it.
	CacheEntries int
}

func DefaultConfig() Config {
	return Config{
		Concurrency:   DefaultConcurrency,
		MaxAttempts:   DefaultMaxAttempts,
		BaseBackoff:   DefaultBaseBackoff,
		MaxBackoff:    DefaultMaxBackoff,
		ActionTimeout: DefaultActionTimeout,
		CacheEntries:  DefaultCacheEntries,
	}
}

func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.BaseBackoff <= 0 || c.MaxBackoff < c.BaseBackoff {
		return fmt.Errorf("invalid backoff range %s..%s", c.BaseBackoff, c.MaxBackoff)
	}
	if c.ActionTimeout <= 0 {
		return fmt.Errorf("action timeout must be positive")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	return nil
}
