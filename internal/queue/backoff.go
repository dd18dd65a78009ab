package queue

import (
	"math/rand/v2"
	"time"
)

// Config holds the retry policy.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxJitter   time.Duration
	// Interval is the longest the loop sleeps between passes.
	Interval time.Duration
}

// DefaultConfig returns the standard policy: 3 attempts, 5s doubling up to
// 5 minutes, under a second of jitter, a pass at least every 30s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Second,
		MaxDelay:    5 * time.Minute,
		MaxJitter:   time.Second,
		Interval:    30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxJitter < 0 {
		c.MaxJitter = 0
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	return c
}

// Backoff returns the delay before retry number attempts (1-based), without
// jitter: BaseDelay doubled per attempt, capped at MaxDelay.
func (c Config) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := c.BaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	return min(delay, c.MaxDelay)
}

// randomJitter returns a duration in [0, limit).
func randomJitter(limit time.Duration) func() time.Duration {
	return func() time.Duration {
		if limit <= 0 {
			return 0
		}
		return rand.N(limit)
	}
}
