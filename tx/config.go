package tx

import "time"

// Config tunes lock timeouts and the retry driver.
type Config struct {
	// LockTimeout is the base wait for a lock inside a transaction.
	LockTimeout time.Duration
	// MaxLockTimeout caps LockTimeout growth under contention.
	MaxLockTimeout time.Duration
	// TimeoutFactor multiplies the lock timeout after each failed attempt.
	TimeoutFactor float64

	// MaxAttempts bounds how many times a top-level transaction body runs.
	MaxAttempts uint64
	// BaseRetryDelay is the first backoff between attempts.
	BaseRetryDelay time.Duration
	// MaxRetryDelay caps the backoff.
	MaxRetryDelay time.Duration
	// BlockOnMaxAttempts makes the final attempt wait for locks without a timeout
	// instead of failing with ErrAttemptsExhausted.
	BlockOnMaxAttempts bool

	// NonTxLockTimeout bounds lock waits outside any transaction.
	NonTxLockTimeout time.Duration
	// LaneWait bounds the wait for a free undo lane. Zero uses the lock timeout.
	LaneWait time.Duration
}

// DefaultConfig returns the standard timeouts.
func DefaultConfig() Config {
	return Config{
		LockTimeout:      30 * time.Millisecond,
		MaxLockTimeout:   125 * time.Millisecond,
		TimeoutFactor:    1.5,
		MaxAttempts:      26,
		BaseRetryDelay:   2 * time.Millisecond,
		MaxRetryDelay:    200 * time.Millisecond,
		NonTxLockTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LockTimeout <= 0 {
		c.LockTimeout = d.LockTimeout
	}
	if c.MaxLockTimeout < c.LockTimeout {
		c.MaxLockTimeout = max(d.MaxLockTimeout, c.LockTimeout)
	}
	if c.TimeoutFactor < 1 {
		c.TimeoutFactor = d.TimeoutFactor
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = d.BaseRetryDelay
	}
	if c.MaxRetryDelay < c.BaseRetryDelay {
		c.MaxRetryDelay = max(d.MaxRetryDelay, c.BaseRetryDelay)
	}
	if c.NonTxLockTimeout <= 0 {
		c.NonTxLockTimeout = d.NonTxLockTimeout
	}
	return c
}

// nextTimeout grows the lock timeout after a failed attempt.
func (c Config) nextTimeout(cur time.Duration) time.Duration {
	return min(time.Duration(float64(cur)*c.TimeoutFactor), c.MaxLockTimeout)
}
