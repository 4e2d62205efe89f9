package llm

import "time"

// RetryConfig shapes the backoff schedule for transient failures.
// Zero values are corrected by normalized, so a partially filled
// config never disables retries outright.
type RetryConfig struct {
	// MaxAttempts bounds total tries, first attempt included.
	MaxAttempts int

	// BackoffBase is the wait before the first retry.
	BackoffBase time.Duration

	// BackoffMultiplier grows the wait after each failed attempt.
	BackoffMultiplier float64

	// MaxBackoff caps the wait regardless of multiplier growth.
	MaxBackoff time.Duration
}

// DefaultRetryConfig suits slow LLM endpoints: a few attempts with
// seconds-scale waits between them.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// normalized fills unusable values with safe ones.
func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 1
	}
	if c.MaxBackoff < c.BackoffBase {
		c.MaxBackoff = c.BackoffBase
	}
	return c
}
