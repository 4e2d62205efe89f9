package workflow

import (
	"math/rand"
	"time"

	"github.com/c360studio/migrator/config"
)

// Policy bounds the attempt chain per job stage and spaces retries out.
type Policy struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// NewPolicy builds a Policy from retry configuration.
func NewPolicy(cfg config.RetryConfig) Policy {
	return Policy{
		MaxAttempts:       cfg.MaxAttempts,
		BackoffBase:       cfg.BackoffBase,
		BackoffMultiplier: cfg.BackoffMultiplier,
		MaxBackoff:        cfg.MaxBackoff,
	}
}

// Exhausted reports whether the given attempt number used up the
// budget. A retryable failure on an exhausted attempt becomes fatal.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Backoff computes the redelivery delay after the given attempt failed.
// Exponential in the attempt number, capped, with +/- 25% jitter so
// parallel workers do not retry in lockstep.
func (p Policy) Backoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= p.BackoffMultiplier
	}

	backoff := time.Duration(float64(p.BackoffBase) * multiplier)
	if backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}

	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}
