package retry

import (
	"math/rand"
	"time"

	"github.com/averlon/speechgate/internal/config"
	llmerrors "github.com/averlon/speechgate/internal/llm/errors"
)

// backoffFor computes the wait before the next attempt. Explicit
// retry-after guidance from the limiter or provider takes precedence,
// capped at MaxInterval so upstream hints can never stall a request
// beyond the configured ceiling. Otherwise the delay grows exponentially
// from InitialInterval with proportional jitter applied.
func (r *retryMiddleware) backoffFor(attempt int, err error) time.Duration {
	if guided := llmerrors.RetryAfter(err); guided > 0 {
		if guided > r.cfg.MaxInterval {
			guided = r.cfg.MaxInterval
		}
		return Jitter(guided, r.cfg.JitterFactor)
	}

	return Jitter(ExponentialBackoff(attempt, r.cfg), r.cfg.JitterFactor)
}

// ExponentialBackoff returns the undithered delay for an attempt:
// InitialInterval * Multiplier^(attempt-1), capped at MaxInterval.
// Returns zero for non-positive attempts.
func ExponentialBackoff(attempt int, cfg config.RetryConfig) time.Duration {
	if attempt <= 0 {
		return 0
	}

	backoff := cfg.InitialInterval
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if backoff > cfg.MaxInterval {
			return cfg.MaxInterval
		}
	}
	return backoff
}

// Jitter spreads a delay uniformly across [base*(1-factor),
// base*(1+factor)] so synchronized clients do not retry in lockstep.
// Thread-safe via math/rand/v2.
func Jitter(base time.Duration, factor float64) time.Duration {
	if factor <= 0 || base <= 0 {
		return base
	}
	if factor > 1 {
		factor = 1
	}

	spread := (rand.Float64()*2 - 1) * factor // #nosec G404 -- non-cryptographic jitter
	return base + time.Duration(float64(base)*spread)
}
