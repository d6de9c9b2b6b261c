// Package retry implements bounded retry with exponential backoff for
// outbound AI provider calls. Throttling errors (local bucket denials
// and provider 429s) re-enter the backoff loop; schema and credential
// failures terminate immediately. Exhausting the attempt budget against
// throttling surfaces as a capacity error, never a client error.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/averlon/speechgate/internal/config"
	llmerrors "github.com/averlon/speechgate/internal/llm/errors"
	"github.com/averlon/speechgate/internal/llm/transport"
)

// Configuration validation errors.
var (
	errMaxAttemptsInvalid     = errors.New("MaxAttempts must be greater than 0")
	errInitialIntervalInvalid = errors.New("InitialInterval must be greater than 0")
	errMaxIntervalInvalid     = errors.New("MaxInterval must be >= InitialInterval")
	errMultiplierInvalid      = errors.New("Multiplier must be >= 1.0")
	errJitterFactorInvalid    = errors.New("JitterFactor must be in [0, 1]")

	errContextCancelledBeforeRetry = errors.New("context cancelled before retry")
	errContextCancelledDuringRetry = errors.New("context cancelled during retry")
)

type retryMiddleware struct {
	cfg    config.RetryConfig
	logger *slog.Logger
	stats  stats
}

type stats struct {
	attempts  atomic.Int64
	retries   atomic.Int64
	exhausted atomic.Int64
}

// NewMiddleware creates retry middleware with the given configuration.
// Returns an error when the configuration cannot produce a terminating,
// monotonic backoff schedule.
func NewMiddleware(cfg config.RetryConfig) (transport.Middleware, error) {
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("%w, got %d", errMaxAttemptsInvalid, cfg.MaxAttempts)
	}
	if cfg.InitialInterval <= 0 {
		return nil, fmt.Errorf("%w, got %v", errInitialIntervalInvalid, cfg.InitialInterval)
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		return nil, fmt.Errorf("%w, MaxInterval: %v, InitialInterval: %v",
			errMaxIntervalInvalid, cfg.MaxInterval, cfg.InitialInterval)
	}
	if cfg.Multiplier < 1.0 {
		return nil, fmt.Errorf("%w, got %f", errMultiplierInvalid, cfg.Multiplier)
	}
	if cfg.JitterFactor < 0 || cfg.JitterFactor > 1 {
		return nil, fmt.Errorf("%w, got %f", errJitterFactorInvalid, cfg.JitterFactor)
	}

	rm := &retryMiddleware{
		cfg:    cfg,
		logger: slog.Default().With("component", "retry"),
	}
	return rm.middleware(), nil
}

func (r *retryMiddleware) middleware() transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			// Fail fast when the caller is already gone.
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", errContextCancelledBeforeRetry, ctx.Err())
			default:
			}

			start := time.Now()
			var lastErr error

			for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
				resp, err := next.Handle(ctx, req)
				r.stats.attempts.Add(1)

				if err == nil {
					if attempt > 1 {
						r.stats.retries.Add(1)
						r.logger.Info("request succeeded after retry",
							"attempt", attempt,
							"model", req.Model,
							"elapsed", time.Since(start))
					}
					return resp, nil
				}

				if !llmerrors.IsRetryable(err) {
					r.logger.Debug("non-retryable error",
						"attempt", attempt, "error", err)
					return nil, err
				}
				lastErr = err

				if attempt == r.cfg.MaxAttempts {
					break
				}

				wait := r.backoffFor(attempt, err)
				r.logger.Debug("retrying after backoff",
					"attempt", attempt,
					"backoff", wait,
					"error", err)

				// Cooperative wait: the timer suspends this request flow
				// only, and a client disconnect abandons the budget.
				timer := time.NewTimer(wait)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return nil, fmt.Errorf("%w: %w", errContextCancelledDuringRetry, ctx.Err())
				}
			}

			r.stats.exhausted.Add(1)
			elapsed := time.Since(start)
			r.logger.Warn("retry budget exhausted",
				"attempts", r.cfg.MaxAttempts,
				"elapsed", elapsed,
				"last_error", lastErr)

			return nil, &llmerrors.CapacityError{
				Attempts:   r.cfg.MaxAttempts,
				Elapsed:    elapsed,
				RetryAfter: capacityRetryAfter(lastErr, r.cfg.MaxInterval),
				Cause:      lastErr,
			}
		})
	}
}

// capacityRetryAfter suggests a client-facing retry delay once the budget
// is spent: the upstream guidance when present, the backoff cap otherwise.
func capacityRetryAfter(err error, maxInterval time.Duration) int {
	if ra := llmerrors.RetryAfter(err); ra > 0 {
		return int(ra / time.Second)
	}
	secs := int(maxInterval / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Stats is a point-in-time snapshot of retry counters.
type Stats struct {
	Attempts  int64
	Retries   int64
	Exhausted int64
}

// Stats returns a snapshot for logging and debugging.
func (r *retryMiddleware) Stats() Stats {
	return Stats{
		Attempts:  r.stats.attempts.Load(),
		Retries:   r.stats.retries.Load(),
		Exhausted: r.stats.exhausted.Load(),
	}
}
