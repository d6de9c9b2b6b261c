package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/averlon/speechgate/internal/config"
	"github.com/averlon/speechgate/internal/requestid"
)

// timestampLayout matches the wire format of the 429 body timestamps.
const timestampLayout = "2006-01-02T15:04:05.000Z"

type subjectKey struct{}

// WithSubject attaches the authenticated subject to the context. The
// auth collaborator calls this; when present the subject replaces the
// client IP in rate-limit keys so quota follows the account, not the
// address.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext returns the authenticated subject, empty if anonymous.
func SubjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(subjectKey{}).(string)
	return subject
}

// Limiter enforces per-client, per-route-group quotas on inbound
// requests. Decisions are O(1), synchronous, and never delay a request:
// a request is either allowed through immediately or rejected with 429.
type Limiter struct {
	store    CounterStore
	quotas   map[string]Quota
	fallback Quota
	enabled  bool

	allowed  atomic.Int64
	rejected atomic.Int64

	logger *slog.Logger
	now    func() time.Time
}

// New builds a Limiter from configuration, parsing and validating every
// quota string up front. A disabled limiter passes all traffic through.
func New(store CounterStore, cfg config.RateLimitConfig) (*Limiter, error) {
	defQuota, err := ParseQuota(GroupDefault, cfg.QuotaDefault)
	if err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_DEFAULT: %w", err)
	}
	authQuota, err := ParseQuota(GroupAuth, cfg.QuotaAuth)
	if err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_AUTH: %w", err)
	}
	analysisQuota, err := ParseQuota(GroupAnalysis, cfg.QuotaAnalysis)
	if err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_ANALYSIS: %w", err)
	}

	return &Limiter{
		store: store,
		quotas: map[string]Quota{
			GroupDefault:  defQuota,
			GroupAuth:     authQuota,
			GroupAnalysis: analysisQuota,
		},
		fallback: defQuota,
		enabled:  cfg.Enabled,
		logger:   slog.Default().With("component", "ratelimit"),
		now:      time.Now,
	}, nil
}

// QuotaFor returns the quota applied to a route group, falling back to
// the default quota for unmapped groups.
func (l *Limiter) QuotaFor(group string) Quota {
	if q, ok := l.quotas[group]; ok {
		return q
	}
	return l.fallback
}

// Handler returns the middleware enforcing the given route group's quota.
func (l *Limiter) Handler(group string) func(http.Handler) http.Handler {
	quota := l.QuotaFor(group)

	return func(next http.Handler) http.Handler {
		if !l.enabled {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := l.clientID(r)
			key := fmt.Sprintf("%s:%s", group, clientID)

			count, ttl, err := l.store.Incr(r.Context(), key, quota.Window)
			if err != nil {
				// Fail open: a broken counter must not take the product down.
				l.logger.Warn("rate limit counter unavailable, allowing request",
					"key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			requestID := requestid.FromContext(r.Context())

			if count <= quota.Limit {
				l.allowed.Add(1)
				remaining := quota.Limit - count
				setQuotaHeaders(w, quota, remaining, l.now().Add(ttl))

				l.logger.Debug("request allowed",
					"key", key,
					"route_group", group,
					"count", count,
					"limit", quota.Limit,
					"request_id", requestID)
				next.ServeHTTP(w, r)
				return
			}

			l.rejected.Add(1)
			l.logger.Warn("request rejected",
				"key", key,
				"route_group", group,
				"count", count,
				"limit", quota.Limit,
				"client_id", clientID,
				"request_id", requestID)

			l.writeRejection(w, r, quota, ttl, clientID)
		})
	}
}

// Stats is a point-in-time snapshot of limiter decision counters.
type Stats struct {
	Allowed  int64
	Rejected int64
}

// Stats returns a snapshot for logging and debugging.
func (l *Limiter) Stats() Stats {
	return Stats{Allowed: l.allowed.Load(), Rejected: l.rejected.Load()}
}

// clientID identifies the caller: the authenticated subject when
// available, the client IP otherwise.
func (l *Limiter) clientID(r *http.Request) string {
	if subject := SubjectFromContext(r.Context()); subject != "" {
		return subject
	}
	return clientIP(r)
}

// clientIP extracts the originating address, trusting proxy headers in
// order of specificity before falling back to the socket peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimitExceededBody is the structured 429 response.
type rateLimitExceededBody struct {
	Error      string `json:"error"`
	Detail     string `json:"detail"`
	RetryAfter int64  `json:"retry_after"`
	Timestamp  string `json:"timestamp"`
	Limit      string `json:"limit"`
	Remaining  int64  `json:"remaining"`
	ResetTime  string `json:"reset_time"`
	ClientIP   string `json:"client_ip"`
}

// writeRejection emits the 429 response with retry guidance headers and
// the structured body.
func (l *Limiter) writeRejection(w http.ResponseWriter, r *http.Request, quota Quota, ttl time.Duration, clientID string) {
	now := l.now().UTC()
	reset := now.Add(ttl)
	retryAfter := int64(math.Ceil(ttl.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}

	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	setQuotaHeaders(w, quota, 0, reset)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	body := rateLimitExceededBody{
		Error:      "Rate limit exceeded",
		Detail:     fmt.Sprintf("Too many requests for %s, try again in %d seconds", quota.Group, retryAfter),
		RetryAfter: retryAfter,
		Timestamp:  now.Format(timestampLayout),
		Limit:      quota.String(),
		Remaining:  0,
		ResetTime:  reset.Format(timestampLayout),
		ClientIP:   clientIP(r),
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		l.logger.Warn("failed to write rejection body", "error", err)
	}
}

// setQuotaHeaders attaches the standard quota metadata to a response.
func setQuotaHeaders(w http.ResponseWriter, quota Quota, remaining int64, reset time.Time) {
	if remaining < 0 {
		remaining = 0
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(quota.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
}
