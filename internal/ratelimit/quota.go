// Package ratelimit implements the inbound request limiter: per-client,
// per-route-group windowed counters with in-memory and shared Redis
// backends, and the HTTP middleware that enforces them.
package ratelimit

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Route group labels. Every route belongs to exactly one group; unmapped
// groups fall back to GroupDefault's quota.
const (
	GroupDefault  = "default"
	GroupAuth     = "auth"
	GroupAnalysis = "analysis"
)

// Quota parsing errors.
var (
	ErrQuotaFormat = errors.New(`quota must be "<limit>/<window>", e.g. "10/minute"`)
	ErrQuotaLimit  = errors.New("quota limit must be a positive integer")
	ErrQuotaWindow = errors.New("quota window must be second, minute, hour, or day")
)

var windowUnits = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
}

// Quota is the immutable per-route-group limit configuration, loaded
// once at startup.
type Quota struct {
	Group  string
	Limit  int64
	Window time.Duration
}

// ParseQuota parses a "<limit>/<window>" string such as "10/minute".
func ParseQuota(group, s string) (Quota, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "/", 2)
	if len(parts) != 2 {
		return Quota{}, fmt.Errorf("%w: got %q", ErrQuotaFormat, s)
	}

	limit, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || limit <= 0 {
		return Quota{}, fmt.Errorf("%w: got %q", ErrQuotaLimit, parts[0])
	}

	window, ok := windowUnits[strings.ToLower(strings.TrimSpace(parts[1]))]
	if !ok {
		return Quota{}, fmt.Errorf("%w: got %q", ErrQuotaWindow, parts[1])
	}

	return Quota{Group: group, Limit: limit, Window: window}, nil
}

// String renders the quota back in "<limit>/<window>" form for response
// bodies and logs.
func (q Quota) String() string {
	for name, d := range windowUnits {
		if d == q.Window {
			return fmt.Sprintf("%d/%s", q.Limit, name)
		}
	}
	return fmt.Sprintf("%d/%s", q.Limit, q.Window)
}
