// Package requestid provides request correlation identifiers: an HTTP
// middleware that assigns one per request and context helpers for every
// layer that logs.
package requestid

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Header is the correlation header echoed on every response, success or
// failure.
const Header = "X-Request-ID"

type contextKey struct{}

// Middleware assigns each request a correlation identifier, honoring one
// already supplied by the caller, and echoes it on the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set(Header, id)
		next.ServeHTTP(w, r.WithContext(WithID(r.Context(), id)))
	})
}

// WithID returns a context carrying the correlation identifier.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the correlation identifier, empty if none was set.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}
