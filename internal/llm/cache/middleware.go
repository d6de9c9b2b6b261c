package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/averlon/speechgate/internal/llm/transport"
)

// cacheMiddleware serves analysis responses from the content-addressed
// store and collapses concurrent identical requests into a single
// upstream call.
type cacheMiddleware struct {
	store  *Store
	ttl    time.Duration
	flight singleflight.Group
	logger *slog.Logger
}

// NewMiddleware wraps a handler with fingerprint-addressed caching.
// Successful responses are stored for ttl; the store's first-writer-wins
// Put bounds the damage of any race to wasted quota, never divergent
// data. A nil store disables caching entirely.
func NewMiddleware(store *Store, ttl time.Duration) transport.Middleware {
	cm := &cacheMiddleware{
		store:  store,
		ttl:    ttl,
		logger: slog.Default().With("component", "cache"),
	}
	return cm.middleware()
}

func (c *cacheMiddleware) middleware() transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			if c.store == nil || req.Fingerprint == "" {
				return next.Handle(ctx, req)
			}

			if resp, ok := c.lookup(req.Fingerprint); ok {
				c.logger.Debug("cache hit",
					"fingerprint", shortFingerprint(req.Fingerprint),
					"prompt_type", req.PromptType)
				return resp, nil
			}

			// Collapse concurrent identical requests: the first caller
			// invokes the provider, later callers share its outcome.
			// The flight runs detached from any single caller's
			// cancellation: a disconnect returns promptly to that
			// caller, but an already-issued provider call completes in
			// the background and its result is persisted for future
			// requests.
			flightCtx := context.WithoutCancel(ctx)
			ch := c.flight.DoChan(string(req.Fingerprint), func() (any, error) {
				// Re-check after winning the flight: another leader may
				// have populated the store between lookup and DoChan.
				if resp, ok := c.lookup(req.Fingerprint); ok {
					return resp, nil
				}

				resp, err := next.Handle(flightCtx, req)
				if err != nil {
					return nil, err
				}
				c.persist(req, resp)
				return resp, nil
			})

			select {
			case <-ctx.Done():
				c.logger.Debug("caller abandoned in-flight request",
					"fingerprint", shortFingerprint(req.Fingerprint))
				return nil, ctx.Err()
			case res := <-ch:
				if res.Err != nil {
					return nil, res.Err
				}
				resp, ok := res.Val.(*transport.Response)
				if !ok {
					return nil, fmt.Errorf("unexpected cached value type %T", res.Val)
				}
				if res.Shared {
					c.logger.Debug("request coalesced",
						"fingerprint", shortFingerprint(req.Fingerprint))
				}
				return resp, nil
			}
		})
	}
}

// lookup fetches and decodes a stored response.
func (c *cacheMiddleware) lookup(fp transport.Fingerprint) (*transport.Response, bool) {
	payload, ok := c.store.Get(string(fp))
	if !ok {
		return nil, false
	}

	var resp transport.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.logger.Warn("corrupt cache payload dropped",
			"fingerprint", shortFingerprint(fp), "error", err)
		return nil, false
	}
	resp.FromCache = true
	return &resp, true
}

// persist stores a successful response. Write failures only cost a
// future cache hit, so they are logged and swallowed.
func (c *cacheMiddleware) persist(req *transport.Request, resp *transport.Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		c.logger.Warn("cache encode failed", "error", err)
		return
	}
	c.store.Put(string(req.Fingerprint), payload, c.ttl)
}

// shortFingerprint truncates a fingerprint for log readability.
func shortFingerprint(fp transport.Fingerprint) string {
	s := string(fp)
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
