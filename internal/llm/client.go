// Package llm assembles the resilient client for outbound AI provider
// calls: a middleware chain of response cache, bounded retry, and the
// process-wide token bucket around the provider HTTP invocation.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/averlon/speechgate/internal/analysis"
	"github.com/averlon/speechgate/internal/config"
	"github.com/averlon/speechgate/internal/llm/bucket"
	"github.com/averlon/speechgate/internal/llm/cache"
	llmerrors "github.com/averlon/speechgate/internal/llm/errors"
	"github.com/averlon/speechgate/internal/llm/provider"
	"github.com/averlon/speechgate/internal/llm/retry"
	"github.com/averlon/speechgate/internal/llm/transport"
)

// ErrEmptyText rejects analysis requests with no transcript content.
var ErrEmptyText = errors.New("analysis text cannot be empty")

// Client is the resilient AI client. It implements analysis.Analyzer.
//
// Request flow: cache lookup → retry loop → token bucket → provider HTTP
// call → schema validation, with successful responses written back to
// the cache idempotently.
type Client struct {
	handler transport.Handler
	cache   *cache.Store
	bucket  *bucket.Bucket
	cfg     config.ProviderConfig
	logger  *slog.Logger
}

// Option customizes client construction, mainly for tests.
type Option func(*options)

type options struct {
	adapter    provider.Adapter
	httpClient *http.Client
}

// WithAdapter overrides the provider adapter.
func WithAdapter(a provider.Adapter) Option {
	return func(o *options) { o.adapter = a }
}

// WithHTTPClient overrides the HTTP client used for provider calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// New constructs the client from configuration. The token bucket is
// created here and owned by the client; nothing else in the process may
// call the provider outside this pipeline.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.adapter == nil {
		o.adapter = provider.NewOpenAIAdapter(cfg.Provider)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: cfg.Provider.Timeout}
	}

	bkt := bucket.New(cfg.Bucket.Capacity, cfg.Bucket.RefillRate)

	retryMW, err := retry.NewMiddleware(cfg.Retry)
	if err != nil {
		return nil, fmt.Errorf("invalid retry configuration: %w", err)
	}

	var store *cache.Store
	middlewares := []transport.Middleware{}
	if cfg.Cache.Enabled {
		store = cache.NewStore(cfg.Cache.MaxEntries)
		middlewares = append(middlewares, cache.NewMiddleware(store, cfg.Cache.TTL))
	}
	middlewares = append(middlewares, retryMW, throttleMiddleware(bkt))

	core := &httpHandler{
		client:  o.httpClient,
		adapter: o.adapter,
	}

	return &Client{
		handler: transport.Chain(core, middlewares...),
		cache:   store,
		bucket:  bkt,
		cfg:     cfg.Provider,
		logger:  slog.Default().With("component", "llm"),
	}, nil
}

// Analyze runs one speech analysis through the resilient pipeline and
// returns the validated result. Errors are always from the taxonomy in
// internal/llm/errors.
func (c *Client) Analyze(ctx context.Context, text string, promptType analysis.PromptType) (*analysis.Result, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	if !promptType.Valid() {
		promptType = analysis.PromptGeneral
	}

	req := &transport.Request{
		Text:       text,
		PromptType: promptType,
		Model:      c.cfg.Model,
	}
	req.Fingerprint = transport.ComputeFingerprint(req)

	resp, err := c.handler.Handle(ctx, req)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("analysis completed",
		"prompt_type", promptType,
		"from_cache", resp.FromCache,
		"latency_ms", resp.Usage.LatencyMs)
	return resp.Result, nil
}

// Stats is a combined snapshot of the client's moving parts.
type Stats struct {
	Cache  cache.Stats
	Bucket bucket.Stats
}

// Stats returns a snapshot for logging and debugging.
func (c *Client) Stats() Stats {
	s := Stats{Bucket: c.bucket.Stats()}
	if c.cache != nil {
		s.Cache = c.cache.Stats()
	}
	return s
}

// httpHandler is the core handler: build the provider request, execute
// it, parse, and validate the analysis schema. Validation failures are
// FormatError and terminate the pipeline without retry.
type httpHandler struct {
	client  *http.Client
	adapter provider.Adapter
}

func (h *httpHandler) Handle(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	reqCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := h.adapter.Build(reqCtx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider request: %w", err)
	}

	start := time.Now()
	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	resp, err := h.adapter.Parse(httpResp)
	if err != nil {
		return nil, err
	}
	resp.Usage.LatencyMs = time.Since(start).Milliseconds()

	result, err := analysis.ParseResult(resp.Content)
	if err != nil {
		return nil, &llmerrors.FormatError{
			Reason: "provider response failed schema validation",
			Cause:  err,
		}
	}
	result.ModelVersion = resp.Model
	resp.Result = result

	return resp, nil
}

// throttleMiddleware gates every provider invocation on the outbound
// token bucket. Denials surface as retryable rate-limit errors carrying
// the bucket's retry-after estimate so the backoff loop waits just long
// enough.
func throttleMiddleware(b *bucket.Bucket) transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			granted, retryAfter := b.TryAcquire(1)
			if !granted {
				seconds := int(retryAfter / time.Second)
				if seconds < 1 {
					seconds = 1
				}
				return nil, &llmerrors.RateLimitError{
					Scope:      "bucket",
					RetryAfter: seconds,
				}
			}
			return next.Handle(ctx, req)
		})
	}
}
