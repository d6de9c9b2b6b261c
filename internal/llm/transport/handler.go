// Package transport defines the request pipeline for outbound AI provider
// calls. A Handler processes a single normalized request; Middleware wraps
// handlers to layer caching, throttling, and retry behavior around the
// core HTTP invocation.
package transport

import (
	"context"
	"time"

	"github.com/averlon/speechgate/internal/analysis"
)

// Request is the normalized form of one analysis call to the AI provider.
// Fingerprint must be populated (ComputeFingerprint) before the request
// enters the pipeline; cache and deduplication key off it.
type Request struct {
	Text        string
	PromptType  analysis.PromptType
	Model       string
	MaxTokens   int
	Temperature float64

	// Fingerprint is the content address of this request.
	Fingerprint Fingerprint

	// Timeout bounds the provider HTTP call for this request only.
	// Zero means the client default applies.
	Timeout time.Duration
}

// Usage captures provider-reported token accounting and observed latency.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	LatencyMs        int64 `json:"latency_ms"`
}

// Response carries the validated analysis result along with the raw
// provider content it was parsed from. Responses are immutable once
// produced; the cache stores and returns them verbatim.
type Response struct {
	Result  *analysis.Result `json:"result"`
	Content string           `json:"content"`
	Model   string           `json:"model"`
	Usage   Usage            `json:"usage"`

	// FromCache marks responses served from the response cache.
	FromCache bool `json:"-"`
}

// Handler processes a single request, returning a response or an error
// from the taxonomy in internal/llm/errors.
type Handler interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(context.Context, *Request) (*Response, error)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Middleware transforms a Handler into an enhanced Handler.
type Middleware func(Handler) Handler

// Chain builds a middleware pipeline around a core handler. Middleware
// executes in the order provided, first middleware outermost.
func Chain(h Handler, middlewares ...Middleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
