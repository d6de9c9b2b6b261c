// Package provider adapts normalized analysis requests to the external
// AI provider's HTTP API and parses its responses, including throttling
// signals, into the shared error taxonomy.
package provider

import (
	"context"
	"net/http"

	"github.com/averlon/speechgate/internal/llm/transport"
)

// Adapter abstracts provider-specific HTTP communication.
type Adapter interface {
	// Build constructs the provider HTTP request for a normalized
	// analysis request.
	Build(ctx context.Context, req *transport.Request) (*http.Request, error)

	// Parse extracts a normalized response, or a taxonomy error for
	// non-success statuses. Parse does not validate the analysis schema;
	// the core handler does that after parsing succeeds.
	Parse(httpResp *http.Response) (*transport.Response, error)

	// Name identifies the provider in logs and errors.
	Name() string
}
