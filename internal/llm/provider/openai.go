package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/averlon/speechgate/internal/analysis"
	"github.com/averlon/speechgate/internal/config"
	llmerrors "github.com/averlon/speechgate/internal/llm/errors"
	"github.com/averlon/speechgate/internal/llm/transport"
)

// ProviderOpenAI is the provider name used in logs and errors.
const ProviderOpenAI = "openai"

const defaultEndpoint = "https://api.openai.com/v1"

// System prompts per coaching persona. Each instructs the model to reply
// with the exact JSON schema internal/analysis validates.
var systemPrompts = map[analysis.PromptType]string{
	analysis.PromptGeneral: "You are a speech coach. Analyze the transcript and respond with only a JSON object: " +
		`{"clarity_score": 0-100, "pace_score": 0-100, "confidence_score": 0-100, "feedback": "..."}.`,
	analysis.PromptInterview: "You are an interview coach. Analyze the answer transcript and respond with only a JSON object: " +
		`{"clarity_score": 0-100, "pace_score": 0-100, "confidence_score": 0-100, "feedback": "..."}.`,
	analysis.PromptPresentation: "You are a presentation coach. Analyze the talk transcript and respond with only a JSON object: " +
		`{"clarity_score": 0-100, "pace_score": 0-100, "confidence_score": 0-100, "feedback": "..."}.`,
}

// OpenAIAdapter implements Adapter for the chat/completions API.
type OpenAIAdapter struct {
	cfg config.ProviderConfig
}

// NewOpenAIAdapter creates an adapter, defaulting to the production
// endpoint when none is configured.
func NewOpenAIAdapter(cfg config.ProviderConfig) *OpenAIAdapter {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	return &OpenAIAdapter{cfg: cfg}
}

// Name returns the provider name.
func (a *OpenAIAdapter) Name() string { return ProviderOpenAI }

// Build constructs the chat/completions request for an analysis call.
func (a *OpenAIAdapter) Build(ctx context.Context, req *transport.Request) (*http.Request, error) {
	system, ok := systemPrompts[req.PromptType]
	if !ok {
		system = systemPrompts[analysis.PromptGeneral]
	}

	body := map[string]any{
		"model": req.Model,
		"messages": []map[string]any{
			{"role": "system", "content": system},
			{"role": "user", "content": req.Text},
		},
		"temperature":     req.Temperature,
		"response_format": map[string]string{"type": "json_object"},
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/chat/completions", a.cfg.Endpoint)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", a.cfg.APIKey))
	return httpReq, nil
}

// Parse extracts normalized content and usage from a provider response.
// Non-success statuses become ProviderError with retry classification;
// 429s carry Retry-After timing for the backoff loop.
func (a *OpenAIAdapter) Parse(httpResp *http.Response) (*transport.Response, error) {
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, a.parseError(httpResp, body)
	}

	var resp struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
			TotalTokens      int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", llmerrors.ErrInvalidResponse, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices in response", llmerrors.ErrInvalidResponse)
	}

	return &transport.Response{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: transport.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// parseError maps a non-success provider response to a ProviderError.
func (a *OpenAIAdapter) parseError(httpResp *http.Response, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	// Body may not be JSON at all; classification falls back to status.
	_ = json.Unmarshal(body, &errResp)

	message := errResp.Error.Message
	if message == "" {
		message = strings.TrimSpace(string(body))
		if message == "" {
			message = http.StatusText(httpResp.StatusCode)
		}
	}

	return &llmerrors.ProviderError{
		Provider:   ProviderOpenAI,
		StatusCode: httpResp.StatusCode,
		Message:    message,
		Code:       errResp.Error.Code,
		Type:       classifyStatus(httpResp.StatusCode, errResp.Error.Code),
		RetryAfter: parseRetryAfter(httpResp.Header.Get("Retry-After")),
	}
}

// classifyStatus determines the ErrorType from HTTP status and provider
// error code.
func classifyStatus(statusCode int, errorCode string) llmerrors.ErrorType {
	lowerCode := strings.ToLower(errorCode)
	if strings.Contains(lowerCode, "rate") || strings.Contains(lowerCode, "limit") {
		return llmerrors.ErrorTypeRateLimit
	}
	if strings.Contains(lowerCode, "auth") || strings.Contains(lowerCode, "key") {
		return llmerrors.ErrorTypeAuth
	}

	switch statusCode {
	case http.StatusTooManyRequests:
		return llmerrors.ErrorTypeRateLimit
	case http.StatusUnauthorized, http.StatusForbidden:
		return llmerrors.ErrorTypeAuth
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return llmerrors.ErrorTypeTimeout
	default:
		if statusCode >= http.StatusInternalServerError {
			return llmerrors.ErrorTypeProvider
		}
		return llmerrors.ErrorTypeUnknown
	}
}

// parseRetryAfter reads a Retry-After header value, accepting both the
// delta-seconds and HTTP-date forms. Returns zero when absent,
// unparseable, or already in the past.
func parseRetryAfter(header string) int {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return seconds
	}

	when, err := http.ParseTime(header)
	if err != nil {
		return 0
	}
	seconds := int(math.Ceil(time.Until(when).Seconds()))
	if seconds < 0 {
		return 0
	}
	return seconds
}
