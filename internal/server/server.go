// Package server exposes the HTTP API: the analysis endpoint wrapped by
// the inbound rate limiter, with request correlation on every response.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/averlon/speechgate/internal/analysis"
	llmerrors "github.com/averlon/speechgate/internal/llm/errors"
	"github.com/averlon/speechgate/internal/ratelimit"
	"github.com/averlon/speechgate/internal/requestid"
)

// maxRequestBody bounds analysis request bodies (1 MiB of transcript is
// far beyond any real speech).
const maxRequestBody = 1 << 20

// Server routes inbound traffic through the limiter to the analyzer.
type Server struct {
	router   chi.Router
	analyzer analysis.Analyzer
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
}

// New assembles the router. Route groups: /v1/analyses under the
// "analysis" quota, auth routes (mounted by the auth collaborator via
// MountAuth) under "auth", everything else under "default".
func New(analyzer analysis.Analyzer, limiter *ratelimit.Limiter) *Server {
	s := &Server{
		analyzer: analyzer,
		limiter:  limiter,
		logger:   slog.Default().With("component", "server"),
	}

	r := chi.NewRouter()
	r.Use(requestid.Middleware)

	r.Group(func(r chi.Router) {
		r.Use(limiter.Handler(ratelimit.GroupDefault))
		r.Get("/healthz", s.handleHealth)
	})

	r.Group(func(r chi.Router) {
		r.Use(limiter.Handler(ratelimit.GroupAnalysis))
		r.Post("/v1/analyses", s.handleAnalyze)
	})

	s.router = r
	return s
}

// MountAuth mounts the auth collaborator's handler under the "auth"
// route group quota.
func (s *Server) MountAuth(pattern string, h http.Handler) {
	s.router.Group(func(r chi.Router) {
		r.Use(s.limiter.Handler(ratelimit.GroupAuth))
		r.Mount(pattern, h)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// analyzeRequest is the analysis endpoint's input.
type analyzeRequest struct {
	Text       string `json:"text"`
	PromptType string `json:"prompt_type"`
}

// analyzeResponse wraps the result with its correlation identifier.
type analyzeResponse struct {
	RequestID string           `json:"request_id"`
	Result    *analysis.Result `json:"result"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", "body must be a JSON object with text and prompt_type")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "Invalid request", "text is required")
		return
	}

	result, err := s.analyzer.Analyze(r.Context(), req.Text, analysis.PromptType(req.PromptType))
	if err != nil {
		s.writeAnalyzeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, analyzeResponse{
		RequestID: requestid.FromContext(r.Context()),
		Result:    result,
	})
}

// writeAnalyzeError maps taxonomy errors to their fixed HTTP classes:
// capacity exhaustion is a 503 "service busy" with retry guidance,
// upstream schema failures are 502, everything else 500.
func (s *Server) writeAnalyzeError(w http.ResponseWriter, r *http.Request, err error) {
	status := llmerrors.HTTPStatus(err)
	requestID := requestid.FromContext(r.Context())

	s.logger.Error("analysis request failed",
		"status", status,
		"error", err,
		"request_id", requestID)

	switch status {
	case http.StatusServiceUnavailable:
		if ra := llmerrors.RetryAfter(err); ra > 0 {
			seconds := int64(ra / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		}
		writeError(w, status, "Service busy", "analysis capacity is exhausted, please retry shortly")
	case http.StatusBadGateway:
		writeError(w, status, "Upstream analysis failed", "the AI provider returned an unusable response")
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", "analysis could not be completed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, detail string) {
	writeJSON(w, status, map[string]any{
		"error":  message,
		"detail": detail,
	})
}
