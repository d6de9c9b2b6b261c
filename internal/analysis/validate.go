package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Score bounds for all numeric analysis dimensions.
const (
	MinScore = 0
	MaxScore = 100
)

// Validation errors for analysis results.
var (
	ErrNilResult             = errors.New("nil analysis result")
	ErrClarityOutOfRange     = errors.New("clarity score must be between 0 and 100")
	ErrPaceOutOfRange        = errors.New("pace score must be between 0 and 100")
	ErrConfidenceOutOfRange  = errors.New("confidence score must be between 0 and 100")
	ErrFeedbackEmpty         = errors.New("feedback cannot be empty")
	ErrMalformedResultJSON   = errors.New("malformed analysis response")
	ErrUnknownResultEnvelope = errors.New("analysis response is not a JSON object")
)

// ParseResult decodes provider output into a Result and validates it
// against the expected schema. The content must be a JSON object with
// numeric scores in bounds and non-empty feedback text; anything else is
// a schema mismatch and the caller must not retry.
func ParseResult(content string) (*Result, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: %.60q", ErrUnknownResultEnvelope, content)
	}

	var result Result
	if err := json.Unmarshal([]byte(trimmed), &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResultJSON, err)
	}

	if err := ValidateResult(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ValidateResult checks a Result against the schema invariants.
func ValidateResult(r *Result) error {
	if r == nil {
		return ErrNilResult
	}
	if r.ClarityScore < MinScore || r.ClarityScore > MaxScore {
		return fmt.Errorf("%w: got %f", ErrClarityOutOfRange, r.ClarityScore)
	}
	if r.PaceScore < MinScore || r.PaceScore > MaxScore {
		return fmt.Errorf("%w: got %f", ErrPaceOutOfRange, r.PaceScore)
	}
	if r.ConfidenceScore < MinScore || r.ConfidenceScore > MaxScore {
		return fmt.Errorf("%w: got %f", ErrConfidenceOutOfRange, r.ConfidenceScore)
	}
	if strings.TrimSpace(r.Feedback) == "" {
		return ErrFeedbackEmpty
	}
	return nil
}
