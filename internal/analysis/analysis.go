// Package analysis defines the domain types for speech analysis results
// and the validation rules applied to AI provider output before it is
// accepted into the system.
package analysis

import "context"

// PromptType selects the coaching persona used when analyzing a speech.
type PromptType string

const (
	// PromptGeneral requests general delivery feedback.
	PromptGeneral PromptType = "general"

	// PromptInterview requests feedback tuned for interview answers.
	PromptInterview PromptType = "interview"

	// PromptPresentation requests feedback tuned for prepared talks.
	PromptPresentation PromptType = "presentation"
)

// Valid reports whether the prompt type is one of the supported personas.
func (p PromptType) Valid() bool {
	switch p {
	case PromptGeneral, PromptInterview, PromptPresentation:
		return true
	default:
		return false
	}
}

// Result is the structured outcome of analyzing a single speech transcript.
// Scores are percentages in [0, 100]; Feedback is prose written for the
// speaker and must never be empty.
type Result struct {
	ClarityScore    float64 `json:"clarity_score"`
	PaceScore       float64 `json:"pace_score"`
	ConfidenceScore float64 `json:"confidence_score"`
	Feedback        string  `json:"feedback"`
	ModelVersion    string  `json:"model_version,omitempty"`
}

// Analyzer is the surface the HTTP layer consumes: analyze a transcript
// with a given prompt type and return structured feedback. Implemented by
// the resilient LLM client.
type Analyzer interface {
	Analyze(ctx context.Context, text string, promptType PromptType) (*Result, error)
}
