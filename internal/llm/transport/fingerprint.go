package transport

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// CanonicalVersion is the fingerprint format version. Increment when the
// canonicalization logic changes so stale cache entries stop matching.
const CanonicalVersion = "v1"

// Fingerprint is the deterministic SHA-256 hex identity of a normalized
// request. Equivalent requests always produce identical fingerprints,
// which is what makes cache lookups and in-flight deduplication safe.
type Fingerprint string

// canonicalRequest is the stable serialized form a fingerprint is
// computed from. Field order is fixed by the struct; values are
// normalized before hashing.
type canonicalRequest struct {
	Version    string  `json:"version"`
	Text       string  `json:"text"`
	PromptType string  `json:"prompt_type"`
	Model      string  `json:"model"`
	MaxTokens  int     `json:"max_tokens,omitempty"`
	Temp       float64 `json:"temperature,omitempty"`
}

// ComputeFingerprint derives the content address of a request from its
// normalized text, prompt type, and model version. Whitespace runs in the
// transcript collapse to single spaces so formatting differences do not
// defeat caching.
func ComputeFingerprint(req *Request) Fingerprint {
	canonical := canonicalRequest{
		Version:    CanonicalVersion,
		Text:       normalizeText(req.Text),
		PromptType: string(req.PromptType),
		Model:      strings.ToLower(strings.TrimSpace(req.Model)),
		MaxTokens:  req.MaxTokens,
		Temp:       req.Temperature,
	}

	// Marshal cannot fail for this struct; all fields are plain values.
	payload, _ := json.Marshal(canonical)
	sum := sha256.Sum256(payload)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// normalizeText collapses all whitespace runs to single spaces and trims
// the ends, producing a stable form for hashing.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
