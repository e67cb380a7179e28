// Package triage classifies an incoming user message into a structured
// risk/mood/theme judgment that gates the rest of the turn pipeline.
//
// Classification runs against a language model and fails closed: any
// transport, JSON, or schema error yields a typed [*ClassificationError] so
// the caller can substitute the deterministic [Fallback] result. The
// classifier itself never retries and never guesses.
package triage

import (
	"fmt"

	"github.com/attunehq/attune/pkg/memory"
)

// Result is the structured triage judgment for one turn.
type Result struct {
	// RiskLevel is ordinal 0..4; 4 means imminent danger.
	RiskLevel int `json:"risk_level"`

	Mood   memory.Mood `json:"mood"`
	Themes []string    `json:"themes"`

	// SummaryDelta is a one-line addition to the rolling conversation
	// summary.
	SummaryDelta string `json:"summary_delta"`

	// NeedsDeepReasoning reports whether the turn warrants the deep
	// reasoner. False means the fast path reply is sufficient.
	NeedsDeepReasoning bool `json:"needs_deep_reasoning"`
}

// Validate checks the schema contract on a decoded result.
func (r Result) Validate() error {
	if r.RiskLevel < 0 || r.RiskLevel > 4 {
		return fmt.Errorf("risk level %d out of range 0..4", r.RiskLevel)
	}
	if !r.Mood.IsValid() {
		return fmt.Errorf("unknown mood %q", r.Mood)
	}
	return nil
}

// ClassificationError wraps any failure to obtain a valid classification
// from the model. It signals the caller to fall back deterministically; it
// is never shown to the user.
type ClassificationError struct {
	Reason string
	Err    error
}

func (e *ClassificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("triage: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("triage: %s", e.Reason)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// Snapshot is the compact current-state view handed to the classifier so it
// can judge the new message in context.
type Snapshot struct {
	Mood    memory.Mood
	Themes  []string
	Summary string
}
