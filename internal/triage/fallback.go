package triage

import (
	"strings"

	"github.com/attunehq/attune/pkg/memory"
)

// crisisKeywords is the two-language (English, German) lexicon scanned by
// the deterministic fallback. Matching is case-insensitive substring search
// over the raw message.
var crisisKeywords = []string{
	// English
	"kill myself",
	"killing myself",
	"suicide",
	"suicidal",
	"end my life",
	"ending my life",
	"want to die",
	"wanna die",
	"better off dead",
	"self-harm",
	"self harm",
	"hurt myself",
	"hurting myself",
	"cut myself",
	"no reason to live",

	// German
	"umbringen",
	"selbstmord",
	"suizid",
	"nicht mehr leben",
	"sterben will",
	"will sterben",
	"mir etwas antun",
	"mir was antun",
	"mich verletzen",
	"mich ritzen",
}

// ContainsCrisisKeyword reports whether text matches the crisis lexicon.
func ContainsCrisisKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range crisisKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Fallback is the deterministic classification used when the model-backed
// classifier fails. It only answers one question reliably: is there a crisis
// signal in the raw text. Everything else stays neutral.
func Fallback(message string) Result {
	if ContainsCrisisKeyword(message) {
		return Result{
			RiskLevel:          4,
			Mood:               memory.MoodLow,
			Themes:             []string{"safety_threat"},
			NeedsDeepReasoning: true,
		}
	}
	return Result{
		RiskLevel: 0,
		Mood:      memory.MoodNeutral,
	}
}
