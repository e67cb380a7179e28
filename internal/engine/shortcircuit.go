package engine

import (
	"regexp"
	"strings"

	"github.com/attunehq/attune/internal/triage"
	"github.com/attunehq/attune/pkg/memory"
)

// shortCircuitKind classifies inputs that resolve without the full
// classification and deep reasoning pipeline.
type shortCircuitKind string

const (
	scNone     shortCircuitKind = ""
	scEllipsis shortCircuitKind = "ellipsis"
	scGreeting shortCircuitKind = "greeting"
	scTrivial  shortCircuitKind = "trivial"
)

// Persistence tags for short-circuited turns.
const (
	tagEllipsis = "ellipsis_short_circuit"
	tagGreeting = "greeting_short_circuit"
	tagTrivial  = "trivial_short_circuit"
	tagCrisis   = "crisis"
	tagFull     = "full"
)

const (
	// trivialMaxWords and trivialMaxChars bound what counts as trivial
	// input. Anything longer deserves classification.
	trivialMaxWords = 3
	trivialMaxChars = 18
)

var ellipsisRe = regexp.MustCompile(`^[.…\s]+$`)

// greetings is the phrase set matched for the greeting short circuit.
// Entries must be lowercase.
var greetings = []string{
	"hi",
	"hello",
	"hey",
	"hey there",
	"good morning",
	"good afternoon",
	"good evening",
	"yo",
	"hallo",
	"hi there",
	"guten morgen",
	"guten abend",
	"moin",
	"servus",
}

// contextKeywords mark short inputs that still carry emotional or
// situational weight and therefore must not be treated as trivial.
var contextKeywords = []string{
	"why", "how", "help", "hurt", "pain", "alone", "scared", "afraid",
	"angry", "sad", "cry", "lost", "tired", "hate",
	"warum", "wie", "hilfe", "angst", "allein", "schmerz", "müde", "traurig",
}

// classifyShortCircuit decides whether message bypasses the full pipeline.
func classifyShortCircuit(message string) shortCircuitKind {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" || ellipsisRe.MatchString(trimmed) {
		return scEllipsis
	}
	if isGreeting(trimmed) {
		return scGreeting
	}
	if isTrivial(trimmed) {
		return scTrivial
	}
	return scNone
}

// isGreeting matches exact greetings plus greeting-prefixed micro messages
// ("hey there!", "hallo :)").
func isGreeting(trimmed string) bool {
	norm := strings.ToLower(strings.TrimRight(trimmed, "!?. "))
	if norm == "" {
		return false
	}
	for _, g := range greetings {
		if norm == g {
			return true
		}
		if strings.HasPrefix(norm, g+" ") && len(strings.Fields(norm)) <= 3 {
			return true
		}
	}
	return false
}

// isTrivial matches very short inputs that carry no crisis or context
// signal. Classifying "ok" is wasted latency and risk.
func isTrivial(trimmed string) bool {
	if len(trimmed) > trivialMaxChars {
		return false
	}
	if len(strings.Fields(trimmed)) > trivialMaxWords {
		return false
	}
	if triage.ContainsCrisisKeyword(trimmed) {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, kw := range contextKeywords {
		if strings.Contains(lower, kw) {
			return false
		}
	}
	return true
}

// synthesizedTriage is the triage result recorded for short-circuited turns
// that never ran the classifier.
func synthesizedTriage() triage.Result {
	return triage.Result{RiskLevel: 0, Mood: memory.MoodNeutral}
}
