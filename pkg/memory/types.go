package memory

import (
	"errors"
	"fmt"
	"time"
)

// GraphVersion is the current schema version of [StateGraph]. Stored alongside
// every graph so future migrations can detect old shapes.
const GraphVersion = 1

// HistoryCap is the maximum number of entries retained in [StateGraph.History].
// Appending beyond the cap drops the oldest entry.
const HistoryCap = 80

// BaselineConfidence is the minimum read confidence required before a read
// may become the graph's baseline.
const BaselineConfidence = 0.6

// WillStatus describes the user's current volitional capacity as inferred
// from their language. It gates both response tone clamping and the
// grounding intervention.
type WillStatus string

const (
	WillSteady    WillStatus = "steady"
	WillStrained  WillStatus = "strained"
	WillCollapsed WillStatus = "collapsed"
)

// Mood is the coarse affect label produced by triage classification.
type Mood string

const (
	MoodNeutral     Mood = "neutral"
	MoodLow         Mood = "low"
	MoodAnxious     Mood = "anxious"
	MoodAngry       Mood = "angry"
	MoodOverwhelmed Mood = "overwhelmed"
	MoodHopeful     Mood = "hopeful"
)

// IsValid reports whether m is a recognised mood label.
func (m Mood) IsValid() bool {
	switch m {
	case MoodNeutral, MoodLow, MoodAnxious, MoodAngry, MoodOverwhelmed, MoodHopeful:
		return true
	}
	return false
}

// AffectiveLoad holds continuous activation levels in [0,1] describing the
// emotional weight carried by the user's recent language.
type AffectiveLoad struct {
	Sadness    float64 `json:"sadness"`
	Agitation  float64 `json:"agitation"`
	Numbness   float64 `json:"numbness"`
	Volatility float64 `json:"volatility"`
}

// AgencySignal holds activation levels describing the user's perceived
// capacity to act, plus the inferred will status.
type AgencySignal struct {
	PerceivedControl float64    `json:"perceived_control"`
	DecisionFatigue  float64    `json:"decision_fatigue"`
	FutureOwnership  float64    `json:"future_ownership"`
	WillStatus       WillStatus `json:"will_status"`
}

// TemporalOrientation holds activation levels describing where the user's
// attention sits on the past/present/future axis.
type TemporalOrientation struct {
	PastFixation     float64 `json:"past_fixation"`
	PresentOverwhelm float64 `json:"present_overwhelm"`
	FutureOpacity    float64 `json:"future_opacity"`
}

// TrustBandwidth holds activation levels describing how open the user
// currently is to the companion.
type TrustBandwidth struct {
	Openness   float64 `json:"openness"`
	Resistance float64 `json:"resistance"`
}

// StateRead is a structured snapshot of the user's psychological state,
// inferred from a single turn's text. All continuous fields are in [0,1].
type StateRead struct {
	Affective AffectiveLoad       `json:"affective"`
	Agency    AgencySignal        `json:"agency"`
	Temporal  TemporalOrientation `json:"temporal"`
	Trust     TrustBandwidth      `json:"trust"`

	// MeaningMakingOnline reports whether the user is actively constructing
	// meaning from their experience (as opposed to pure venting or shutdown).
	MeaningMakingOnline bool `json:"meaning_making_online"`

	// CognitiveFragmentation reports scattered, hard-to-follow expression.
	CognitiveFragmentation bool `json:"cognitive_fragmentation"`

	// Confidence is the classifier's confidence in this read, in [0,1].
	Confidence float64 `json:"confidence"`
}

// StateNode names one comparable region of the state graph for delta
// detection.
type StateNode string

const (
	NodeAffectiveLoad       StateNode = "affectiveLoad"
	NodeAgencySignal        StateNode = "agencySignal"
	NodeTemporalOrientation StateNode = "temporalOrientation"
	NodeTrustBandwidth      StateNode = "trustBandwidth"
	NodeMeaningAnchors      StateNode = "meaningAnchors"
	NodeNarrativeCoherence  StateNode = "narrativeCoherence"
)

// CoherenceTrend classifies the direction of change in narrative coherence
// between the baseline and the current read.
type CoherenceTrend string

const (
	TrendImproving CoherenceTrend = "improving"
	TrendWorsening CoherenceTrend = "worsening"
	TrendStagnant  CoherenceTrend = "stagnant"
	TrendUnclear   CoherenceTrend = "unclear"
)

// StateDelta is the per-turn comparison of the current read against the
// graph baseline. Until a baseline exists there is nothing to compare and
// the delta stays unclear.
type StateDelta struct {
	// Changed lists the nodes whose sub-fields moved by at least the change
	// threshold since baseline.
	Changed []StateNode `json:"changed"`

	// Coherence is the narrative-coherence trend.
	Coherence CoherenceTrend `json:"coherence"`
}

// Anchors holds the stable reference points the user has voiced. Each slice
// behaves as a deduplicated, order-irrelevant set of strings.
type Anchors struct {
	Goals       []string `json:"goals,omitempty"`
	LifeAnchors []string `json:"life_anchors,omitempty"`
	Values      []string `json:"values,omitempty"`
	Dreams      []string `json:"dreams,omitempty"`
}

// Patterns holds recurring structures observed across many turns.
type Patterns struct {
	RecurringWindows []string `json:"recurring_windows,omitempty"`
	Triggers         []string `json:"triggers,omitempty"`
	CollapseModes    []string `json:"collapse_modes,omitempty"`
}

// HistoryEntry is one appended observation in the state graph.
type HistoryEntry struct {
	Timestamp time.Time  `json:"ts"`
	Read      StateRead  `json:"read"`
	Delta     StateDelta `json:"delta"`
}

// StateGraph is the long-lived per-user psychological state model. One graph
// exists per user; it is read at turn start and written back after a
// successful turn via [ConversationStore.UpsertConversationState].
type StateGraph struct {
	Version int `json:"version"`

	// Baseline is the first confident read (Confidence >= BaselineConfidence).
	// Once set it is never overwritten implicitly; it anchors delta detection.
	Baseline *StateRead `json:"baseline,omitempty"`

	// LastRead is the most recent read regardless of confidence.
	LastRead *StateRead `json:"last_read,omitempty"`

	// History is append-only with a fixed retention window of HistoryCap
	// entries; the oldest entry is dropped when the cap is exceeded.
	History []HistoryEntry `json:"history,omitempty"`

	Anchors  Anchors  `json:"anchors"`
	Patterns Patterns `json:"patterns"`
}

// NewStateGraph returns an empty graph at the current version.
func NewStateGraph() StateGraph {
	return StateGraph{Version: GraphVersion}
}

// UserSignals carries the explicit user preferences that clamp the language
// mirror plan. Tone is one of "direct", "soft", "analytical", or empty.
type UserSignals struct {
	Tone        string `json:"tone,omitempty"`
	ProfanityOK bool   `json:"profanity_ok,omitempty"`
}

// UserTurnContext is the tagged per-user context passed through the turn
// pipeline and validated at the persistence boundary. It replaces any ad hoc
// preference bag: everything a turn needs to know about the user travels in
// these three fields.
type UserTurnContext struct {
	Graph       StateGraph  `json:"graph"`
	Signals     UserSignals `json:"signals"`
	DerivedName string      `json:"derived_name,omitempty"`
}

// Validate checks structural invariants before the context is persisted.
func (c *UserTurnContext) Validate() error {
	var errs []error
	if c.Graph.Version != GraphVersion {
		errs = append(errs, fmt.Errorf("state graph version %d is not supported (want %d)", c.Graph.Version, GraphVersion))
	}
	if len(c.Graph.History) > HistoryCap {
		errs = append(errs, fmt.Errorf("state graph history length %d exceeds cap %d", len(c.Graph.History), HistoryCap))
	}
	switch c.Signals.Tone {
	case "", "direct", "soft", "analytical":
	default:
		errs = append(errs, fmt.Errorf("unknown tone preference %q", c.Signals.Tone))
	}
	return errors.Join(errs...)
}

// MessageRecord is one persisted message row (user or assistant).
type MessageRecord struct {
	ID        string
	SessionID string
	UserID    string

	// Role is "user" or "assistant".
	Role string

	Content string

	// VoiceMode is the delivery mode of an assistant message: "", "crisis".
	VoiceMode string

	// Tag marks how the turn was resolved, e.g. "trivial_short_circuit",
	// "greeting_short_circuit", "ellipsis_short_circuit", "crisis", "full".
	Tag string

	Mood      Mood
	RiskLevel int
	CreatedAt time.Time
}

// RiskLog is one persisted risk observation for auditing and escalation.
type RiskLog struct {
	ID        string
	UserID    string
	SessionID string
	RiskLevel int
	Themes    []string

	// Excerpt is a truncated copy of the triggering user message.
	Excerpt string

	CreatedAt time.Time
}

// ConversationState is the denormalised per-user conversation snapshot
// refreshed after every successful turn.
type ConversationState struct {
	UserID    string
	Mood      Mood
	Themes    []string
	Summary   string
	Context   UserTurnContext
	UpdatedAt time.Time
}

// RetrievedDoc is one background document returned by semantic retrieval.
type RetrievedDoc struct {
	// Source identifies where the document came from (journal, session
	// summary, psychoeducation library, ...).
	Source string

	// Content is the document text.
	Content string

	// Type is an optional document category.
	Type string

	// Distance is the cosine distance to the query; smaller is closer.
	// Zero when the backend does not report distances.
	Distance float64
}

// Document is an indexable background document.
type Document struct {
	ID        string
	UserID    string
	Source    string
	Type      string
	Content   string
	Embedding []float32
	CreatedAt time.Time
}
