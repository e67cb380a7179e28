package statetrack

import (
	"slices"

	"github.com/attunehq/attune/pkg/memory"
)

// ResponseClass is the selected intervention style for a turn.
type ResponseClass string

const (
	ClassUnderstanding ResponseClass = "understanding"
	ClassReflection    ResponseClass = "reflection"
	ClassAnchoring     ResponseClass = "anchoring"
	ClassGrounding     ResponseClass = "grounding"
)

// Decision is the arbitrated intervention outcome for one turn. Derived,
// never persisted.
type Decision struct {
	ResponseClass ResponseClass

	// GroundingEligible marks that offering a concrete grounding exercise is
	// appropriate, independent of the selected class.
	GroundingEligible bool

	// GroundingReason records why grounding won, for logging.
	GroundingReason string
}

// Decide arbitrates between intervention classes. Grounding takes precedence
// over everything else: a collapsed or strained will means the user cannot
// carry reflective work right now.
func Decide(read *memory.StateRead, delta memory.StateDelta, anchors memory.Anchors) Decision {
	if read != nil {
		switch read.Agency.WillStatus {
		case memory.WillCollapsed:
			return Decision{
				ResponseClass:     ClassGrounding,
				GroundingEligible: true,
				GroundingReason:   "will status collapsed",
			}
		case memory.WillStrained:
			return Decision{
				ResponseClass:     ClassGrounding,
				GroundingEligible: true,
				GroundingReason:   "will status strained",
			}
		}
	}

	if slices.Contains(delta.Changed, memory.NodeMeaningAnchors) || len(anchors.LifeAnchors) > 0 {
		return Decision{ResponseClass: ClassAnchoring}
	}

	if delta.Coherence == memory.TrendWorsening {
		return Decision{ResponseClass: ClassReflection}
	}

	return Decision{ResponseClass: ClassUnderstanding}
}
