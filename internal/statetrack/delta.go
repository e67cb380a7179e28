package statetrack

import (
	"math"

	"github.com/attunehq/attune/pkg/memory"
)

const (
	// coherenceBand is the dead band around zero within which the coherence
	// trend is considered stagnant.
	coherenceBand = 0.08

	// nodeChangeThreshold is the minimum absolute movement of any sub-field
	// before its node counts as changed.
	nodeChangeThreshold = 0.2
)

// Score collapses a state read into a single distress scalar. Higher is
// worse. The weights favour agitation and future opacity as the strongest
// predictors of narrative destabilization.
func Score(r memory.StateRead) float64 {
	meaning := 0.0
	if r.MeaningMakingOnline {
		meaning = 1.0
	}
	return 0.3*r.Affective.Agitation +
		0.2*r.Affective.Volatility +
		0.3*r.Temporal.FutureOpacity +
		0.15*(1-r.Agency.PerceivedControl) +
		0.05*(1-meaning)
}

// ComputeDelta compares current against baseline and reports which state
// nodes moved and in which direction narrative coherence is trending.
//
// When either read is missing there is nothing to compare: the delta is
// unclear with only the narrative coherence node flagged.
func ComputeDelta(current, baseline *memory.StateRead) memory.StateDelta {
	if current == nil || baseline == nil {
		return memory.StateDelta{
			Changed:   []memory.StateNode{memory.NodeNarrativeCoherence},
			Coherence: memory.TrendUnclear,
		}
	}

	delta := memory.StateDelta{Changed: []memory.StateNode{}}

	if moved(nodeChangeThreshold,
		current.Affective.Sadness-baseline.Affective.Sadness,
		current.Affective.Agitation-baseline.Affective.Agitation,
		current.Affective.Numbness-baseline.Affective.Numbness,
		current.Affective.Volatility-baseline.Affective.Volatility,
	) {
		delta.Changed = append(delta.Changed, memory.NodeAffectiveLoad)
	}
	if moved(nodeChangeThreshold,
		current.Agency.PerceivedControl-baseline.Agency.PerceivedControl,
		current.Agency.DecisionFatigue-baseline.Agency.DecisionFatigue,
		current.Agency.FutureOwnership-baseline.Agency.FutureOwnership,
	) {
		delta.Changed = append(delta.Changed, memory.NodeAgencySignal)
	}
	if moved(nodeChangeThreshold,
		current.Temporal.PastFixation-baseline.Temporal.PastFixation,
		current.Temporal.PresentOverwhelm-baseline.Temporal.PresentOverwhelm,
		current.Temporal.FutureOpacity-baseline.Temporal.FutureOpacity,
	) {
		delta.Changed = append(delta.Changed, memory.NodeTemporalOrientation)
	}
	if moved(nodeChangeThreshold,
		current.Trust.Openness-baseline.Trust.Openness,
		current.Trust.Resistance-baseline.Trust.Resistance,
	) {
		delta.Changed = append(delta.Changed, memory.NodeTrustBandwidth)
	}

	deltaScore := Score(*current) - Score(*baseline)
	switch {
	case deltaScore > coherenceBand:
		delta.Coherence = memory.TrendWorsening
	case deltaScore < -coherenceBand:
		delta.Coherence = memory.TrendImproving
	default:
		delta.Coherence = memory.TrendStagnant
	}
	if delta.Coherence != memory.TrendStagnant {
		delta.Changed = append(delta.Changed, memory.NodeNarrativeCoherence)
	}

	return delta
}

func moved(threshold float64, diffs ...float64) bool {
	for _, d := range diffs {
		if math.Abs(d) >= threshold {
			return true
		}
	}
	return false
}
