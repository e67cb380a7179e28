package statetrack

import (
	"slices"
	"time"

	"github.com/attunehq/attune/pkg/memory"
)

// AppendRead records one observation on the graph: the history gains a
// {timestamp, read, delta} entry (oldest dropped beyond the retention cap),
// lastRead is replaced, and the baseline is set once the first time a read
// reaches the confidence floor. An existing baseline is never overwritten.
func AppendRead(g *memory.StateGraph, now time.Time, read memory.StateRead, delta memory.StateDelta) {
	g.History = append(g.History, memory.HistoryEntry{
		Timestamp: now,
		Read:      read,
		Delta:     delta,
	})
	if excess := len(g.History) - memory.HistoryCap; excess > 0 {
		g.History = g.History[excess:]
	}

	r := read
	g.LastRead = &r
	if g.Baseline == nil && read.Confidence >= memory.BaselineConfidence {
		b := read
		g.Baseline = &b
	}
}

// MergeAnchors folds add into dst, treating each slice as a set: duplicates
// are ignored, order of existing entries is preserved. It reports whether
// any anchor was actually added, which feeds meaning-anchor change detection.
func MergeAnchors(dst *memory.Anchors, add memory.Anchors) bool {
	changed := false
	merge := func(into *[]string, extra []string) {
		for _, v := range extra {
			if v == "" || slices.Contains(*into, v) {
				continue
			}
			*into = append(*into, v)
			changed = true
		}
	}
	merge(&dst.Goals, add.Goals)
	merge(&dst.LifeAnchors, add.LifeAnchors)
	merge(&dst.Values, add.Values)
	merge(&dst.Dreams, add.Dreams)
	return changed
}
