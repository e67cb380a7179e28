package statetrack

import (
	"regexp"
	"slices"
	"strings"

	"github.com/attunehq/attune/pkg/memory"
)

var (
	goalRe       = regexp.MustCompile(`(?i)\b(i want to [a-zäöüß' -]{3,40}|my goal is [a-zäöüß' -]{3,40}|i('m| am) working on [a-zäöüß' -]{3,40}|ich will [a-zäöüß' -]{3,40}|ich möchte [a-zäöüß' -]{3,40})`)
	lifeAnchorRe = regexp.MustCompile(`(?i)\b(my (daughter|son|kids|children|partner|wife|husband|mom|dad|mother|father|brother|sister|best friend|dog|cat|garden)|mein(e)? (tochter|sohn|kinder|partner(in)?|frau|mann|mutter|vater|bruder|schwester|hund|katze|garten))\b`)
	valueRe      = regexp.MustCompile(`(?i)\b(what matters( most)? to me is [a-zäöüß' -]{3,40}|really important to me|i value [a-zäöüß' -]{3,40}|mir ist [a-zäöüß' -]{3,30} wichtig|ich lege wert auf [a-zäöüß' -]{3,40})`)
	dreamRe      = regexp.MustCompile(`(?i)\b(i('ve| have)? (always )?dream(ed|t)? (of|about) [a-zäöüß' -]{3,40}|one day i('ll| will)? [a-zäöüß' -]{3,40}|someday i [a-zäöüß' -]{3,40}|ich träume (von|davon,?) [a-zäöüß' -]{3,40}|irgendwann (will|möchte) ich [a-zäöüß' -]{3,40})`)
)

// DeriveAnchors extracts the stable reference points voiced in one turn's
// text: stated goals, named life anchors (the people, creatures, and places
// the user keeps coming back to), explicit values, and voiced dreams. Like
// [DeriveRead] it is deliberately lexical and covers the same two languages.
func DeriveAnchors(text string) memory.Anchors {
	return memory.Anchors{
		Goals:       phrases(goalRe, text),
		LifeAnchors: phrases(lifeAnchorRe, text),
		Values:      phrases(valueRe, text),
		Dreams:      phrases(dreamRe, text),
	}
}

// ObserveAnchors folds anchors voiced in text into the graph and flags the
// meaning-anchor node on delta when anything new appeared.
func ObserveAnchors(g *memory.StateGraph, text string, delta *memory.StateDelta) {
	if !MergeAnchors(&g.Anchors, DeriveAnchors(text)) {
		return
	}
	if !slices.Contains(delta.Changed, memory.NodeMeaningAnchors) {
		delta.Changed = append(delta.Changed, memory.NodeMeaningAnchors)
	}
}

// phrases collects the matched spans, normalised for set semantics.
func phrases(re *regexp.Regexp, text string) []string {
	var out []string
	for _, m := range re.FindAllString(text, -1) {
		p := strings.ToLower(strings.TrimSpace(m))
		if p == "" || slices.Contains(out, p) {
			continue
		}
		out = append(out, p)
	}
	return out
}
