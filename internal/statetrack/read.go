package statetrack

import (
	"regexp"
	"strings"

	"github.com/attunehq/attune/pkg/memory"
)

var (
	sadnessRe   = regexp.MustCompile(`(?i)\b(sad|crying|cried|grief|miss(ing)? (him|her|them)|lonely|empty|traurig|weinen|einsam|leer)\b`)
	numbnessRe  = regexp.MustCompile(`(?i)\b(numb|nothing matters|don't feel|feel nothing|blank|taub|fühle nichts|egal)\b`)
	helplessRe  = regexp.MustCompile(`(?i)\b(can't|cannot|helpless|no control|stuck|trapped|kann nicht|hilflos|festgefahren|ausgeliefert)\b`)
	fatigueRe   = regexp.MustCompile(`(?i)\b(exhausted|tired of|drained|can't decide|too much to decide|erschöpft|müde|entscheiden)\b`)
	opacityRe   = regexp.MustCompile(`(?i)\b(no future|pointless|what's the point|hopeless|no way forward|never get better|keine zukunft|sinnlos|hoffnungslos|wird nie besser)\b`)
	pastRe      = regexp.MustCompile(`(?i)\b(used to|back then|should have|shouldn't have|if only|damals|früher|hätte)\b`)
	overwhelmRe = regexp.MustCompile(`(?i)\b(overwhelmed|too much|all at once|drowning|can't keep up|überfordert|zu viel|alles auf einmal)\b`)
	meaningRe   = regexp.MustCompile(`(?i)\b(i realized|i think it means|maybe because|i('m| am) learning|makes me think|mir ist klar geworden|vielleicht weil)\b`)
	openRe      = regexp.MustCompile(`(?i)\b(i('ve| have) never told|honestly|to be honest|i trust|ehrlich gesagt|ich vertraue)\b`)
	resistRe    = regexp.MustCompile(`(?i)\b(whatever|forget it|you wouldn't understand|doesn't matter|egal|vergiss es|verstehst du nicht)\b`)
)

// DeriveRead infers a heuristic state read from one turn's raw text and its
// triage judgment. It is deliberately lexical: cheap, deterministic, and
// language-aware for the same two languages the crisis lexicon covers. The
// confidence reflects how much text there was to read.
func DeriveRead(text string, riskLevel int, mood memory.Mood) memory.StateRead {
	words := len(strings.Fields(text))

	read := memory.StateRead{
		Affective: memory.AffectiveLoad{
			Sadness:    matchLevel(sadnessRe, text),
			Agitation:  agitationLevel(text, mood),
			Numbness:   matchLevel(numbnessRe, text),
			Volatility: volatilityLevel(text),
		},
		Agency: memory.AgencySignal{
			PerceivedControl: 1 - matchLevel(helplessRe, text),
			DecisionFatigue:  matchLevel(fatigueRe, text),
			FutureOwnership:  1 - matchLevel(opacityRe, text),
		},
		Temporal: memory.TemporalOrientation{
			PastFixation:     matchLevel(pastRe, text),
			PresentOverwhelm: matchLevel(overwhelmRe, text),
			FutureOpacity:    matchLevel(opacityRe, text),
		},
		Trust: memory.TrustBandwidth{
			Openness:   matchLevel(openRe, text),
			Resistance: matchLevel(resistRe, text),
		},
		MeaningMakingOnline:    meaningRe.MatchString(text),
		CognitiveFragmentation: fragmented(text),
	}

	read.Agency.WillStatus = willStatus(read, riskLevel)

	// Short utterances carry little signal. Confidence ramps with length and
	// is floored for crisis-level turns, which are explicit enough to trust.
	switch {
	case riskLevel >= 4:
		read.Confidence = 0.9
	case words >= 40:
		read.Confidence = 0.8
	case words >= 15:
		read.Confidence = 0.65
	case words >= 6:
		read.Confidence = 0.45
	default:
		read.Confidence = 0.2
	}

	return read
}

// matchLevel converts hit counts into a coarse activation level.
func matchLevel(re *regexp.Regexp, text string) float64 {
	switch n := len(re.FindAllString(text, -1)); {
	case n >= 3:
		return 0.9
	case n == 2:
		return 0.6
	case n == 1:
		return 0.4
	default:
		return 0.0
	}
}

func agitationLevel(text string, mood memory.Mood) float64 {
	level := float64(len(intensityRe.FindAllString(text, -1))) * 0.15
	level += float64(strings.Count(text, "!")) * 0.1
	if mood == memory.MoodAngry || mood == memory.MoodAnxious {
		level += 0.3
	}
	return clamp01(level)
}

func volatilityLevel(text string) float64 {
	level := float64(len(profanityRe.FindAllString(text, -1))) * 0.25
	if strings.Count(text, "!") >= 2 {
		level += 0.2
	}
	return clamp01(level)
}

// fragmented reports scattered expression: many very short sentence shards
// relative to the text length.
func fragmented(text string) bool {
	sentences := sentenceSplitRe.Split(text, -1)
	var shards, total int
	for _, s := range sentences {
		n := len(strings.Fields(s))
		if n == 0 {
			continue
		}
		total++
		if n <= 3 {
			shards++
		}
	}
	return total >= 4 && shards*2 > total
}

func willStatus(read memory.StateRead, riskLevel int) memory.WillStatus {
	agency := (read.Agency.PerceivedControl + read.Agency.FutureOwnership) / 2
	switch {
	case riskLevel >= 4 || agency < 0.3:
		return memory.WillCollapsed
	case agency < 0.6 || read.Agency.DecisionFatigue >= 0.6:
		return memory.WillStrained
	default:
		return memory.WillSteady
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
