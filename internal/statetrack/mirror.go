// Package statetrack derives per-turn guidance from raw user text and the
// long-lived state graph: a language mirror plan shaping the reply's register,
// a state delta comparing the current read against the user's baseline, and
// an intervention decision selecting the response class.
//
// Everything here is a pure function over its inputs. Persistence of the
// graph itself belongs to the engine and the memory package.
package statetrack

import (
	"regexp"
	"strings"

	"github.com/attunehq/attune/pkg/memory"
)

// SentenceLength is an ordinal bucket for target sentence length. Lower
// values are shorter; clamps tighten by taking the minimum or maximum.
type SentenceLength int

const (
	SentenceShort SentenceLength = iota
	SentenceMixed
	SentenceLong
)

func (s SentenceLength) String() string {
	switch s {
	case SentenceShort:
		return "short"
	case SentenceMixed:
		return "mixed"
	default:
		return "long"
	}
}

// Rawness is an ordinal bucket for emotional rawness of the reply register.
type Rawness int

const (
	RawnessLow Rawness = iota
	RawnessMedium
	RawnessHigh
)

func (r Rawness) String() string {
	switch r {
	case RawnessLow:
		return "low"
	case RawnessMedium:
		return "medium"
	default:
		return "high"
	}
}

// Density is an ordinal bucket used for the metaphor density hint.
type Density int

const (
	DensityLow Density = iota
	DensityMedium
	DensityHigh
)

func (d Density) String() string {
	switch d {
	case DensityLow:
		return "low"
	case DensityMedium:
		return "medium"
	default:
		return "high"
	}
}

// Abstraction is an ordinal bucket for the abstraction hint.
type Abstraction int

const (
	AbstractionConcrete Abstraction = iota
	AbstractionAbstract
)

func (a Abstraction) String() string {
	if a == AbstractionConcrete {
		return "concrete"
	}
	return "abstract"
}

// Profanity is an ordinal bucket for profanity tolerance in the reply.
type Profanity int

const (
	ProfanityNone Profanity = iota
	ProfanityLight
	ProfanityFull
)

func (p Profanity) String() string {
	switch p {
	case ProfanityNone:
		return "none"
	case ProfanityLight:
		return "light"
	default:
		return "full"
	}
}

// MirrorPlan is the per-turn language register derived from the user's raw
// text and clamped by their preference signals. It is derived fresh every
// turn and never persisted.
type MirrorPlan struct {
	SentenceLength     SentenceLength
	Rawness            Rawness
	MetaphorDensity    Density
	Abstraction        Abstraction
	ProfanityTolerance Profanity
}

var (
	sentenceSplitRe = regexp.MustCompile(`[.!?\n]+`)

	profanityRe = regexp.MustCompile(`(?i)\b(fuck\w*|shit\w*|damn\w*|hell|bullshit|crap|asshole|bastard|scheisse|scheiß\w*|verdammt|mist)\b`)

	intensityRe = regexp.MustCompile(`(?i)\b(so|really|totally|absolutely|completely|utterly|never|always|everything|nothing|unbearable|can't stand|hasse|immer|nie|alles|nichts|total|völlig)\b`)

	metaphorRe = regexp.MustCompile(`(?i)\b(like a|as if|as though|feels like|drowning|sinking|storm|wall|weight|darkness|fog|trapped|hollow|empty shell|wie ein|als ob|ertrinke)\b`)

	abstractRe = regexp.MustCompile(`(?i)\b(meaning|purpose|existence|identity|consciousness|morality|philosophy|concept|essence|sinn|bedeutung|existenz|identität)\b`)
)

// ComputeMirrorPlan derives a mirror plan from raw user text, then applies
// the preference and will-status clamps from signals and read.
//
// Clamps compose monotonically: each clamp only tightens its field toward
// the new bound and never relaxes a previous tightening.
func ComputeMirrorPlan(text string, signals memory.UserSignals, read *memory.StateRead) MirrorPlan {
	plan := MirrorPlan{
		SentenceLength:     sentenceBucket(text),
		Rawness:            rawnessBucket(text),
		MetaphorDensity:    metaphorBucket(text),
		Abstraction:        abstractionBucket(text),
		ProfanityTolerance: profanityBucket(text),
	}

	switch signals.Tone {
	case "direct":
		plan.SentenceLength = min(plan.SentenceLength, SentenceShort)
		plan.Abstraction = min(plan.Abstraction, AbstractionConcrete)
		plan.MetaphorDensity = min(plan.MetaphorDensity, DensityLow)
	case "soft":
		plan.SentenceLength = min(plan.SentenceLength, SentenceMixed)
		plan.Abstraction = min(plan.Abstraction, AbstractionConcrete)
		plan.Rawness = min(plan.Rawness, RawnessMedium)
		plan.ProfanityTolerance = min(plan.ProfanityTolerance, ProfanityNone)
	case "analytical":
		plan.SentenceLength = max(plan.SentenceLength, SentenceMixed)
		plan.MetaphorDensity = min(plan.MetaphorDensity, DensityLow)
	}

	if !signals.ProfanityOK {
		plan.ProfanityTolerance = min(plan.ProfanityTolerance, ProfanityNone)
	}

	if read != nil {
		switch read.Agency.WillStatus {
		case memory.WillCollapsed:
			plan.SentenceLength = min(plan.SentenceLength, SentenceShort)
			plan.Abstraction = min(plan.Abstraction, AbstractionConcrete)
			plan.Rawness = min(plan.Rawness, RawnessMedium)
			plan.ProfanityTolerance = min(plan.ProfanityTolerance, ProfanityNone)
		case memory.WillStrained:
			plan.SentenceLength = min(plan.SentenceLength, SentenceMixed)
			plan.Rawness = min(plan.Rawness, RawnessMedium)
			plan.ProfanityTolerance = min(plan.ProfanityTolerance, ProfanityLight)
		}
	}

	return plan
}

// sentenceBucket buckets the average sentence length of text in words.
func sentenceBucket(text string) SentenceLength {
	sentences := sentenceSplitRe.Split(text, -1)
	var total, count int
	for _, s := range sentences {
		words := len(strings.Fields(s))
		if words == 0 {
			continue
		}
		total += words
		count++
	}
	if count == 0 {
		return SentenceShort
	}
	avg := float64(total) / float64(count)
	switch {
	case avg <= 8:
		return SentenceShort
	case avg <= 16:
		return SentenceMixed
	default:
		return SentenceLong
	}
}

// rawnessBucket scores profanity and intensity markers in text and buckets
// the combined score.
func rawnessBucket(text string) Rawness {
	words := len(strings.Fields(text))
	if words == 0 {
		return RawnessLow
	}
	profanity := float64(len(profanityRe.FindAllString(text, -1)))
	intensity := float64(len(intensityRe.FindAllString(text, -1)))
	exclaims := float64(strings.Count(text, "!"))

	score := (profanity*3 + intensity + exclaims) / float64(words)
	switch {
	case score >= 0.9:
		return RawnessHigh
	case score >= 0.4:
		return RawnessMedium
	default:
		return RawnessLow
	}
}

func metaphorBucket(text string) Density {
	switch n := len(metaphorRe.FindAllString(text, -1)); {
	case n >= 3:
		return DensityHigh
	case n >= 1:
		return DensityMedium
	default:
		return DensityLow
	}
}

func abstractionBucket(text string) Abstraction {
	if abstractRe.MatchString(text) {
		return AbstractionAbstract
	}
	return AbstractionConcrete
}

func profanityBucket(text string) Profanity {
	switch n := len(profanityRe.FindAllString(text, -1)); {
	case n >= 2:
		return ProfanityFull
	case n == 1:
		return ProfanityLight
	default:
		return ProfanityNone
	}
}
