package statetrack

import (
	"testing"

	"github.com/attunehq/attune/pkg/memory"
)

func TestSentenceBucket(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want SentenceLength
	}{
		{name: "empty", text: "", want: SentenceShort},
		{name: "short fragments", text: "Hi. How are you.", want: SentenceShort},
		{
			name: "mixed",
			text: "I have been thinking about what you said yesterday evening. It stayed with me for quite a while afterwards.",
			want: SentenceMixed,
		},
		{
			name: "long run-on",
			text: "I keep going over the same conversation again and again in my head and I cannot figure out what I should have said differently or whether it even matters at all",
			want: SentenceLong,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := sentenceBucket(tt.text); got != tt.want {
				t.Errorf("sentenceBucket(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestRawnessBucket(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want Rawness
	}{
		{name: "calm", text: "I went to the store today and bought some bread.", want: RawnessLow},
		{name: "intense", text: "This is really so hard.", want: RawnessMedium},
		{name: "profane and exclaiming", text: "I fucking hate this!", want: RawnessHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := rawnessBucket(tt.text); got != tt.want {
				t.Errorf("rawnessBucket(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestComputeMirrorPlanToneClamps(t *testing.T) {
	t.Parallel()

	// Long, abstract, metaphor-heavy, profane text so every clamp has
	// something to tighten.
	text := "It feels like drowning in a storm of meaning and purpose and I fucking cannot shit my way out of this fog or this darkness no matter how hard I try every single day!"

	tests := []struct {
		name    string
		signals memory.UserSignals
		check   func(t *testing.T, p MirrorPlan)
	}{
		{
			name:    "direct",
			signals: memory.UserSignals{Tone: "direct", ProfanityOK: true},
			check: func(t *testing.T, p MirrorPlan) {
				if p.SentenceLength != SentenceShort {
					t.Errorf("sentence length = %v, want short", p.SentenceLength)
				}
				if p.Abstraction != AbstractionConcrete {
					t.Errorf("abstraction = %v, want concrete", p.Abstraction)
				}
				if p.MetaphorDensity != DensityLow {
					t.Errorf("metaphor density = %v, want low", p.MetaphorDensity)
				}
			},
		},
		{
			name:    "soft",
			signals: memory.UserSignals{Tone: "soft", ProfanityOK: true},
			check: func(t *testing.T, p MirrorPlan) {
				if p.SentenceLength > SentenceMixed {
					t.Errorf("sentence length = %v, want mixed or shorter", p.SentenceLength)
				}
				if p.Rawness > RawnessMedium {
					t.Errorf("rawness = %v, want medium or lower", p.Rawness)
				}
				if p.ProfanityTolerance != ProfanityNone {
					t.Errorf("profanity tolerance = %v, want none", p.ProfanityTolerance)
				}
			},
		},
		{
			name:    "analytical",
			signals: memory.UserSignals{Tone: "analytical", ProfanityOK: true},
			check: func(t *testing.T, p MirrorPlan) {
				if p.SentenceLength < SentenceMixed {
					t.Errorf("sentence length = %v, want mixed or longer", p.SentenceLength)
				}
				if p.MetaphorDensity != DensityLow {
					t.Errorf("metaphor density = %v, want low", p.MetaphorDensity)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tt.check(t, ComputeMirrorPlan(text, tt.signals, nil))
		})
	}
}

func TestComputeMirrorPlanWillStatusClamps(t *testing.T) {
	t.Parallel()

	text := "I fucking hate absolutely everything about this shit situation and it never ever gets any better for me!"

	collapsed := &memory.StateRead{Agency: memory.AgencySignal{WillStatus: memory.WillCollapsed}}
	plan := ComputeMirrorPlan(text, memory.UserSignals{ProfanityOK: true}, collapsed)
	if plan.SentenceLength != SentenceShort {
		t.Errorf("collapsed: sentence length = %v, want short", plan.SentenceLength)
	}
	if plan.Rawness > RawnessMedium {
		t.Errorf("collapsed: rawness = %v, want medium or lower", plan.Rawness)
	}
	if plan.ProfanityTolerance != ProfanityNone {
		t.Errorf("collapsed: profanity tolerance = %v, want none", plan.ProfanityTolerance)
	}

	strained := &memory.StateRead{Agency: memory.AgencySignal{WillStatus: memory.WillStrained}}
	plan = ComputeMirrorPlan(text, memory.UserSignals{ProfanityOK: true}, strained)
	if plan.SentenceLength > SentenceMixed {
		t.Errorf("strained: sentence length = %v, want mixed or shorter", plan.SentenceLength)
	}
	if plan.ProfanityTolerance > ProfanityLight {
		t.Errorf("strained: profanity tolerance = %v, want light or lower", plan.ProfanityTolerance)
	}
}

// TestComputeMirrorPlanClampsCompose checks that a later clamp never relaxes
// an earlier tightening: soft tone caps profanity at none, and a strained
// will status (cap light) must not raise it back up.
func TestComputeMirrorPlanClampsCompose(t *testing.T) {
	t.Parallel()

	text := "Fuck this shit, I am so completely done with absolutely everything!"
	read := &memory.StateRead{Agency: memory.AgencySignal{WillStatus: memory.WillStrained}}

	plan := ComputeMirrorPlan(text, memory.UserSignals{Tone: "soft", ProfanityOK: true}, read)
	if plan.ProfanityTolerance != ProfanityNone {
		t.Errorf("profanity tolerance = %v, want none (soft cap must survive strained clamp)", plan.ProfanityTolerance)
	}
}

func TestComputeMirrorPlanProfanityOptOut(t *testing.T) {
	t.Parallel()

	plan := ComputeMirrorPlan("Fuck this shit.", memory.UserSignals{}, nil)
	if plan.ProfanityTolerance != ProfanityNone {
		t.Errorf("profanity tolerance = %v, want none without explicit opt-in", plan.ProfanityTolerance)
	}

	plan = ComputeMirrorPlan("Fuck this shit.", memory.UserSignals{ProfanityOK: true}, nil)
	if plan.ProfanityTolerance != ProfanityFull {
		t.Errorf("profanity tolerance = %v, want full with opt-in and two hits", plan.ProfanityTolerance)
	}
}
