package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/attunehq/attune/pkg/memory"
	"github.com/attunehq/attune/pkg/provider/llm"
)

// HistoryLimit is the maximum number of prior messages included in the
// classification window.
const HistoryLimit = 10

const systemPrompt = `You are a triage classifier for a supportive dialogue system.
Given the conversation so far and the newest user message, respond with a single JSON object and nothing else:

{
  "risk_level": <integer 0-4, 4 means imminent danger to self or others>,
  "mood": <one of "neutral","low","anxious","angry","overwhelmed","hopeful">,
  "themes": [<short lowercase theme strings>],
  "summary_delta": <one sentence to append to the running summary>,
  "needs_deep_reasoning": <true if the message deserves a considered, context-rich reply; false if a brief acknowledgment suffices>
}

Do not add commentary, markdown, or code fences.`

// Classifier produces triage judgments from a language model.
type Classifier struct {
	provider    llm.Provider
	temperature float64
	maxTokens   int
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithTemperature overrides the sampling temperature (default 0).
func WithTemperature(t float64) Option {
	return func(c *Classifier) { c.temperature = t }
}

// WithMaxTokens overrides the completion token cap (default 300).
func WithMaxTokens(n int) Option {
	return func(c *Classifier) { c.maxTokens = n }
}

// NewClassifier creates a Classifier backed by provider.
func NewClassifier(provider llm.Provider, opts ...Option) *Classifier {
	c := &Classifier{
		provider:  provider,
		maxTokens: 300,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify runs one classification. history is the trailing window of prior
// turns (truncated to [HistoryLimit]) and snapshot the compact current
// state. On any model, decode, or schema failure it returns a
// [*ClassificationError]; callers recover with [Fallback].
func (c *Classifier) Classify(ctx context.Context, message string, history []memory.MessageRecord, snapshot Snapshot) (Result, error) {
	if len(history) > HistoryLimit {
		history = history[len(history)-HistoryLimit:]
	}

	messages := make([]llm.Message, 0, len(history)+2)
	if ctxMsg := snapshotMessage(snapshot); ctxMsg != "" {
		messages = append(messages, llm.Message{Role: "user", Content: ctxMsg})
	}
	for _, m := range history {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: message})

	resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages:     messages,
		Temperature:  c.temperature,
		MaxTokens:    c.maxTokens,
	})
	if err != nil {
		return Result{}, &ClassificationError{Reason: "completion failed", Err: err}
	}

	var result Result
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &result); err != nil {
		return Result{}, &ClassificationError{Reason: "invalid json", Err: err}
	}
	if err := result.Validate(); err != nil {
		return Result{}, &ClassificationError{Reason: "schema violation", Err: err}
	}
	return result, nil
}

func snapshotMessage(s Snapshot) string {
	var b strings.Builder
	if s.Mood != "" {
		fmt.Fprintf(&b, "Current mood: %s. ", s.Mood)
	}
	if len(s.Themes) > 0 {
		fmt.Fprintf(&b, "Active themes: %s. ", strings.Join(s.Themes, ", "))
	}
	if s.Summary != "" {
		fmt.Fprintf(&b, "Conversation so far: %s", s.Summary)
	}
	return strings.TrimSpace(b.String())
}

// stripFences removes a surrounding markdown code fence if the model added
// one despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
