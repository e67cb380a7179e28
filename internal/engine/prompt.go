package engine

import (
	"fmt"
	"strings"

	"github.com/attunehq/attune/internal/statetrack"
	"github.com/attunehq/attune/pkg/memory"
	"github.com/attunehq/attune/pkg/provider/llm"
)

const fastSystemPrompt = `You are a warm, attentive companion in an ongoing conversation.
Reply immediately with a brief, natural opening reaction to what the user just said.
One or two short sentences. Acknowledge, do not analyze. Never give advice in this opening.`

const deepSystemPromptHeader = `You are a warm, attentive companion in an ongoing conversation.
You already started answering with the opening below; continue seamlessly from it without repeating it.
Stay concrete and personal. Never diagnose, never lecture.`

// buildFastRequest constructs the fast path request: system prompt, trailing
// history, and the new message. No state shaping; the fast path must start
// talking before any of that is available.
func buildFastRequest(message string, history []memory.MessageRecord, derivedName string) llm.CompletionRequest {
	system := fastSystemPrompt
	if derivedName != "" {
		system += "\nThe user goes by " + derivedName + "."
	}

	msgs := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: message})

	return llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     msgs,
		MaxTokens:    120,
	}
}

// deepPromptInput bundles everything the deep request is rendered from.
type deepPromptInput struct {
	message  string
	history  []memory.MessageRecord
	state    memory.ConversationState
	plan     statetrack.MirrorPlan
	decision statetrack.Decision
	docs     []memory.RetrievedDoc
	fastText string
}

// buildDeepRequest constructs the deep reasoner request. The accumulated
// fast path text is injected as a forced assistant-role continuation prefix
// so the deep model carries on from what the user already heard.
func buildDeepRequest(in deepPromptInput) llm.CompletionRequest {
	var sb strings.Builder
	sb.WriteString(deepSystemPromptHeader)

	sb.WriteString("\n\n## Response shape\n")
	fmt.Fprintf(&sb, "- Intervention style: %s\n", in.decision.ResponseClass)
	if in.decision.GroundingEligible {
		sb.WriteString("- Offer a simple grounding exercise if it fits naturally.\n")
	}
	fmt.Fprintf(&sb, "- Sentence length: %s\n", in.plan.SentenceLength)
	fmt.Fprintf(&sb, "- Emotional rawness: %s\n", in.plan.Rawness)
	fmt.Fprintf(&sb, "- Metaphor density: %s\n", in.plan.MetaphorDensity)
	fmt.Fprintf(&sb, "- Abstraction: %s\n", in.plan.Abstraction)
	fmt.Fprintf(&sb, "- Profanity tolerance: %s\n", in.plan.ProfanityTolerance)

	if in.state.Summary != "" {
		sb.WriteString("\n## Conversation so far\n")
		sb.WriteString(in.state.Summary)
		sb.WriteString("\n")
	}
	if anchors := in.state.Context.Graph.Anchors; len(anchors.LifeAnchors)+len(anchors.Goals) > 0 {
		sb.WriteString("\n## What matters to the user\n")
		if len(anchors.LifeAnchors) > 0 {
			fmt.Fprintf(&sb, "- Anchors: %s\n", strings.Join(anchors.LifeAnchors, ", "))
		}
		if len(anchors.Goals) > 0 {
			fmt.Fprintf(&sb, "- Goals: %s\n", strings.Join(anchors.Goals, ", "))
		}
	}
	if in.state.Context.DerivedName != "" {
		fmt.Fprintf(&sb, "\nThe user goes by %s.\n", in.state.Context.DerivedName)
	}

	if len(in.docs) > 0 {
		sb.WriteString("\n## Background notes\n")
		for _, d := range in.docs {
			fmt.Fprintf(&sb, "- [%s] %s\n", d.Source, d.Content)
		}
	}

	msgs := make([]llm.Message, 0, len(in.history)+2)
	for _, m := range in.history {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: in.message})
	if in.fastText != "" {
		msgs = append(msgs, llm.Message{Role: "assistant", Content: in.fastText})
	}

	return llm.CompletionRequest{
		SystemPrompt: sb.String(),
		Messages:     msgs,
	}
}
