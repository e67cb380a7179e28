package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/attunehq/attune/internal/observe"
	"github.com/attunehq/attune/internal/phase"
	"github.com/attunehq/attune/internal/triage"
	"github.com/attunehq/attune/internal/turn"
	"github.com/attunehq/attune/pkg/memory"
	memmock "github.com/attunehq/attune/pkg/memory/mock"
	"github.com/attunehq/attune/pkg/provider/llm"
	llmmock "github.com/attunehq/attune/pkg/provider/llm/mock"
)

const (
	fastOnlyTriageJSON  = `{"risk_level":1,"mood":"anxious","themes":["work_stress"],"summary_delta":"Work has been stressful.","needs_deep_reasoning":false}`
	needsDeepTriageJSON = `{"risk_level":1,"mood":"low","themes":[],"summary_delta":"","needs_deep_reasoning":true}`
)

func newTestEngine(t *testing.T, fast, deep llm.Provider, classifier *triage.Classifier, store memory.ConversationStore, opts ...Option) *Engine {
	t.Helper()

	hub := phase.NewHub()
	t.Cleanup(hub.Close)

	metrics, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	opts = append(opts, WithLogger(logger), WithMetrics(metrics))
	return New(fast, deep, classifier, store, nil, turn.NewRegistry(), hub, opts...)
}

func classifierReturning(content string) (*triage.Classifier, *llmmock.Provider) {
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: content}}
	return triage.NewClassifier(p), p
}

func collectFragments(t *testing.T, ch <-chan Fragment) []Fragment {
	t.Helper()

	var out []Fragment
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, f)
		case <-deadline:
			t.Fatal("timed out waiting for the stream to close")
		}
	}
}

func joinFragments(frags []Fragment) string {
	var sb strings.Builder
	for _, f := range frags {
		sb.WriteString(f.Text)
	}
	return sb.String()
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestClassifyShortCircuit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		message string
		want    shortCircuitKind
	}{
		{"...", scEllipsis},
		{"…", scEllipsis},
		{" .. . ", scEllipsis},
		{"", scEllipsis},
		{"hey", scGreeting},
		{"Hello!", scGreeting},
		{"guten morgen", scGreeting},
		{"hey there :)", scGreeting},
		{"ok", scTrivial},
		{"yeah sure", scTrivial},
		{"why", scNone},
		{"help", scNone},
		{"I feel so alone", scNone},
		{"suicide", scNone},
		{"Today was a really long day and I need to talk.", scNone},
	}
	for _, tt := range tests {
		if got := classifyShortCircuit(tt.message); got != tt.want {
			t.Errorf("classifyShortCircuit(%q) = %q, want %q", tt.message, got, tt.want)
		}
	}
}

func TestGenerateStreamUnknownSession(t *testing.T) {
	t.Parallel()

	store := &memmock.ConversationStore{Sessions: map[string]bool{"known": true}}
	e := newTestEngine(t, &llmmock.Provider{}, &llmmock.Provider{}, nil, store)

	_, err := e.GenerateStream(context.Background(), "u1", "unknown", "hello there friend")
	if !errors.Is(err, memory.ErrSessionNotFound) {
		t.Fatalf("GenerateStream() error = %v, want ErrSessionNotFound", err)
	}
}

func TestGenerateStreamEllipsis(t *testing.T) {
	t.Parallel()

	fast := &llmmock.Provider{}
	deep := &llmmock.Provider{}
	classifier, triageLLM := classifierReturning(needsDeepTriageJSON)
	store := &memmock.ConversationStore{}
	e := newTestEngine(t, fast, deep, classifier, store)

	ch, err := e.GenerateStream(context.Background(), "u1", "s1", "...")
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}
	frags := collectFragments(t, ch)
	e.Wait()

	if len(frags) != 1 || frags[0].Text != ellipsisReply {
		t.Fatalf("fragments = %+v, want single %q", frags, ellipsisReply)
	}
	if n := fast.StreamCallCount() + fast.CompleteCallCount(); n != 0 {
		t.Errorf("fast generator called %d times, want 0", n)
	}
	if n := deep.StreamCallCount() + deep.CompleteCallCount(); n != 0 {
		t.Errorf("deep reasoner called %d times, want 0", n)
	}
	if n := triageLLM.CompleteCallCount(); n != 0 {
		t.Errorf("triage called %d times, want 0", n)
	}

	msgs := store.CreatedMessages()
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
	if msgs[1].Tag != tagEllipsis {
		t.Errorf("assistant message tag = %q, want %q", msgs[1].Tag, tagEllipsis)
	}
}

func TestGenerateStreamGreeting(t *testing.T) {
	t.Parallel()

	fast := &llmmock.Provider{}
	deep := &llmmock.Provider{}
	classifier, triageLLM := classifierReturning(needsDeepTriageJSON)
	store := &memmock.ConversationStore{}
	e := newTestEngine(t, fast, deep, classifier, store)

	ch, err := e.GenerateStream(context.Background(), "u1", "s1", "hey")
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}
	frags := collectFragments(t, ch)
	e.Wait()

	if len(frags) != 1 || frags[0].Text != greetingReply {
		t.Fatalf("fragments = %+v, want single %q", frags, greetingReply)
	}
	if n := triageLLM.CompleteCallCount(); n != 0 {
		t.Errorf("triage called %d times, want 0", n)
	}
	if n := deep.StreamCallCount() + deep.CompleteCallCount(); n != 0 {
		t.Errorf("deep reasoner called %d times, want 0", n)
	}

	msgs := store.CreatedMessages()
	if len(msgs) != 2 || msgs[1].Tag != tagGreeting {
		t.Fatalf("persisted messages = %+v, want assistant tag %q", msgs, tagGreeting)
	}
}

func TestGenerateStreamTrivial(t *testing.T) {
	t.Parallel()

	fast := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Got it."}}
	deep := &llmmock.Provider{}
	classifier, triageLLM := classifierReturning(needsDeepTriageJSON)
	store := &memmock.ConversationStore{}
	e := newTestEngine(t, fast, deep, classifier, store)

	ch, err := e.GenerateStream(context.Background(), "u1", "s1", "ok")
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}
	frags := collectFragments(t, ch)
	e.Wait()

	if got := joinFragments(frags); got != "Got it." {
		t.Fatalf("reply = %q, want %q", got, "Got it.")
	}
	if n := fast.CompleteCallCount(); n != 1 {
		t.Errorf("fast Complete called %d times, want 1", n)
	}
	if n := fast.StreamCallCount(); n != 0 {
		t.Errorf("fast StreamCompletion called %d times, want 0", n)
	}
	if n := triageLLM.CompleteCallCount(); n != 0 {
		t.Errorf("triage called %d times, want 0", n)
	}
	if n := deep.StreamCallCount() + deep.CompleteCallCount(); n != 0 {
		t.Errorf("deep reasoner called %d times, want 0", n)
	}

	msgs := store.CreatedMessages()
	if len(msgs) != 2 || msgs[1].Tag != tagTrivial {
		t.Fatalf("persisted messages = %+v, want assistant tag %q", msgs, tagTrivial)
	}
}

func TestGenerateStreamFastOnlyPersists(t *testing.T) {
	t.Parallel()

	fast := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "That sounds "},
		{Text: "really draining."},
		{FinishReason: "stop"},
	}}
	deep := &llmmock.Provider{}
	classifier, triageLLM := classifierReturning(fastOnlyTriageJSON)
	store := &memmock.ConversationStore{}
	e := newTestEngine(t, fast, deep, classifier, store)

	const message = "I had a rough day at work and my boss yelled at me."
	ch, err := e.GenerateStream(context.Background(), "u1", "s1", message)
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}
	frags := collectFragments(t, ch)
	e.Wait()

	if got := joinFragments(frags); got != "That sounds really draining." {
		t.Fatalf("reply = %q", got)
	}
	if n := triageLLM.CompleteCallCount(); n != 1 {
		t.Errorf("triage called %d times, want 1", n)
	}
	if n := deep.StreamCallCount() + deep.CompleteCallCount(); n != 0 {
		t.Errorf("deep reasoner called %d times, want 0", n)
	}

	msgs := store.CreatedMessages()
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != message {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[0].Mood != memory.MoodAnxious || msgs[0].RiskLevel != 1 {
		t.Errorf("user message mood/risk = %q/%d, want anxious/1", msgs[0].Mood, msgs[0].RiskLevel)
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "That sounds really draining." || msgs[1].Tag != tagFull {
		t.Errorf("assistant message = %+v", msgs[1])
	}
	if !msgs[1].CreatedAt.After(msgs[0].CreatedAt) {
		t.Errorf("assistant message not ordered after user message")
	}

	if n := store.UpsertCount(); n != 1 {
		t.Fatalf("UpsertCount() = %d, want 1", n)
	}
	state := store.State["u1"]
	if len(state.Context.Graph.History) != 1 {
		t.Errorf("graph history length = %d, want 1", len(state.Context.Graph.History))
	}
	if state.Mood != memory.MoodAnxious {
		t.Errorf("state mood = %q, want anxious", state.Mood)
	}
	found := false
	for _, theme := range state.Themes {
		if theme == "work_stress" {
			found = true
		}
	}
	if !found {
		t.Errorf("state themes = %v, want to contain work_stress", state.Themes)
	}
	if state.Summary == "" {
		t.Errorf("state summary not updated")
	}
	if len(store.RiskLogs()) != 0 {
		t.Errorf("risk logs = %v, want none below threshold", store.RiskLogs())
	}
}

func TestGenerateStreamPersistsAnchors(t *testing.T) {
	t.Parallel()

	fast := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "She sounds like solid ground."},
		{FinishReason: "stop"},
	}}
	classifier, _ := classifierReturning(fastOnlyTriageJSON)
	store := &memmock.ConversationStore{}
	e := newTestEngine(t, fast, &llmmock.Provider{}, classifier, store)

	ch, err := e.GenerateStream(context.Background(), "u1", "s1", "I want to get back to running. My daughter keeps me going.")
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}
	collectFragments(t, ch)
	e.Wait()

	anchors := store.State["u1"].Context.Graph.Anchors
	if len(anchors.Goals) != 1 {
		t.Errorf("anchors.Goals = %v, want the voiced goal recorded", anchors.Goals)
	}
	if len(anchors.LifeAnchors) != 1 {
		t.Errorf("anchors.LifeAnchors = %v, want the named person recorded", anchors.LifeAnchors)
	}

	history := store.State["u1"].Context.Graph.History
	if len(history) != 1 {
		t.Fatalf("graph history length = %d, want 1", len(history))
	}
	flagged := false
	for _, node := range history[0].Delta.Changed {
		if node == memory.NodeMeaningAnchors {
			flagged = true
		}
	}
	if !flagged {
		t.Errorf("delta.Changed = %v, want meaning anchors flagged", history[0].Delta.Changed)
	}
}

func TestGenerateStreamDeepHandoff(t *testing.T) {
	t.Parallel()

	// The fast stream is held back entirely; with a zero handoff threshold
	// the deep reasoner speaks first and must own the whole turn.
	fastDelay := make(chan struct{})
	fast := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "fast opener that must never surface"}},
		StreamDelay:  fastDelay,
	}
	deep := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "It sounds like a lot "},
		{Text: "is stacking up at once."},
		{FinishReason: "stop"},
	}}
	classifier, _ := classifierReturning(needsDeepTriageJSON)
	store := &memmock.ConversationStore{}
	e := newTestEngine(t, fast, deep, classifier, store, WithHandoffWordThreshold(0))

	ch, err := e.GenerateStream(context.Background(), "u1", "s1", "Everything is piling up and I cannot keep track anymore.")
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}
	frags := collectFragments(t, ch)
	e.Wait()

	want := "It sounds like a lot is stacking up at once."
	if got := joinFragments(frags); got != want {
		t.Fatalf("reply = %q, want only deep output %q", got, want)
	}
	for _, f := range frags {
		if strings.Contains(f.Text, "fast opener") {
			t.Fatalf("fast fragment %q emitted after deep handoff", f.Text)
		}
	}
	if n := deep.StreamCallCount(); n != 1 {
		t.Errorf("deep StreamCompletion called %d times, want 1", n)
	}
}

func TestGenerateStreamHandoffThreshold(t *testing.T) {
	t.Parallel()

	fast := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "one "}, {Text: "two "}, {Text: "three "},
		{Text: "four "}, {Text: "five "}, {Text: "six "},
		{FinishReason: "stop"},
	}}
	deep := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "and the rest of the reply."},
		{FinishReason: "stop"},
	}}
	classifier, _ := classifierReturning(needsDeepTriageJSON)
	store := &memmock.ConversationStore{}
	e := newTestEngine(t, fast, deep, classifier, store, WithHandoffWordThreshold(4))

	ch, err := e.GenerateStream(context.Background(), "u1", "s1", "I keep going over the same thoughts and getting nowhere.")
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}
	collectFragments(t, ch)
	e.Wait()

	if n := deep.StreamCallCount(); n != 1 {
		t.Fatalf("deep StreamCompletion called %d times, want 1", n)
	}
	req := deep.StreamCalls[0].Req
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "assistant" {
		t.Fatalf("deep request last message role = %q, want assistant continuation prefix", last.Role)
	}
	if got := last.Content; got != "one two three four " {
		t.Errorf("continuation prefix = %q, want the four words emitted before consultation", got)
	}
}

func TestGenerateStreamCrisis(t *testing.T) {
	t.Parallel()

	// Classifier transport failure plus a crisis phrase: the deterministic
	// fallback must force the safety script and keep the deep reasoner out.
	fast := &llmmock.Provider{StreamErr: errors.New("fast backend down")}
	deep := &llmmock.Provider{}
	classifier := triage.NewClassifier(&llmmock.Provider{CompleteErr: errors.New("upstream 500")})
	store := &memmock.ConversationStore{}
	e := newTestEngine(t, fast, deep, classifier, store)

	const message = "I want to kill myself"
	ch, err := e.GenerateStream(context.Background(), "u1", "s1", message)
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}
	frags := collectFragments(t, ch)
	e.Wait()

	if len(frags) != 1 {
		t.Fatalf("fragments = %+v, want single crisis fragment", frags)
	}
	if frags[0].VoiceMode != voiceModeCrisis {
		t.Errorf("voice mode = %q, want %q", frags[0].VoiceMode, voiceModeCrisis)
	}
	if !strings.HasPrefix(frags[0].Text, crisisReplyBase) {
		t.Errorf("reply = %q, want the fixed safety script", frags[0].Text)
	}
	if n := deep.StreamCallCount() + deep.CompleteCallCount(); n != 0 {
		t.Errorf("deep reasoner called %d times during crisis, want 0", n)
	}

	logs := store.RiskLogs()
	if len(logs) != 1 || logs[0].RiskLevel != 4 {
		t.Fatalf("risk logs = %+v, want one at level 4", logs)
	}
	if !strings.Contains(logs[0].Excerpt, "kill myself") {
		t.Errorf("risk log excerpt = %q", logs[0].Excerpt)
	}
	updates := store.MaxRiskUpdates()
	if len(updates) != 1 || updates[0].RiskLevel != 4 {
		t.Errorf("max risk updates = %+v, want one at level 4", updates)
	}
	msgs := store.CreatedMessages()
	if len(msgs) != 2 || msgs[1].VoiceMode != voiceModeCrisis || msgs[1].Tag != tagCrisis {
		t.Errorf("persisted messages = %+v, want crisis assistant row", msgs)
	}
}

func TestGenerateStreamSupersession(t *testing.T) {
	t.Parallel()

	fastDelay := make(chan struct{})
	fast := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Taking that in "},
			{Text: "for a moment."},
			{FinishReason: "stop"},
		},
		StreamDelay: fastDelay,
	}
	deep := &llmmock.Provider{}
	store := &memmock.ConversationStore{}
	e := newTestEngine(t, fast, deep, nil, store)

	ctx := context.Background()
	chA, err := e.GenerateStream(ctx, "u1", "s1", "First thing on my mind, still forming the words.")
	if err != nil {
		t.Fatalf("GenerateStream() A error = %v", err)
	}
	waitFor(t, func() bool { return fast.StreamCallCount() == 1 }, "first turn never reached the fast generator")

	const secondMessage = "Actually forget that, something else happened today."
	chB, err := e.GenerateStream(ctx, "u1", "s1", secondMessage)
	if err != nil {
		t.Fatalf("GenerateStream() B error = %v", err)
	}

	// The superseded turn must close without emitting or persisting.
	fragsA := collectFragments(t, chA)
	if len(fragsA) != 0 {
		t.Fatalf("superseded turn emitted %+v, want nothing", fragsA)
	}

	close(fastDelay)
	fragsB := collectFragments(t, chB)
	e.Wait()

	if got := joinFragments(fragsB); got != "Taking that in for a moment." {
		t.Fatalf("second turn reply = %q", got)
	}
	if n := store.UpsertCount(); n != 1 {
		t.Fatalf("UpsertCount() = %d, want 1 (only the surviving turn persists)", n)
	}
	msgs := store.CreatedMessages()
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != secondMessage {
		t.Errorf("persisted user message = %q, want the superseding turn's", msgs[0].Content)
	}
}

func TestGenerateStreamFastStartFailure(t *testing.T) {
	t.Parallel()

	fast := &llmmock.Provider{StreamErr: errors.New("fast backend down")}
	deep := &llmmock.Provider{}
	classifier, _ := classifierReturning(fastOnlyTriageJSON)
	store := &memmock.ConversationStore{}
	e := newTestEngine(t, fast, deep, classifier, store)

	ch, err := e.GenerateStream(context.Background(), "u1", "s1", "Can we pick up where we left off yesterday evening?")
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}
	frags := collectFragments(t, ch)
	e.Wait()

	if got := joinFragments(frags); got != recoveryReply {
		t.Fatalf("reply = %q, want recovery reply", got)
	}
}

func TestGenerateStreamDeepStartFailure(t *testing.T) {
	t.Parallel()

	fast := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "I hear how heavy that is."},
		{FinishReason: "stop"},
	}}
	deep := &llmmock.Provider{StreamErr: errors.New("deep backend down")}
	classifier, _ := classifierReturning(needsDeepTriageJSON)
	store := &memmock.ConversationStore{}
	e := newTestEngine(t, fast, deep, classifier, store)

	ch, err := e.GenerateStream(context.Background(), "u1", "s1", "I have been dreading this conversation all week long.")
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}
	frags := collectFragments(t, ch)
	e.Wait()

	// Deep failing to start must not lose what the fast path already said.
	if got := joinFragments(frags); got != "I hear how heavy that is." {
		t.Fatalf("reply = %q, want the fast output", got)
	}
	msgs := store.CreatedMessages()
	if len(msgs) != 2 || msgs[1].Tag != tagFull {
		t.Fatalf("persisted messages = %+v, want full-pipeline assistant row", msgs)
	}
}

func TestGenerateDeep(t *testing.T) {
	t.Parallel()

	fast := &llmmock.Provider{}
	deep := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "A full considered reply."}}
	classifier, _ := classifierReturning(needsDeepTriageJSON)
	store := &memmock.ConversationStore{}
	e := newTestEngine(t, fast, deep, classifier, store)

	res, err := e.Generate(context.Background(), "u1", "s1", "I keep circling the same decision without moving.")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	e.Wait()

	if res.ReplyText != "A full considered reply." {
		t.Errorf("ReplyText = %q", res.ReplyText)
	}
	if res.VoiceMode != "" {
		t.Errorf("VoiceMode = %q, want empty", res.VoiceMode)
	}
	if res.Mood != memory.MoodLow || res.RiskLevel != 1 {
		t.Errorf("Mood/RiskLevel = %q/%d, want low/1", res.Mood, res.RiskLevel)
	}
	if n := deep.CompleteCallCount(); n != 1 {
		t.Errorf("deep Complete called %d times, want 1", n)
	}
}

func TestGenerateDeepTimeout(t *testing.T) {
	t.Parallel()

	fast := &llmmock.Provider{}
	deep := &llmmock.Provider{CompleteDelay: make(chan struct{})}
	classifier, _ := classifierReturning(needsDeepTriageJSON)
	store := &memmock.ConversationStore{}
	e := newTestEngine(t, fast, deep, classifier, store, WithDeepTimeout(30*time.Millisecond))

	res, err := e.Generate(context.Background(), "u1", "s1", "There is something I have been avoiding saying out loud.")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	e.Wait()

	if res.ReplyText != recoveryReply {
		t.Errorf("ReplyText = %q, want recovery reply on timeout", res.ReplyText)
	}
}

func TestGenerateTrivial(t *testing.T) {
	t.Parallel()

	fast := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Got it."}}
	deep := &llmmock.Provider{}
	classifier, triageLLM := classifierReturning(needsDeepTriageJSON)
	store := &memmock.ConversationStore{}
	e := newTestEngine(t, fast, deep, classifier, store)

	res, err := e.Generate(context.Background(), "u1", "s1", "ok")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	e.Wait()

	if res.ReplyText != "Got it." {
		t.Errorf("ReplyText = %q", res.ReplyText)
	}
	if n := triageLLM.CompleteCallCount(); n != 0 {
		t.Errorf("triage called %d times, want 0", n)
	}
	if n := deep.CompleteCallCount() + deep.StreamCallCount(); n != 0 {
		t.Errorf("deep reasoner called %d times, want 0", n)
	}
}

func TestGenerateCrisis(t *testing.T) {
	t.Parallel()

	fast := &llmmock.Provider{}
	deep := &llmmock.Provider{}
	classifier := triage.NewClassifier(&llmmock.Provider{CompleteErr: errors.New("upstream 500")})
	store := &memmock.ConversationStore{}
	e := newTestEngine(t, fast, deep, classifier, store)

	res, err := e.Generate(context.Background(), "u1", "s1", "ich will mich umbringen")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	e.Wait()

	if res.VoiceMode != voiceModeCrisis {
		t.Errorf("VoiceMode = %q, want %q", res.VoiceMode, voiceModeCrisis)
	}
	if res.RiskLevel != 4 {
		t.Errorf("RiskLevel = %d, want 4", res.RiskLevel)
	}
	if !strings.HasPrefix(res.ReplyText, crisisReplyBase) {
		t.Errorf("ReplyText = %q, want the fixed safety script", res.ReplyText)
	}
	if n := deep.CompleteCallCount() + deep.StreamCallCount(); n != 0 {
		t.Errorf("deep reasoner called %d times during crisis, want 0", n)
	}
}

func TestGenerateUnknownSession(t *testing.T) {
	t.Parallel()

	store := &memmock.ConversationStore{Sessions: map[string]bool{}}
	e := newTestEngine(t, &llmmock.Provider{}, &llmmock.Provider{}, nil, store)

	_, err := e.Generate(context.Background(), "u1", "nope", "hello there friend")
	if !errors.Is(err, memory.ErrSessionNotFound) {
		t.Fatalf("Generate() error = %v, want ErrSessionNotFound", err)
	}
}
