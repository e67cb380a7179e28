// Package engine implements the turn orchestrator: it races a fast
// low-latency responder against a slower deep reasoner and merges their
// output into a single coherent streamed reply.
//
// Per turn the engine applies short-circuit rules, starts the fast path and
// triage classification concurrently, and, once enough fast output has been
// emitted, consults the triage verdict to decide whether the deep reasoner
// takes over. The handoff is one-way: the instant the deep reasoner yields
// its first non-empty fragment, the fast path is closed and the deep
// reasoner owns the rest of the turn.
//
// Turns are superseded, never queued: beginning a new turn for a session
// cancels the previous one through the turn registry.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/attunehq/attune/internal/observe"
	"github.com/attunehq/attune/internal/phase"
	"github.com/attunehq/attune/internal/statetrack"
	"github.com/attunehq/attune/internal/triage"
	"github.com/attunehq/attune/internal/turn"
	"github.com/attunehq/attune/pkg/memory"
	"github.com/attunehq/attune/pkg/provider/llm"
)

const (
	// DefaultHandoffWordThreshold is the number of fast path words emitted
	// before the engine consults the triage verdict.
	DefaultHandoffWordThreshold = 8

	// DefaultDeepTimeout bounds single-shot generator calls.
	DefaultDeepTimeout = 4 * time.Second

	// DefaultHistoryLimit is the trailing message window given to triage
	// and the generators.
	DefaultHistoryLimit = 10

	// DefaultRetrievalLimit caps background documents fetched per turn.
	DefaultRetrievalLimit = 5

	// fragmentBuffer is the output channel depth. Sized to absorb a few
	// fragments ahead of a slow caller without blocking the merge loop.
	fragmentBuffer = 16

	// finalizeTimeout bounds the asynchronous persistence of a finished
	// turn.
	finalizeTimeout = 10 * time.Second

	// voiceModeCrisis tags fragments and messages delivered under the fixed
	// safety script.
	voiceModeCrisis = "crisis"
)

// Fragment is one streamed piece of the merged reply.
type Fragment struct {
	Text string

	// VoiceMode is empty for normal delivery, "crisis" for the safety
	// script.
	VoiceMode string
}

// TurnResult is the completed-value form of a turn for non-streaming
// callers.
type TurnResult struct {
	ReplyText string
	VoiceMode string
	Mood      memory.Mood
	RiskLevel int
}

// Engine orchestrates turns. Create one with [New]; it is safe for
// concurrent use across sessions.
type Engine struct {
	fast       llm.Provider
	deep       llm.Provider
	classifier *triage.Classifier
	store      memory.ConversationStore
	docs       memory.DocumentIndex
	turns      *turn.Registry
	hub        *phase.Hub

	logger  *slog.Logger
	metrics *observe.Metrics

	handoffWords   int
	deepTimeout    time.Duration
	historyLimit   int
	retrievalLimit int

	// wg tracks background finalization goroutines so callers (and tests)
	// can synchronise before inspecting the store.
	wg sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithHandoffWordThreshold overrides the fast path word count that triggers
// the triage consultation.
func WithHandoffWordThreshold(n int) Option {
	return func(e *Engine) { e.handoffWords = n }
}

// WithDeepTimeout overrides the single-shot generator timeout.
func WithDeepTimeout(d time.Duration) Option {
	return func(e *Engine) { e.deepTimeout = d }
}

// WithHistoryLimit overrides the trailing history window.
func WithHistoryLimit(n int) Option {
	return func(e *Engine) { e.historyLimit = n }
}

// WithRetrievalLimit overrides the background document cap.
func WithRetrievalLimit(n int) Option {
	return func(e *Engine) { e.retrievalLimit = n }
}

// WithLogger overrides the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics overrides the metrics instance (default
// [observe.DefaultMetrics]).
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New constructs an Engine.
//
// classifier may be nil, in which case every turn uses the deterministic
// triage fallback. docs may be nil to disable background retrieval.
func New(fast, deep llm.Provider, classifier *triage.Classifier, store memory.ConversationStore, docs memory.DocumentIndex, turns *turn.Registry, hub *phase.Hub, opts ...Option) *Engine {
	e := &Engine{
		fast:           fast,
		deep:           deep,
		classifier:     classifier,
		store:          store,
		docs:           docs,
		turns:          turns,
		hub:            hub,
		logger:         slog.Default(),
		handoffWords:   DefaultHandoffWordThreshold,
		deepTimeout:    DefaultDeepTimeout,
		historyLimit:   DefaultHistoryLimit,
		retrievalLimit: DefaultRetrievalLimit,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// GenerateStream begins a turn and returns its merged output stream. The
// stream is finite and not restartable; it ends early, without error, when
// the turn is cancelled or superseded. The only synchronous failure is an
// unknown session, reported as [memory.ErrSessionNotFound].
func (e *Engine) GenerateStream(ctx context.Context, userID, sessionID, message string) (<-chan Fragment, error) {
	ok, err := e.store.SessionExists(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("engine: check session: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("engine: session %q: %w", sessionID, memory.ErrSessionNotFound)
	}

	tok := e.turns.Begin(sessionID)
	out := make(chan Fragment, fragmentBuffer)
	go e.run(ctx, tok, userID, sessionID, message, out)
	return out, nil
}

// Wait blocks until all background finalization goroutines have finished.
// Primarily useful in tests.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// run drives one turn from short-circuit check to finalization.
func (e *Engine) run(callerCtx context.Context, tok *turn.Token, userID, sessionID, message string, out chan<- Fragment) {
	start := time.Now()

	// The turn lives until either its token is cancelled (supersession,
	// abort) or the caller goes away. Both participate in every race below.
	ctx, cancel := context.WithCancel(tok.Context())
	defer cancel()
	stopWatch := context.AfterFunc(callerCtx, cancel)
	defer stopWatch()

	defer close(out)
	defer e.turns.End(sessionID, tok)

	e.metrics.ActiveTurns.Add(ctx, 1)
	defer e.metrics.ActiveTurns.Add(context.Background(), -1)

	e.hub.Publish(sessionID, phase.Analyzing)

	t := &liveTurn{
		engine:    e,
		ctx:       ctx,
		out:       out,
		userID:    userID,
		sessionID: sessionID,
		message:   message,
		started:   start,
	}

	state, _, err := e.store.GetConversationState(ctx, userID)
	if err != nil {
		e.logger.Warn("loading conversation state failed, starting fresh",
			"session", sessionID, "user", userID, "error", err)
		state = memory.ConversationState{
			UserID:  userID,
			Context: memory.UserTurnContext{Graph: memory.NewStateGraph()},
		}
	}
	t.state = state

	switch kind := classifyShortCircuit(message); kind {
	case scEllipsis:
		t.resolveFixed(ellipsisReply, tagEllipsis, string(kind))
		return
	case scGreeting:
		t.resolveFixed(greetingReply, tagGreeting, string(kind))
		return
	case scTrivial:
		t.resolveTrivial()
		return
	}

	t.runFull()
}

// liveTurn carries the per-turn state threaded through the pipeline stages.
type liveTurn struct {
	engine    *Engine
	ctx       context.Context
	out       chan<- Fragment
	userID    string
	sessionID string
	message   string
	started   time.Time
	state     memory.ConversationState

	emitted      strings.Builder
	emittedWords int
}

// emit forwards one fragment to the caller, racing the cancellation signal.
// Returns false when the turn is cancelled.
func (t *liveTurn) emit(f Fragment) bool {
	select {
	case t.out <- f:
		if t.emitted.Len() == 0 {
			t.engine.hub.Publish(t.sessionID, phase.Replying)
		}
		t.emitted.WriteString(f.Text)
		return true
	case <-t.ctx.Done():
		return false
	}
}

// cancelled wraps up a superseded or aborted turn: no persistence, no
// further output.
func (t *liveTurn) cancelled() {
	t.engine.metrics.RecordTurn(context.Background(), "cancelled")
	t.engine.logger.Debug("turn cancelled",
		"session", t.sessionID, "user", t.userID, "cause", context.Cause(t.ctx))
}

// resolveFixed answers a short-circuited turn with a fixed reply.
func (t *liveTurn) resolveFixed(reply, tag, kind string) {
	e := t.engine
	if !t.emit(Fragment{Text: reply}) {
		t.cancelled()
		return
	}
	e.metrics.RecordShortCircuit(t.ctx, kind)
	t.finish("", tag, synthesizedTriage())
}

// resolveTrivial answers trivial input with a fast single-shot completion.
// Triage is never consulted.
func (t *liveTurn) resolveTrivial() {
	e := t.engine

	history := t.recentHistory()
	callCtx, cancel := context.WithTimeout(t.ctx, e.deepTimeout)
	resp, err := e.fast.Complete(callCtx, buildFastRequest(t.message, history, t.state.Context.DerivedName))
	cancel()

	reply := recoveryReply
	switch {
	case t.ctx.Err() != nil:
		t.cancelled()
		return
	case err != nil:
		e.logger.Warn("fast single-shot failed",
			"session", t.sessionID, "user", t.userID,
			"message", truncate(t.message), "error", err)
	case resp != nil && resp.Content != "":
		reply = resp.Content
	}

	if !t.emit(Fragment{Text: reply}) {
		t.cancelled()
		return
	}
	e.metrics.RecordShortCircuit(t.ctx, string(scTrivial))
	t.finish("", tagTrivial, synthesizedTriage())
}

// runFull drives the complete pipeline: fast stream plus concurrent triage
// and retrieval, threshold consultation, then fast-only, crisis, or the
// deep handoff merge.
func (t *liveTurn) runFull() {
	e := t.engine
	history := t.recentHistory()

	fastCh, err := e.fast.StreamCompletion(t.ctx, buildFastRequest(t.message, history, t.state.Context.DerivedName))
	if err != nil {
		e.logger.Warn("fast stream failed to start",
			"session", t.sessionID, "user", t.userID,
			"message", truncate(t.message), "error", err)
		fastCh = closedChunks()
	}

	triageCh := make(chan triage.Result, 1)
	go func() {
		triageCh <- t.classify(history)
	}()

	docsCh := make(chan []memory.RetrievedDoc, 1)
	go func() {
		docsCh <- t.retrieve()
	}()
	e.hub.Publish(t.sessionID, phase.Recalling)

	// Consume the fast path until the word threshold is reached or the
	// stream ends, whichever comes first. Only then is triage awaited.
	fastDone := false
	firstFast := true
fastLoop:
	for t.emittedWords < e.handoffWords {
		select {
		case <-t.ctx.Done():
			go drainChunks(fastCh)
			t.cancelled()
			return
		case chunk, ok := <-fastCh:
			if !ok {
				fastDone = true
				break fastLoop
			}
			if chunk.FinishReason == "error" {
				e.logger.Warn("fast stream failed mid-turn",
					"session", t.sessionID, "user", t.userID, "reason", chunk.Text)
				fastDone = true
				break fastLoop
			}
			if chunk.Text == "" {
				continue
			}
			if firstFast {
				e.metrics.FastFirstFragment.Record(t.ctx, time.Since(t.started).Seconds())
				firstFast = false
			}
			if !t.emit(Fragment{Text: chunk.Text}) {
				go drainChunks(fastCh)
				t.cancelled()
				return
			}
			t.emittedWords += len(strings.Fields(chunk.Text))
		}
	}

	var res triage.Result
	select {
	case <-t.ctx.Done():
		if !fastDone {
			go drainChunks(fastCh)
		}
		t.cancelled()
		return
	case res = <-triageCh:
	}

	if res.RiskLevel > 3 {
		if !fastDone {
			go drainChunks(fastCh)
		}
		t.resolveCrisis(res)
		return
	}

	if !res.NeedsDeepReasoning {
		t.drainFastOnly(fastCh, fastDone, res)
		return
	}

	t.mergeWithDeep(fastCh, fastDone, history, docsCh, res)
}

// resolveCrisis bypasses the deep reasoner and emits the fixed safety
// script.
func (t *liveTurn) resolveCrisis(res triage.Result) {
	read := statetrack.DeriveRead(t.message, res.RiskLevel, res.Mood)
	delta := statetrack.ComputeDelta(&read, t.state.Context.Graph.Baseline)
	decision := statetrack.Decide(&read, delta, t.state.Context.Graph.Anchors)

	if !t.emit(Fragment{Text: crisisReply(decision.GroundingEligible), VoiceMode: voiceModeCrisis}) {
		t.cancelled()
		return
	}
	t.engine.logger.Info("crisis script delivered",
		"session", t.sessionID, "user", t.userID,
		"risk_level", res.RiskLevel, "grounding_reason", decision.GroundingReason)
	t.finish(voiceModeCrisis, tagCrisis, res)
}

// drainFastOnly forwards the remainder of the fast stream and finalizes
// without the deep reasoner.
func (t *liveTurn) drainFastOnly(fastCh <-chan llm.Chunk, fastDone bool, res triage.Result) {
	for !fastDone {
		select {
		case <-t.ctx.Done():
			go drainChunks(fastCh)
			t.cancelled()
			return
		case chunk, ok := <-fastCh:
			if !ok {
				fastDone = true
				continue
			}
			if chunk.FinishReason == "error" {
				t.engine.logger.Warn("fast stream failed mid-turn",
					"session", t.sessionID, "user", t.userID, "reason", chunk.Text)
				fastDone = true
				continue
			}
			if chunk.Text == "" {
				continue
			}
			if !t.emit(Fragment{Text: chunk.Text}) {
				go drainChunks(fastCh)
				t.cancelled()
				return
			}
		}
	}

	// The fast path is the whole reply. If it produced nothing before a
	// hard failure, substitute the recovery packet so the caller is never
	// left in silence.
	if t.emitted.Len() == 0 {
		if !t.emit(Fragment{Text: recoveryReply}) {
			t.cancelled()
			return
		}
	}
	t.finish("", tagFull, res)
}

// mergeWithDeep starts the deep reasoner and races it against the still
// running fast path. The handoff is one-way: the first non-empty deep
// fragment permanently ends fast consumption.
func (t *liveTurn) mergeWithDeep(fastCh <-chan llm.Chunk, fastDone bool, history []memory.MessageRecord, docsCh <-chan []memory.RetrievedDoc, res triage.Result) {
	e := t.engine
	e.hub.Publish(t.sessionID, phase.Formulating)

	var docs []memory.RetrievedDoc
	select {
	case <-t.ctx.Done():
		if !fastDone {
			go drainChunks(fastCh)
		}
		t.cancelled()
		return
	case docs = <-docsCh:
	}

	read := statetrack.DeriveRead(t.message, res.RiskLevel, res.Mood)
	delta := statetrack.ComputeDelta(&read, t.state.Context.Graph.Baseline)
	statetrack.ObserveAnchors(&t.state.Context.Graph, t.message, &delta)
	decision := statetrack.Decide(&read, delta, t.state.Context.Graph.Anchors)
	plan := statetrack.ComputeMirrorPlan(t.message, t.state.Context.Signals, &read)

	deepReq := buildDeepRequest(deepPromptInput{
		message:  t.message,
		history:  history,
		state:    t.state,
		plan:     plan,
		decision: decision,
		docs:     docs,
		fastText: t.emitted.String(),
	})

	deepStart := time.Now()
	deepCh, err := e.deep.StreamCompletion(t.ctx, deepReq)
	if err != nil {
		e.logger.Warn("deep stream failed to start, finishing with fast path",
			"session", t.sessionID, "user", t.userID,
			"message", truncate(t.message), "error", err)
		deepCh = nil
	}

	if fastDone {
		fastCh = nil
	}

	deepSpoken := false
	for fastCh != nil || deepCh != nil {
		select {
		case <-t.ctx.Done():
			if fastCh != nil {
				go drainChunks(fastCh)
			}
			if deepCh != nil {
				go drainChunks(deepCh)
			}
			t.cancelled()
			return

		case chunk, ok := <-fastCh:
			if !ok || chunk.FinishReason == "error" {
				if ok {
					e.logger.Warn("fast stream failed mid-turn",
						"session", t.sessionID, "user", t.userID, "reason", chunk.Text)
					go drainChunks(fastCh)
				}
				fastCh = nil
				continue
			}
			if chunk.Text == "" {
				continue
			}
			if !t.emit(Fragment{Text: chunk.Text}) {
				go drainChunks(fastCh)
				if deepCh != nil {
					go drainChunks(deepCh)
				}
				t.cancelled()
				return
			}

		case chunk, ok := <-deepCh:
			if !ok {
				deepCh = nil
				continue
			}
			if chunk.FinishReason == "error" {
				e.logger.Warn("deep stream failed mid-turn",
					"session", t.sessionID, "user", t.userID, "reason", chunk.Text)
				go drainChunks(deepCh)
				deepCh = nil
				continue
			}
			if chunk.Text == "" {
				continue
			}
			if !deepSpoken {
				deepSpoken = true
				e.metrics.Handoffs.Add(t.ctx, 1)
				e.metrics.DeepFirstFragment.Record(t.ctx, time.Since(deepStart).Seconds())
				if fastCh != nil {
					// One-way handoff: the deep reasoner owns the rest of
					// the turn.
					go drainChunks(fastCh)
					fastCh = nil
				}
			}
			if !t.emit(Fragment{Text: chunk.Text}) {
				go drainChunks(deepCh)
				t.cancelled()
				return
			}
		}
	}

	if t.emitted.Len() == 0 {
		if !t.emit(Fragment{Text: recoveryReply}) {
			t.cancelled()
			return
		}
	}
	t.finish("", tagFull, res)
}

// classify obtains the triage judgment, falling back deterministically on
// any classifier failure.
func (t *liveTurn) classify(history []memory.MessageRecord) triage.Result {
	e := t.engine
	if e.classifier == nil {
		return triage.Fallback(t.message)
	}

	start := time.Now()
	res, err := e.classifier.Classify(t.ctx, t.message, history, triage.Snapshot{
		Mood:    t.state.Mood,
		Themes:  t.state.Themes,
		Summary: t.state.Summary,
	})
	e.metrics.TriageDuration.Record(t.ctx, time.Since(start).Seconds())
	if err != nil {
		e.metrics.TriageFallbacks.Add(t.ctx, 1)
		e.logger.Warn("triage failed, using deterministic fallback",
			"session", t.sessionID, "user", t.userID,
			"message", truncate(t.message), "error", err)
		return triage.Fallback(t.message)
	}
	return res
}

// retrieve fetches background documents. Best-effort: failures yield an
// empty result and never fail the turn.
func (t *liveTurn) retrieve() []memory.RetrievedDoc {
	e := t.engine
	if e.docs == nil || e.retrievalLimit <= 0 {
		return nil
	}
	docs, err := e.docs.FindRelevant(t.ctx, t.userID, t.message, e.retrievalLimit)
	if err != nil {
		e.logger.Warn("document retrieval failed",
			"session", t.sessionID, "user", t.userID,
			"message", truncate(t.message), "error", err)
		return nil
	}
	return docs
}

// recentHistory loads the trailing message window. Best-effort.
func (t *liveTurn) recentHistory() []memory.MessageRecord {
	e := t.engine
	if e.historyLimit <= 0 {
		return nil
	}
	history, err := e.store.RecentMessages(t.ctx, t.sessionID, e.historyLimit)
	if err != nil {
		e.logger.Warn("loading recent messages failed",
			"session", t.sessionID, "user", t.userID, "error", err)
		return nil
	}
	return history
}

// finish completes a successful turn: end-of-turn bookkeeping plus
// asynchronous persistence. Cancelled turns never reach here.
func (t *liveTurn) finish(voiceMode, tag string, res triage.Result) {
	e := t.engine
	e.hub.Publish(t.sessionID, phase.End)
	e.metrics.TurnDuration.Record(t.ctx, time.Since(t.started).Seconds())
	outcome := "completed"
	if tag == tagCrisis {
		outcome = "crisis"
	}
	e.metrics.RecordTurn(context.Background(), outcome)

	e.finalizeAsync(finalizeInput{
		userID:    t.userID,
		sessionID: t.sessionID,
		userText:  t.message,
		replyText: t.emitted.String(),
		voiceMode: voiceMode,
		tag:       tag,
		triage:    res,
	})
}

// closedChunks returns an already-closed chunk channel, used when a stream
// fails to start so the merge logic needs no special casing.
func closedChunks() <-chan llm.Chunk {
	ch := make(chan llm.Chunk)
	close(ch)
	return ch
}

// drainChunks discards the remainder of a stream so the provider's internal
// goroutine can finish.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}

// truncate shortens a user message for log output.
func truncate(s string) string {
	const max = 120
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
