package engine

import (
	"context"
	"fmt"

	"github.com/attunehq/attune/internal/phase"
	"github.com/attunehq/attune/internal/statetrack"
	"github.com/attunehq/attune/internal/triage"
	"github.com/attunehq/attune/pkg/memory"
	"github.com/attunehq/attune/pkg/provider/llm"
)

// ErrTurnSuperseded is returned by [Engine.Generate] when the turn was
// cancelled by a newer turn before completing. It is control flow, not a
// failure; callers simply drop the turn.
var ErrTurnSuperseded = fmt.Errorf("turn superseded")

// Generate runs a complete turn and returns the reply as a single value.
// Unlike [Engine.GenerateStream] it uses single-shot generator calls, each
// bounded by the configured timeout; a deep reasoner timeout yields the
// fixed recovery reply instead of an error.
func (e *Engine) Generate(ctx context.Context, userID, sessionID, message string) (*TurnResult, error) {
	ok, err := e.store.SessionExists(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("engine: check session: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("engine: session %q: %w", sessionID, memory.ErrSessionNotFound)
	}

	tok := e.turns.Begin(sessionID)
	defer e.turns.End(sessionID, tok)

	turnCtx, cancel := context.WithCancel(tok.Context())
	defer cancel()
	stopWatch := context.AfterFunc(ctx, cancel)
	defer stopWatch()

	e.hub.Publish(sessionID, phase.Analyzing)

	state, _, err := e.store.GetConversationState(turnCtx, userID)
	if err != nil {
		e.logger.Warn("loading conversation state failed, starting fresh",
			"session", sessionID, "user", userID, "error", err)
		state = memory.ConversationState{
			UserID:  userID,
			Context: memory.UserTurnContext{Graph: memory.NewStateGraph()},
		}
	}

	t := &liveTurn{
		engine:    e,
		ctx:       turnCtx,
		userID:    userID,
		sessionID: sessionID,
		message:   message,
		state:     state,
	}

	result, err := t.generateValue()
	if err != nil {
		return nil, err
	}
	e.hub.Publish(sessionID, phase.End)
	return result, nil
}

// generateValue resolves the turn to a single [TurnResult]. The liveTurn's
// output channel is unused on this path; replies are returned directly.
func (t *liveTurn) generateValue() (*TurnResult, error) {
	e := t.engine

	finishValue := func(reply, voiceMode, tag string, res triage.Result) *TurnResult {
		outcome := "completed"
		if tag == tagCrisis {
			outcome = "crisis"
		}
		e.metrics.RecordTurn(context.Background(), outcome)
		e.finalizeAsync(finalizeInput{
			userID:    t.userID,
			sessionID: t.sessionID,
			userText:  t.message,
			replyText: reply,
			voiceMode: voiceMode,
			tag:       tag,
			triage:    res,
		})
		return &TurnResult{
			ReplyText: reply,
			VoiceMode: voiceMode,
			Mood:      res.Mood,
			RiskLevel: res.RiskLevel,
		}
	}

	switch kind := classifyShortCircuit(t.message); kind {
	case scEllipsis:
		e.metrics.RecordShortCircuit(t.ctx, string(kind))
		return finishValue(ellipsisReply, "", tagEllipsis, synthesizedTriage()), nil
	case scGreeting:
		e.metrics.RecordShortCircuit(t.ctx, string(kind))
		return finishValue(greetingReply, "", tagGreeting, synthesizedTriage()), nil
	case scTrivial:
		e.metrics.RecordShortCircuit(t.ctx, string(kind))
		reply := t.singleShot(e.fast, buildFastRequest(t.message, t.recentHistory(), t.state.Context.DerivedName))
		if t.ctx.Err() != nil {
			return nil, ErrTurnSuperseded
		}
		return finishValue(reply, "", tagTrivial, synthesizedTriage()), nil
	}

	history := t.recentHistory()
	res := t.classify(history)
	if t.ctx.Err() != nil {
		return nil, ErrTurnSuperseded
	}

	if res.RiskLevel > 3 {
		read := statetrack.DeriveRead(t.message, res.RiskLevel, res.Mood)
		delta := statetrack.ComputeDelta(&read, t.state.Context.Graph.Baseline)
		decision := statetrack.Decide(&read, delta, t.state.Context.Graph.Anchors)
		return finishValue(crisisReply(decision.GroundingEligible), voiceModeCrisis, tagCrisis, res), nil
	}

	if !res.NeedsDeepReasoning {
		reply := t.singleShot(e.fast, buildFastRequest(t.message, history, t.state.Context.DerivedName))
		if t.ctx.Err() != nil {
			return nil, ErrTurnSuperseded
		}
		return finishValue(reply, "", tagFull, res), nil
	}

	e.hub.Publish(t.sessionID, phase.Formulating)

	read := statetrack.DeriveRead(t.message, res.RiskLevel, res.Mood)
	delta := statetrack.ComputeDelta(&read, t.state.Context.Graph.Baseline)
	decision := statetrack.Decide(&read, delta, t.state.Context.Graph.Anchors)
	plan := statetrack.ComputeMirrorPlan(t.message, t.state.Context.Signals, &read)

	reply := t.singleShot(e.deep, buildDeepRequest(deepPromptInput{
		message:  t.message,
		history:  history,
		state:    t.state,
		plan:     plan,
		decision: decision,
		docs:     t.retrieve(),
	}))
	if t.ctx.Err() != nil {
		return nil, ErrTurnSuperseded
	}
	return finishValue(reply, "", tagFull, res), nil
}

// singleShot performs one bounded non-streaming completion. On timeout or
// failure it substitutes the fixed recovery reply rather than failing the
// turn.
func (t *liveTurn) singleShot(p llm.Provider, req llm.CompletionRequest) string {
	e := t.engine
	callCtx, cancel := context.WithTimeout(t.ctx, e.deepTimeout)
	defer cancel()

	resp, err := p.Complete(callCtx, req)
	switch {
	case t.ctx.Err() != nil:
		return ""
	case err != nil:
		e.logger.Warn("single-shot completion failed",
			"session", t.sessionID, "user", t.userID,
			"message", truncate(t.message), "error", err)
		return recoveryReply
	case resp == nil || resp.Content == "":
		return recoveryReply
	default:
		return resp.Content
	}
}
