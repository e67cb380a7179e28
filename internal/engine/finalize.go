package engine

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/attunehq/attune/internal/statetrack"
	"github.com/attunehq/attune/internal/triage"
	"github.com/attunehq/attune/pkg/memory"
)

// riskLogThreshold is the minimum risk level that produces a risk log row.
const riskLogThreshold = 3

// riskExcerptMax bounds the user message excerpt stored with a risk log.
const riskExcerptMax = 200

type finalizeInput struct {
	userID    string
	sessionID string
	userText  string
	replyText string
	voiceMode string
	tag       string
	triage    triage.Result
}

// finalizeAsync persists a successfully completed turn in the background:
// both message rows, risk bookkeeping, and the state graph update. The
// stream has already completed; nothing here blocks the caller. Failures
// are logged, never surfaced.
func (e *Engine) finalizeAsync(in finalizeInput) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		defer cancel()
		e.finalize(ctx, in)
	}()
}

func (e *Engine) finalize(ctx context.Context, in finalizeInput) {
	now := time.Now().UTC()
	logFail := func(op string, err error) {
		e.logger.Error("turn persistence failed",
			"op", op, "session", in.sessionID, "user", in.userID,
			"message", truncate(in.userText), "error", err)
	}

	rows := []memory.MessageRecord{
		{
			ID:        uuid.NewString(),
			SessionID: in.sessionID,
			UserID:    in.userID,
			Role:      "user",
			Content:   in.userText,
			Mood:      in.triage.Mood,
			RiskLevel: in.triage.RiskLevel,
			CreatedAt: now,
		},
		{
			ID:        uuid.NewString(),
			SessionID: in.sessionID,
			UserID:    in.userID,
			Role:      "assistant",
			Content:   in.replyText,
			VoiceMode: in.voiceMode,
			Tag:       in.tag,
			CreatedAt: now.Add(time.Millisecond),
		},
	}
	for _, row := range rows {
		if err := e.store.CreateMessage(ctx, row); err != nil {
			logFail("create message", err)
		}
		if err := e.store.IncrementMessageCount(ctx, in.sessionID); err != nil {
			logFail("increment message count", err)
		}
	}

	if in.triage.RiskLevel >= riskLogThreshold {
		err := e.store.CreateRiskLog(ctx, memory.RiskLog{
			ID:        uuid.NewString(),
			UserID:    in.userID,
			SessionID: in.sessionID,
			RiskLevel: in.triage.RiskLevel,
			Themes:    in.triage.Themes,
			Excerpt:   excerpt(in.userText),
			CreatedAt: now,
		})
		if err != nil {
			logFail("create risk log", err)
		}
		if err := e.store.UpdateMaxRisk(ctx, in.sessionID, in.triage.RiskLevel); err != nil {
			logFail("update max risk", err)
		}
	}

	// The graph update is a read-modify-write against the latest stored
	// state: the delta is recomputed inside the update so a concurrent
	// session's appends are never lost.
	err := e.store.UpsertConversationState(ctx, in.userID, func(prev memory.ConversationState) memory.ConversationState {
		next := prev
		next.UserID = in.userID
		next.UpdatedAt = now

		read := statetrack.DeriveRead(in.userText, in.triage.RiskLevel, in.triage.Mood)
		graph := prev.Context.Graph
		delta := statetrack.ComputeDelta(&read, graph.Baseline)
		// Crisis language is not a meaning anchor; anchors are only mined
		// from turns below the crisis threshold.
		if in.triage.RiskLevel < 4 {
			statetrack.ObserveAnchors(&graph, in.userText, &delta)
		}
		statetrack.AppendRead(&graph, now, read, delta)
		next.Context.Graph = graph

		if in.triage.Mood != "" {
			next.Mood = in.triage.Mood
		}
		next.Themes = mergeThemes(prev.Themes, in.triage.Themes)
		if in.triage.SummaryDelta != "" {
			next.Summary = appendSummary(prev.Summary, in.triage.SummaryDelta)
		}
		return next
	})
	if err != nil {
		logFail("upsert conversation state", err)
	}
}

// mergeThemes unions new themes into the existing set, preserving order.
func mergeThemes(existing, add []string) []string {
	out := existing
	for _, theme := range add {
		if theme == "" || slices.Contains(out, theme) {
			continue
		}
		out = append(out, theme)
	}
	return out
}

// appendSummary grows the rolling summary, keeping only its tail when it
// gets long.
func appendSummary(summary, delta string) string {
	const maxSummary = 2000
	if summary == "" {
		return delta
	}
	s := summary + " " + delta
	if len(s) > maxSummary {
		if idx := strings.IndexByte(s[len(s)-maxSummary:], ' '); idx >= 0 {
			return s[len(s)-maxSummary+idx+1:]
		}
		return s[len(s)-maxSummary:]
	}
	return s
}

// excerpt truncates the triggering user message for the risk log.
func excerpt(s string) string {
	if len(s) <= riskExcerptMax {
		return s
	}
	return s[:riskExcerptMax]
}
