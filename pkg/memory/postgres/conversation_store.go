package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/attunehq/attune/pkg/memory"
)

// ConversationStoreImpl is the persistence gateway backed by the sessions,
// messages, conversation_state, and risk_logs tables.
//
// Obtain one via [Store.Conversations] rather than constructing directly.
// All methods are safe for concurrent use.
type ConversationStoreImpl struct {
	pool *pgxpool.Pool
}

// SessionExists implements [memory.ConversationStore].
func (s *ConversationStoreImpl) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`

	var exists bool
	if err := s.pool.QueryRow(ctx, q, sessionID).Scan(&exists); err != nil {
		return false, fmt.Errorf("conversation store: session exists: %w", err)
	}
	return exists, nil
}

// CreateMessage implements [memory.ConversationStore].
func (s *ConversationStoreImpl) CreateMessage(ctx context.Context, msg memory.MessageRecord) error {
	const q = `
		INSERT INTO messages
		    (id, session_id, user_id, role, content, voice_mode, tag, mood, risk_level, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, q,
		msg.ID,
		msg.SessionID,
		msg.UserID,
		msg.Role,
		msg.Content,
		msg.VoiceMode,
		msg.Tag,
		string(msg.Mood),
		msg.RiskLevel,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("conversation store: create message: %w", err)
	}
	return nil
}

// RecentMessages implements [memory.ConversationStore]. Results are ordered
// oldest first so they can be fed to a classifier as conversation history.
func (s *ConversationStoreImpl) RecentMessages(ctx context.Context, sessionID string, limit int) ([]memory.MessageRecord, error) {
	const q = `
		SELECT id, session_id, user_id, role, content, voice_mode, tag, mood, risk_level, created_at
		FROM (
		    SELECT * FROM messages
		    WHERE  session_id = $1
		    ORDER  BY created_at DESC
		    LIMIT  $2
		) recent
		ORDER BY created_at`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("conversation store: recent messages: %w", err)
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.MessageRecord, error) {
		var (
			m    memory.MessageRecord
			mood string
		)
		if err := row.Scan(
			&m.ID,
			&m.SessionID,
			&m.UserID,
			&m.Role,
			&m.Content,
			&m.VoiceMode,
			&m.Tag,
			&mood,
			&m.RiskLevel,
			&m.CreatedAt,
		); err != nil {
			return memory.MessageRecord{}, err
		}
		m.Mood = memory.Mood(mood)
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("conversation store: scan rows: %w", err)
	}
	if msgs == nil {
		msgs = []memory.MessageRecord{}
	}
	return msgs, nil
}

// IncrementMessageCount implements [memory.ConversationStore].
func (s *ConversationStoreImpl) IncrementMessageCount(ctx context.Context, sessionID string) error {
	const q = `UPDATE sessions SET message_count = message_count + 1 WHERE id = $1`

	tag, err := s.pool.Exec(ctx, q, sessionID)
	if err != nil {
		return fmt.Errorf("conversation store: increment message count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return memory.ErrSessionNotFound
	}
	return nil
}

// UpsertConversationState implements [memory.ConversationStore]. The update
// runs inside a transaction holding a row lock on the user's state, so two
// sessions finalizing turns for the same user serialize their graph updates
// instead of overwriting each other.
func (s *ConversationStoreImpl) UpsertConversationState(ctx context.Context, userID string, update func(memory.ConversationState) memory.ConversationState) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conversation store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const sel = `
		SELECT mood, themes, summary, context
		FROM   conversation_state
		WHERE  user_id = $1
		FOR UPDATE`

	prev := memory.ConversationState{
		UserID:  userID,
		Context: memory.UserTurnContext{Graph: memory.NewStateGraph()},
	}
	var (
		mood    string
		themes  []string
		summary string
		raw     []byte
	)
	err = tx.QueryRow(ctx, sel, userID).Scan(&mood, &themes, &summary, &raw)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// First turn for this user; prev stays the zero-value state.
	case err != nil:
		return fmt.Errorf("conversation store: load state: %w", err)
	default:
		prev.Mood = memory.Mood(mood)
		prev.Themes = themes
		prev.Summary = summary
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &prev.Context); err != nil {
				return fmt.Errorf("conversation store: decode context: %w", err)
			}
		}
	}

	next := update(prev)
	if err := next.Context.Validate(); err != nil {
		return fmt.Errorf("conversation store: invalid turn context: %w", err)
	}

	encoded, err := json.Marshal(next.Context)
	if err != nil {
		return fmt.Errorf("conversation store: encode context: %w", err)
	}

	const upsert = `
		INSERT INTO conversation_state (user_id, mood, themes, summary, context, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (user_id) DO UPDATE SET
		    mood       = EXCLUDED.mood,
		    themes     = EXCLUDED.themes,
		    summary    = EXCLUDED.summary,
		    context    = EXCLUDED.context,
		    updated_at = now()`

	if _, err := tx.Exec(ctx, upsert, userID, string(next.Mood), next.Themes, next.Summary, encoded); err != nil {
		return fmt.Errorf("conversation store: upsert state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("conversation store: commit: %w", err)
	}
	return nil
}

// GetConversationState implements [memory.ConversationStore].
func (s *ConversationStoreImpl) GetConversationState(ctx context.Context, userID string) (memory.ConversationState, bool, error) {
	const q = `
		SELECT mood, themes, summary, context, updated_at
		FROM   conversation_state
		WHERE  user_id = $1`

	state := memory.ConversationState{
		UserID:  userID,
		Context: memory.UserTurnContext{Graph: memory.NewStateGraph()},
	}
	var (
		mood string
		raw  []byte
	)
	err := s.pool.QueryRow(ctx, q, userID).Scan(&mood, &state.Themes, &state.Summary, &raw, &state.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return state, false, nil
	}
	if err != nil {
		return memory.ConversationState{}, false, fmt.Errorf("conversation store: get state: %w", err)
	}
	state.Mood = memory.Mood(mood)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &state.Context); err != nil {
			return memory.ConversationState{}, false, fmt.Errorf("conversation store: decode context: %w", err)
		}
	}
	return state, true, nil
}

// CreateRiskLog implements [memory.ConversationStore].
func (s *ConversationStoreImpl) CreateRiskLog(ctx context.Context, log memory.RiskLog) error {
	const q = `
		INSERT INTO risk_logs (id, user_id, session_id, risk_level, themes, excerpt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, q,
		log.ID,
		log.UserID,
		log.SessionID,
		log.RiskLevel,
		log.Themes,
		log.Excerpt,
		log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("conversation store: create risk log: %w", err)
	}
	return nil
}

// UpdateMaxRisk implements [memory.ConversationStore]. GREATEST keeps the
// stored value when riskLevel is lower, so the call is safe to retry.
func (s *ConversationStoreImpl) UpdateMaxRisk(ctx context.Context, sessionID string, riskLevel int) error {
	const q = `UPDATE sessions SET max_risk = GREATEST(max_risk, $2) WHERE id = $1`

	tag, err := s.pool.Exec(ctx, q, sessionID, riskLevel)
	if err != nil {
		return fmt.Errorf("conversation store: update max risk: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return memory.ErrSessionNotFound
	}
	return nil
}
