// Package memory defines the persistence and retrieval contracts consumed by
// the Attune turn engine, plus the persistent data model (messages, risk
// logs, the per-user psychological state graph).
//
// The engine treats both interfaces as opaque collaborators: it calls them
// only after a turn finalizes successfully and never for cancelled turns.
// The PostgreSQL implementation lives in the postgres subpackage; a mock for
// tests lives in the mock subpackage.
package memory

import (
	"context"
	"errors"
)

// ErrSessionNotFound is returned when an operation references a session that
// does not exist. It is the only store error the engine surfaces to callers.
var ErrSessionNotFound = errors.New("session not found")

// ConversationStore is the persistence gateway for finalized turns.
//
// All methods are idempotent-safe-to-retry-once. Implementations must be
// safe for concurrent use.
type ConversationStore interface {
	// SessionExists reports whether sessionID is a known session.
	SessionExists(ctx context.Context, sessionID string) (bool, error)

	// CreateMessage appends one message row.
	CreateMessage(ctx context.Context, msg MessageRecord) error

	// RecentMessages returns up to limit most recent messages for sessionID,
	// ordered oldest first. Used to build the triage trailing window.
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]MessageRecord, error)

	// IncrementMessageCount bumps the session's message counter.
	IncrementMessageCount(ctx context.Context, sessionID string) error

	// UpsertConversationState applies update to the latest stored
	// conversation state for userID as a read-modify-write: the stored value
	// is loaded, passed to update, and the result written back atomically.
	// Two sessions updating the same user therefore never lose each other's
	// graph appends to a blind overwrite.
	//
	// When no state exists yet, update receives a zero-value
	// [ConversationState] with a fresh graph.
	UpsertConversationState(ctx context.Context, userID string, update func(ConversationState) ConversationState) error

	// GetConversationState loads the latest stored conversation state for
	// userID. When none exists, a zero-value state with a fresh graph is
	// returned (found=false).
	GetConversationState(ctx context.Context, userID string) (state ConversationState, found bool, err error)

	// CreateRiskLog appends one risk observation.
	CreateRiskLog(ctx context.Context, log RiskLog) error

	// UpdateMaxRisk raises the session's maximum observed risk level to
	// riskLevel if it is higher than the stored value.
	UpdateMaxRisk(ctx context.Context, sessionID string, riskLevel int) error
}

// DocumentIndex retrieves background documents relevant to a user message.
//
// Retrieval is best-effort: an empty result is valid and retrieval errors
// must never fail a turn.
type DocumentIndex interface {
	// IndexDocument stores doc, computing its embedding if absent.
	IndexDocument(ctx context.Context, doc Document) error

	// FindRelevant returns up to limit documents for userID ranked by
	// semantic similarity to text (most similar first).
	FindRelevant(ctx context.Context, userID string, text string, limit int) ([]RetrievedDoc, error)
}
