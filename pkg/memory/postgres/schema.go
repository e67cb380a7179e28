// Package postgres provides the PostgreSQL-backed implementation of the
// Attune persistence contracts ([memory.ConversationStore] and
// [memory.DocumentIndex]).
//
// Both contracts share a single [pgxpool.Pool] connection pool. The pgvector
// extension must be available in the target database; [Migrate] installs it
// automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, embedder)
//	if err != nil { … }
//
//	_ = store.Conversations().CreateMessage(ctx, msg)
//	docs, _ := store.Documents().FindRelevant(ctx, userID, text, 5)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id             TEXT         PRIMARY KEY,
    user_id        TEXT         NOT NULL,
    message_count  BIGINT       NOT NULL DEFAULT 0,
    max_risk       INT          NOT NULL DEFAULT 0,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_id
    ON sessions (user_id);
`

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
    id          TEXT         PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    user_id     TEXT         NOT NULL,
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    voice_mode  TEXT         NOT NULL DEFAULT '',
    tag         TEXT         NOT NULL DEFAULT '',
    mood        TEXT         NOT NULL DEFAULT '',
    risk_level  INT          NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_session_created
    ON messages (session_id, created_at);
`

const ddlConversationState = `
CREATE TABLE IF NOT EXISTS conversation_state (
    user_id     TEXT         PRIMARY KEY,
    mood        TEXT         NOT NULL DEFAULT '',
    themes      TEXT[]       NOT NULL DEFAULT '{}',
    summary     TEXT         NOT NULL DEFAULT '',
    context     JSONB        NOT NULL DEFAULT '{}',
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlRiskLogs = `
CREATE TABLE IF NOT EXISTS risk_logs (
    id          TEXT         PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    session_id  TEXT         NOT NULL,
    risk_level  INT          NOT NULL,
    themes      TEXT[]       NOT NULL DEFAULT '{}',
    excerpt     TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_risk_logs_user_created
    ON risk_logs (user_id, created_at);
`

// ddlDocuments returns the document index DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlDocuments(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS documents (
    id          TEXT         PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    source      TEXT         NOT NULL DEFAULT '',
    type        TEXT         NOT NULL DEFAULT '',
    content     TEXT         NOT NULL,
    embedding   vector(%d),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_documents_user_id
    ON documents (user_id);

CREATE INDEX IF NOT EXISTS idx_documents_embedding
    ON documents USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates all tables and indexes required by the store. Safe to run
// repeatedly; every statement is IF NOT EXISTS.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	stmts := []string{
		ddlSessions,
		ddlMessages,
		ddlConversationState,
		ddlRiskLogs,
		ddlDocuments(embeddingDimensions),
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
