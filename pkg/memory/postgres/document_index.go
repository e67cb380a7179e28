package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/attunehq/attune/pkg/memory"
	"github.com/attunehq/attune/pkg/provider/embeddings"
)

// DocumentIndexImpl is the semantic retrieval layer backed by a PostgreSQL
// documents table with a pgvector HNSW index for fast approximate
// nearest-neighbour search.
//
// Obtain one via [Store.Documents] rather than constructing directly.
// All methods are safe for concurrent use.
type DocumentIndexImpl struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

// IndexDocument implements [memory.DocumentIndex]. It upserts doc into the
// documents table, computing the embedding from doc.Content when
// doc.Embedding is empty. A missing ID is replaced with a fresh UUID.
func (d *DocumentIndexImpl) IndexDocument(ctx context.Context, doc memory.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if len(doc.Embedding) == 0 {
		vec, err := d.embedder.Embed(ctx, doc.Content)
		if err != nil {
			return fmt.Errorf("document index: embed: %w", err)
		}
		doc.Embedding = vec
	}

	const q = `
		INSERT INTO documents (id, user_id, source, type, content, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
		    user_id    = EXCLUDED.user_id,
		    source     = EXCLUDED.source,
		    type       = EXCLUDED.type,
		    content    = EXCLUDED.content,
		    embedding  = EXCLUDED.embedding,
		    created_at = EXCLUDED.created_at`

	_, err := d.pool.Exec(ctx, q,
		doc.ID,
		doc.UserID,
		doc.Source,
		doc.Type,
		doc.Content,
		pgvector.NewVector(doc.Embedding),
		doc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("document index: index document: %w", err)
	}
	return nil
}

// FindRelevant implements [memory.DocumentIndex]. It embeds text and returns
// the limit closest documents for userID by cosine distance, most similar
// first.
func (d *DocumentIndexImpl) FindRelevant(ctx context.Context, userID string, text string, limit int) ([]memory.RetrievedDoc, error) {
	if limit <= 0 {
		return []memory.RetrievedDoc{}, nil
	}

	queryVec, err := d.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("document index: embed query: %w", err)
	}

	const q = `
		SELECT source, content, type,
		       embedding <=> $2 AS distance
		FROM   documents
		WHERE  user_id = $1
		ORDER  BY distance
		LIMIT  $3`

	rows, err := d.pool.Query(ctx, q, userID, pgvector.NewVector(queryVec), limit)
	if err != nil {
		return nil, fmt.Errorf("document index: find relevant: %w", err)
	}

	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.RetrievedDoc, error) {
		var doc memory.RetrievedDoc
		if err := row.Scan(&doc.Source, &doc.Content, &doc.Type, &doc.Distance); err != nil {
			return memory.RetrievedDoc{}, err
		}
		return doc, nil
	})
	if err != nil {
		return nil, fmt.Errorf("document index: scan rows: %w", err)
	}
	if docs == nil {
		docs = []memory.RetrievedDoc{}
	}
	return docs, nil
}
