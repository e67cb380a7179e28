package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/attunehq/attune/pkg/memory"
	"github.com/attunehq/attune/pkg/provider/embeddings"
)

// Compile-time interface checks.
var (
	_ memory.ConversationStore = (*ConversationStoreImpl)(nil)
	_ memory.DocumentIndex     = (*DocumentIndexImpl)(nil)
)

// Store is the central PostgreSQL-backed persistence layer for Attune. It
// holds a single [pgxpool.Pool] and exposes the two store contracts:
//
//   - [Store.Conversations] returns a [ConversationStoreImpl] implementing
//     [memory.ConversationStore]
//   - [Store.Documents] returns a [DocumentIndexImpl] implementing
//     [memory.DocumentIndex]
//
// All operations are safe for concurrent use.
type Store struct {
	pool          *pgxpool.Pool
	conversations *ConversationStoreImpl
	documents     *DocumentIndexImpl
}

// NewStore creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// [Migrate] to ensure all required tables and extensions exist.
//
// embedder produces query and document embeddings for the document index;
// its Dimensions() value is baked into the documents table's vector column
// at first migration. Changing the embedding model afterwards requires a
// manual schema change.
func NewStore(ctx context.Context, dsn string, embedder embeddings.Provider) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so vector columns can
	// be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embedder.Dimensions()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{
		pool:          pool,
		conversations: &ConversationStoreImpl{pool: pool},
		documents:     &DocumentIndexImpl{pool: pool, embedder: embedder},
	}, nil
}

// Conversations returns the persistence gateway implementation which
// satisfies [memory.ConversationStore].
func (s *Store) Conversations() *ConversationStoreImpl { return s.conversations }

// Documents returns the document index implementation which satisfies
// [memory.DocumentIndex].
func (s *Store) Documents() *DocumentIndexImpl { return s.documents }

// Ping verifies database connectivity. Used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
