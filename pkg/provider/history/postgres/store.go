// Package postgres provides a PostgreSQL-backed conversation history store.
//
// Messages live in a single conversation_messages table. When an embeddings
// provider is supplied, each message is stored with its embedding and search
// runs as a pgvector cosine nearest-neighbour query; without one, search
// falls back to PostgreSQL full-text search over the message content. The
// pgvector extension must be available in the target database; [Migrate]
// installs it via CREATE EXTENSION IF NOT EXISTS.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/murmurapp/voicebridge/pkg/provider/embeddings"
	"github.com/murmurapp/voicebridge/pkg/provider/history"
)

// Ensure Store implements the history.Store interface.
var _ history.Store = (*Store)(nil)

// Store is a PostgreSQL-backed [history.Store]. All operations are safe for
// concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

// DefaultEmbeddingDimensions is the vector column width used when neither an
// embedder nor [WithDimensions] supplies one.
const DefaultEmbeddingDimensions = 1536

// Option customises store construction.
type Option func(*storeOptions)

type storeOptions struct {
	dimensions int
}

// WithDimensions sets the vector column width used when no embedder is
// configured, so a store created before embeddings are enabled ends up with
// the right schema. Ignored when an embedder is supplied; its Dimensions()
// always wins, since the column must match what the model emits.
func WithDimensions(n int) Option {
	return func(o *storeOptions) {
		o.dimensions = n
	}
}

// NewStore creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// [Migrate] to ensure the schema exists.
//
// embedder may be nil, in which case messages are stored without embeddings
// and search uses full-text matching only. When non-nil, its Dimensions()
// fixes the vector column width; changing models after the first migration
// requires a manual schema change.
func NewStore(ctx context.Context, dsn string, embedder embeddings.Provider, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector
	// columns can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}

	var so storeOptions
	for _, opt := range opts {
		opt(&so)
	}

	dims := DefaultEmbeddingDimensions
	if so.dimensions > 0 {
		dims = so.dimensions
	}
	if embedder != nil {
		dims = embedder.Dimensions()
	}
	if err := Migrate(ctx, pool, dims); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: migrate: %w", err)
	}

	return &Store{pool: pool, embedder: embedder}, nil
}

// SaveMessage implements [history.Store].
func (s *Store) SaveMessage(ctx context.Context, userID, role, content string) error {
	if userID == "" || content == "" {
		return fmt.Errorf("history store: save message: user id and content are required")
	}

	var vec *pgvector.Vector
	if s.embedder != nil {
		embedding, err := s.embedder.Embed(ctx, content)
		if err != nil {
			return fmt.Errorf("history store: embed message: %w", err)
		}
		v := pgvector.NewVector(embedding)
		vec = &v
	}

	const q = `
		INSERT INTO conversation_messages (user_id, role, content, embedding)
		VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, q, userID, role, content, vec); err != nil {
		return fmt.Errorf("history store: save message: %w", err)
	}
	return nil
}

// Search implements [history.Store]. With an embedder it runs a cosine
// nearest-neighbour query; otherwise it falls back to full-text search.
// Results are ordered most relevant first.
func (s *Store) Search(ctx context.Context, userID, query string, limit int) ([]history.Result, error) {
	if limit <= 0 {
		limit = history.DefaultSearchLimit
	}

	if s.embedder != nil {
		embedding, err := s.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("history store: embed query: %w", err)
		}
		return s.searchByVector(ctx, userID, embedding, limit)
	}
	return s.searchByText(ctx, userID, query, limit)
}

func (s *Store) searchByVector(ctx context.Context, userID string, embedding []float32, limit int) ([]history.Result, error) {
	const q = `
		SELECT id, user_id, role, content, created_at,
		       embedding <=> $1 AS distance
		FROM   conversation_messages
		WHERE  user_id = $2
		  AND  embedding IS NOT NULL
		ORDER  BY distance
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("history store: vector search: %w", err)
	}
	return collectResults(rows)
}

func (s *Store) searchByText(ctx context.Context, userID, query string, limit int) ([]history.Result, error) {
	// Rank is inverted into a pseudo-distance so both search modes order
	// the same way.
	const q = `
		SELECT id, user_id, role, content, created_at,
		       1.0 - ts_rank(to_tsvector('english', content),
		                     websearch_to_tsquery('english', $2)) AS distance
		FROM   conversation_messages
		WHERE  user_id = $1
		  AND  to_tsvector('english', content) @@ websearch_to_tsquery('english', $2)
		ORDER  BY distance
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, userID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("history store: text search: %w", err)
	}
	return collectResults(rows)
}

func collectResults(rows pgx.Rows) ([]history.Result, error) {
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Result, error) {
		var r history.Result
		err := row.Scan(&r.ID, &r.UserID, &r.Role, &r.Content, &r.CreatedAt, &r.Distance)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("history store: scan rows: %w", err)
	}
	if results == nil {
		results = []history.Result{}
	}
	return results, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ddl returns the schema DDL with the embedding dimension substituted. The
// vector dimension is baked into the column type at schema creation time.
func ddl(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS conversation_messages (
    id          BIGSERIAL    PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    embedding   vector(%d),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_messages_user
    ON conversation_messages (user_id, created_at);

CREATE INDEX IF NOT EXISTS idx_conversation_messages_fts
    ON conversation_messages USING GIN (to_tsvector('english', content));

CREATE INDEX IF NOT EXISTS idx_conversation_messages_embedding
    ON conversation_messages USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures the history schema exists. It is idempotent and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddl(embeddingDimensions)); err != nil {
		return fmt.Errorf("history migrate: %w", err)
	}
	return nil
}
