package rag

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // registers the "postgres" driver
)

// PGVectorConfig holds connection parameters for a PostgreSQL database with
// the pgvector extension.
type PGVectorConfig struct {
	// DSN is the lib/pq connection string (e.g. "postgres://u:p@host/db?sslmode=disable").
	DSN string

	// Table is the chunk table name (default: rag_chunks).
	Table string

	// Dimensions is the fixed embedding size of the vector column.
	Dimensions int
}

// PGVectorStore implements VectorStore on PostgreSQL + pgvector. Similarity
// is 1 - cosine distance, served by an HNSW index over vector_cosine_ops.
type PGVectorStore struct {
	// db is the shared connection pool.
	db *sql.DB

	// table is the validated chunk table name.
	table string

	// dims is the vector column size.
	dims int

	// embedder fills in missing chunk embeddings on Insert. May be nil.
	embedder Embedder

	// schema guards extension, table and index creation.
	schema schemaOnce
}

// NewPGVectorStore opens a connection pool. The schema is created on first use.
func NewPGVectorStore(cfg *PGVectorConfig, embedder Embedder) (*PGVectorStore, error) {
	if cfg.DSN == "" {
		return nil, &ConfigurationError{Component: "pgvector", Setting: "PGVECTOR_DSN"}
	}
	table := cfg.Table
	if table == "" {
		table = "rag_chunks"
	}
	if !validIdent(table) {
		return nil, fmt.Errorf("pgvector: invalid table name %q", table)
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = DefaultDimensions
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, unavailable("pgvector: open", err)
	}
	return &PGVectorStore{db: db, table: table, dims: dims, embedder: embedder}, nil
}

// EnsureSchema creates the pgvector extension, the chunk table and its indexes.
func (s *PGVectorStore) EnsureSchema(ctx context.Context) error {
	return s.schema.Do(ctx, s.migrate)
}

// migrate runs idempotent DDL.
func (s *PGVectorStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id            UUID PRIMARY KEY,
			collection_id TEXT NOT NULL,
			content       TEXT NOT NULL,
			metadata      JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding     vector(%d) NOT NULL,
			seq           BIGSERIAL
		)`, s.table, s.dims),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_collection_idx ON %s (collection_id)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_document_idx ON %s (collection_id, (metadata->>'documentId'))`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return unavailable("pgvector: migrate", err)
		}
	}
	return nil
}

// Insert embeds chunks that need it and writes them in one transaction.
func (s *PGVectorStore) Insert(ctx context.Context, collectionID string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	batch := make([]Chunk, len(chunks))
	copy(batch, chunks)
	if err := embedMissing(ctx, s.embedder, s.dims, batch); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("pgvector: begin tx", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, collection_id, content, metadata, embedding)
		 VALUES ($1, $2, $3, $4::jsonb, $5::vector)`, s.table))
	if err != nil {
		return unavailable("pgvector: prepare insert", err)
	}
	defer stmt.Close()

	for _, c := range batch {
		meta := c.Metadata
		if meta == nil {
			meta = Metadata{}
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("pgvector: encode metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			uuid.NewString(), collectionID, c.Content, string(metaJSON), vectorToString(c.Embedding),
		); err != nil {
			return unavailable("pgvector: insert chunk", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("pgvector: commit", err)
	}
	return nil
}

// Search returns the k nearest chunks of collectionID by cosine distance.
func (s *PGVectorStore) Search(ctx context.Context, collectionID string, query []float32, k int) ([]RetrievalResult, error) {
	if err := checkDims(s.dims, query); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	q := fmt.Sprintf(`SELECT id, content, metadata, 1 - (embedding <=> $1::vector) AS similarity
		FROM %s
		WHERE collection_id = $2
		ORDER BY embedding <=> $1::vector, seq
		LIMIT $3`, s.table)
	rows, err := s.db.QueryContext(ctx, q, vectorToString(query), collectionID, k)
	if err != nil {
		return nil, unavailable("pgvector: search", err)
	}
	defer rows.Close()

	var results []RetrievalResult
	for rows.Next() {
		var (
			c        = Chunk{CollectionID: collectionID}
			metaJSON []byte
			score    float64
		)
		if err := rows.Scan(&c.ID, &c.Content, &metaJSON, &score); err != nil {
			return nil, fmt.Errorf("pgvector: scan: %w", err)
		}
		if err := json.Unmarshal(metaJSON, &c.Metadata); err != nil {
			return nil, fmt.Errorf("pgvector: decode metadata of %s: %w", c.ID, err)
		}
		results = append(results, RetrievalResult{Chunk: c, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("pgvector: iterate rows", err)
	}
	return results, nil
}

// DeleteCollection removes every chunk of collectionID.
func (s *PGVectorStore) DeleteCollection(ctx context.Context, collectionID string) error {
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE collection_id = $1`, s.table)
	if _, err := s.db.ExecContext(ctx, q, collectionID); err != nil {
		return unavailable("pgvector: delete collection", err)
	}
	return nil
}

// DeleteDocument removes the chunks of collectionID whose metadata documentId
// equals documentID.
func (s *PGVectorStore) DeleteDocument(ctx context.Context, collectionID, documentID string) error {
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE collection_id = $1 AND metadata->>'documentId' = $2`, s.table)
	if _, err := s.db.ExecContext(ctx, q, collectionID, documentID); err != nil {
		return unavailable("pgvector: delete document", err)
	}
	return nil
}

// Ping verifies the database connection is alive.
func (s *PGVectorStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("pgvector: ping", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PGVectorStore) Close() error {
	return s.db.Close() //nolint:wrapcheck // passthrough
}

// vectorToString converts a float32 slice to pgvector text format: [0.1,0.2,0.3].
func vectorToString(v []float32) string {
	parts := make([]string, len(v))
	for i, val := range v {
		parts[i] = strconv.FormatFloat(float64(val), 'g', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// validIdent reports whether s is a plain SQL identifier safe to interpolate.
func validIdent(s string) bool {
	if s == "" || len(s) > 63 {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
