// Package store provides the SQLite-backed records that sit beside the vector
// store: the generation config row read on every global-tier answer, and a
// catalog of ingested documents used to label sources by file name.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/54b3r/kbai-go/internal/provider"
)

// DefaultKey is the generation config row used when no key is given.
const DefaultKey = "default"

// ErrInvalidConfig is returned by Put for a record that fails validation.
var ErrInvalidConfig = errors.New("store: invalid generation config")

// ConfigStore reads and writes generation config records.
// Implementations must be safe for concurrent use.
type ConfigStore interface {
	// Get returns the record for key, creating the default row when absent.
	Get(ctx context.Context, key string) (provider.GenerationConfig, error)
	// Put replaces the record for key.
	Put(ctx context.Context, key string, cfg provider.GenerationConfig) error
}

// Document is one ingested document as recorded in the catalog.
type Document struct {
	// ID is the document identifier carried in chunk metadata.
	ID string
	// CollectionID is the knowledge base the document belongs to.
	CollectionID string
	// FileName is the human-readable name shown in source labels.
	FileName string
	// SourceURL links to the original, empty when unknown.
	SourceURL string
	// Chunks is the number of chunks stored for the document.
	Chunks int
	// IngestedAt is when the document was last ingested.
	IngestedAt time.Time
}

// SQLiteStore is a ConfigStore and document catalog backed by a local
// SQLite database.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// DefaultDBPath returns the default database path ~/.kbai/kbai.db, creating
// the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".kbai")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "kbai.db"), nil
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Single writer connection; also keeps ":memory:" to one database.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS generation_config (
    key                TEXT PRIMARY KEY,
    provider           TEXT NOT NULL,
    model              TEXT NOT NULL,
    temperature        REAL,
    max_tokens         INTEGER,
    top_p              REAL,
    top_k              INTEGER,
    frequency_penalty  REAL,
    presence_penalty   REAL,
    stop_sequences     TEXT,            -- JSON array, NULL when unset
    updated_at         INTEGER NOT NULL -- Unix timestamp (seconds)
);
CREATE TABLE IF NOT EXISTS documents (
    collection_id  TEXT    NOT NULL,
    document_id    TEXT    NOT NULL,
    file_name      TEXT    NOT NULL DEFAULT '',
    source_url     TEXT    NOT NULL DEFAULT '',
    chunks         INTEGER NOT NULL DEFAULT 0,
    ingested_at    INTEGER NOT NULL,
    PRIMARY KEY (collection_id, document_id)
);
CREATE INDEX IF NOT EXISTS idx_documents_document ON documents (document_id);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Get returns the generation config for key. A missing row is created with
// provider.DefaultGenerationConfig and that default is returned.
func (s *SQLiteStore) Get(ctx context.Context, key string) (provider.GenerationConfig, error) {
	if key == "" {
		key = DefaultKey
	}
	const q = `
SELECT provider, model, temperature, max_tokens, top_p, top_k,
       frequency_penalty, presence_penalty, stop_sequences
FROM   generation_config WHERE key = ?`

	var cfg provider.GenerationConfig
	var prov string
	var temp, topP, freqPen, presPen sql.NullFloat64
	var maxTokens, topK sql.NullInt64
	var stops sql.NullString
	err := s.db.QueryRowContext(ctx, q, key).Scan(&prov, &cfg.Model, &temp, &maxTokens, &topP, &topK, &freqPen, &presPen, &stops)
	if errors.Is(err, sql.ErrNoRows) {
		def := provider.DefaultGenerationConfig()
		if err := s.insertDefault(ctx, key, def); err != nil {
			return provider.GenerationConfig{}, err
		}
		return def, nil
	}
	if err != nil {
		return provider.GenerationConfig{}, fmt.Errorf("store: get config %q: %w", key, err)
	}

	cfg.Provider = provider.Provider(prov)
	cfg.Temperature = float32Ptr(temp)
	cfg.TopP = float32Ptr(topP)
	cfg.FrequencyPenalty = float32Ptr(freqPen)
	cfg.PresencePenalty = float32Ptr(presPen)
	if maxTokens.Valid {
		v := int(maxTokens.Int64)
		cfg.MaxTokens = &v
	}
	if topK.Valid {
		v := int32(topK.Int64)
		cfg.TopK = &v
	}
	if stops.Valid && stops.String != "" {
		if err := json.Unmarshal([]byte(stops.String), &cfg.StopSequences); err != nil {
			return provider.GenerationConfig{}, fmt.Errorf("store: decode stop sequences: %w", err)
		}
	}
	return cfg, nil
}

// insertDefault writes def for key unless another writer got there first.
func (s *SQLiteStore) insertDefault(ctx context.Context, key string, def provider.GenerationConfig) error {
	args, err := configArgs(def)
	if err != nil {
		return err
	}
	const q = `
INSERT OR IGNORE INTO generation_config
    (key, provider, model, temperature, max_tokens, top_p, top_k,
     frequency_penalty, presence_penalty, stop_sequences, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, append([]any{key}, args...)...); err != nil {
		return fmt.Errorf("store: create default config: %w", err)
	}
	return nil
}

// Put replaces the generation config for key.
func (s *SQLiteStore) Put(ctx context.Context, key string, cfg provider.GenerationConfig) error {
	if key == "" {
		key = DefaultKey
	}
	if _, err := provider.ParseProvider(string(cfg.Provider)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if cfg.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidConfig)
	}
	args, err := configArgs(cfg)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO generation_config
    (key, provider, model, temperature, max_tokens, top_p, top_k,
     frequency_penalty, presence_penalty, stop_sequences, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
    provider = excluded.provider,
    model = excluded.model,
    temperature = excluded.temperature,
    max_tokens = excluded.max_tokens,
    top_p = excluded.top_p,
    top_k = excluded.top_k,
    frequency_penalty = excluded.frequency_penalty,
    presence_penalty = excluded.presence_penalty,
    stop_sequences = excluded.stop_sequences,
    updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q, append([]any{key}, args...)...); err != nil {
		return fmt.Errorf("store: put config %q: %w", key, err)
	}
	return nil
}

// configArgs returns the column values of cfg after the key column.
func configArgs(cfg provider.GenerationConfig) ([]any, error) {
	var stops any
	if len(cfg.StopSequences) > 0 {
		b, err := json.Marshal(cfg.StopSequences)
		if err != nil {
			return nil, fmt.Errorf("store: encode stop sequences: %w", err)
		}
		stops = string(b)
	}
	return []any{
		string(cfg.Provider),
		cfg.Model,
		nullable(cfg.Temperature),
		nullable(cfg.MaxTokens),
		nullable(cfg.TopP),
		nullable(cfg.TopK),
		nullable(cfg.FrequencyPenalty),
		nullable(cfg.PresencePenalty),
		stops,
		time.Now().Unix(),
	}, nil
}

// RecordDocument upserts doc into the catalog.
func (s *SQLiteStore) RecordDocument(ctx context.Context, doc Document) error {
	if doc.ID == "" || doc.CollectionID == "" {
		return fmt.Errorf("store: record document: collection and document id are required")
	}
	ts := doc.IngestedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	const q = `
INSERT INTO documents (collection_id, document_id, file_name, source_url, chunks, ingested_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(collection_id, document_id) DO UPDATE SET
    file_name = excluded.file_name,
    source_url = excluded.source_url,
    chunks = excluded.chunks,
    ingested_at = excluded.ingested_at`
	if _, err := s.db.ExecContext(ctx, q, doc.CollectionID, doc.ID, doc.FileName, doc.SourceURL, doc.Chunks, ts.Unix()); err != nil {
		return fmt.Errorf("store: record document: %w", err)
	}
	return nil
}

// DocumentName returns the recorded file name of documentID, or "" when the
// document is unknown or was recorded without a name.
func (s *SQLiteStore) DocumentName(ctx context.Context, documentID string) (string, error) {
	const q = `
SELECT file_name FROM documents
WHERE  document_id = ? AND file_name <> ''
ORDER  BY ingested_at DESC LIMIT 1`
	var name string
	err := s.db.QueryRowContext(ctx, q, documentID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: document name: %w", err)
	}
	return name, nil
}

// Documents lists the catalog entries of collectionID, newest first.
func (s *SQLiteStore) Documents(ctx context.Context, collectionID string) ([]Document, error) {
	const q = `
SELECT document_id, file_name, source_url, chunks, ingested_at
FROM   documents WHERE collection_id = ?
ORDER  BY ingested_at DESC, document_id ASC`
	rows, err := s.db.QueryContext(ctx, q, collectionID)
	if err != nil {
		return nil, fmt.Errorf("store: documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d := Document{CollectionID: collectionID}
		var ts int64
		if err := rows.Scan(&d.ID, &d.FileName, &d.SourceURL, &d.Chunks, &ts); err != nil {
			return nil, fmt.Errorf("store: documents scan: %w", err)
		}
		d.IngestedAt = time.Unix(ts, 0)
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: documents rows: %w", err)
	}
	return docs, nil
}

// ForgetDocument removes one document from the catalog.
func (s *SQLiteStore) ForgetDocument(ctx context.Context, collectionID, documentID string) error {
	const q = `DELETE FROM documents WHERE collection_id = ? AND document_id = ?`
	if _, err := s.db.ExecContext(ctx, q, collectionID, documentID); err != nil {
		return fmt.Errorf("store: forget document: %w", err)
	}
	return nil
}

// ForgetCollection removes every catalog entry of collectionID.
func (s *SQLiteStore) ForgetCollection(ctx context.Context, collectionID string) error {
	const q = `DELETE FROM documents WHERE collection_id = ?`
	if _, err := s.db.ExecContext(ctx, q, collectionID); err != nil {
		return fmt.Errorf("store: forget collection: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

// nullable returns *p, or nil for a SQL NULL.
func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

// float32Ptr converts a nullable REAL column.
func float32Ptr(v sql.NullFloat64) *float32 {
	if !v.Valid {
		return nil
	}
	f := float32(v.Float64)
	return &f
}
