// Package rag defines the storage-side building blocks of the knowledge-base
// pipeline: chunks, retrieval results, the collection-scoped vector store and
// the embedder. Concrete stores (Qdrant, pgvector, in-memory) satisfy
// [VectorStore] so the orchestrator never depends on a specific backend.
package rag

import (
	"context"
	"fmt"
)

// DefaultDimensions is the embedding size a deployment uses when
// EMBEDDING_DIMENSIONS is not set (text-embedding-3-small).
const DefaultDimensions = 1536

// Well-known metadata keys. Any other key is carried through untouched.
const (
	// MetaDocumentID identifies the source document of a chunk.
	MetaDocumentID = "documentId"
	// MetaFileName is the original file name of the source document.
	MetaFileName = "fileName"
	// MetaSourceURL is a URL pointing at the source document.
	MetaSourceURL = "sourceUrl"
	// MetaPageCount is the number of pages in the source document.
	MetaPageCount = "pageCount"
)

// Metadata is the provenance record attached to every chunk of a document.
type Metadata map[string]any

// DocumentID returns the documentId entry, or "" when absent.
func (m Metadata) DocumentID() string { return m.str(MetaDocumentID) }

// FileName returns the fileName entry, or "" when absent.
func (m Metadata) FileName() string { return m.str(MetaFileName) }

// SourceURL returns the sourceUrl entry, or "" when absent.
func (m Metadata) SourceURL() string { return m.str(MetaSourceURL) }

// Clone returns a shallow copy so each chunk owns its own map.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// str renders a metadata value as a string. Non-string scalars (numeric
// document ids decoded from JSON, for example) are formatted with %v.
func (m Metadata) str(key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Chunk is a bounded span of a document's text stored with its embedding.
type Chunk struct {
	// ID is the unique identifier assigned by the store on insert.
	ID string

	// CollectionID is the knowledge base this chunk belongs to.
	CollectionID string

	// Content is the raw text of the chunk.
	Content string

	// Metadata is the provenance record of the source document.
	Metadata Metadata

	// Embedding is the dense vector for Content. Nil means not yet embedded.
	Embedding []float32
}

// RetrievalResult pairs a chunk with its cosine similarity to the query.
// Higher scores are more relevant.
type RetrievalResult struct {
	// Chunk is the matched chunk. Embedding is not populated on search.
	Chunk Chunk

	// Score is the cosine similarity in [-1, 1].
	Score float64
}

// VectorStore persists chunks and answers similarity queries. Every call is
// scoped to a single collection; merging across collections is the caller's
// job. Implementations must be safe to call from multiple goroutines.
type VectorStore interface {
	// EnsureSchema performs one-time, idempotent creation of the storage
	// structure and similarity index. Concurrent first callers do not race.
	EnsureSchema(ctx context.Context) error

	// Insert persists chunks into collectionID, embedding any chunk that
	// arrives without a vector. Duplicate content is not rejected.
	Insert(ctx context.Context, collectionID string, chunks []Chunk) error

	// Search returns up to k chunks of collectionID ordered by descending
	// cosine similarity to query.
	Search(ctx context.Context, collectionID string, query []float32, k int) ([]RetrievalResult, error)

	// DeleteCollection removes every chunk of collectionID. Idempotent.
	DeleteCollection(ctx context.Context, collectionID string) error

	// DeleteDocument removes the chunks of collectionID tagged with documentID.
	DeleteDocument(ctx context.Context, collectionID, documentID string) error

	// Close releases any resources held by the store.
	Close() error
}

// Embedder converts text into dense vectors of a fixed dimension.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a single text into its embedding.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts texts into embeddings. The result is parallel to texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}
