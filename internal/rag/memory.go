package rag

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process VectorStore using brute-force cosine search.
// It backs tests and VECTOR_BACKEND=memory for local experiments.
type MemoryStore struct {
	// dims is the required vector length.
	dims int
	// embedder fills in missing chunk embeddings on Insert. May be nil.
	embedder Embedder

	// mu guards collections.
	mu sync.RWMutex
	// collections holds chunks per collection id in insertion order.
	collections map[string][]Chunk
}

// NewMemoryStore constructs an empty MemoryStore. dims <= 0 selects
// DefaultDimensions.
func NewMemoryStore(dims int, embedder Embedder) *MemoryStore {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &MemoryStore{
		dims:        dims,
		embedder:    embedder,
		collections: make(map[string][]Chunk),
	}
}

// EnsureSchema is a no-op for MemoryStore.
func (m *MemoryStore) EnsureSchema(context.Context) error { return nil }

// Insert embeds chunks that need it and appends them to the collection.
func (m *MemoryStore) Insert(ctx context.Context, collectionID string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	batch := make([]Chunk, len(chunks))
	copy(batch, chunks)
	if err := embedMissing(ctx, m.embedder, m.dims, batch); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range batch {
		c.ID = uuid.NewString()
		c.CollectionID = collectionID
		c.Metadata = c.Metadata.Clone()
		vec := make([]float32, len(c.Embedding))
		copy(vec, c.Embedding)
		c.Embedding = vec
		m.collections[collectionID] = append(m.collections[collectionID], c)
	}
	return nil
}

// Search scores every chunk of the collection and returns the top k.
// Ties keep insertion order.
func (m *MemoryStore) Search(_ context.Context, collectionID string, query []float32, k int) ([]RetrievalResult, error) {
	if err := checkDims(m.dims, query); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	chunks := m.collections[collectionID]
	if k <= 0 || len(chunks) == 0 {
		return nil, nil
	}
	results := make([]RetrievalResult, len(chunks))
	for i, c := range chunks {
		out := c
		out.Embedding = nil
		results[i] = RetrievalResult{Chunk: out, Score: CosineSimilarity(query, c.Embedding)}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if k > len(results) {
		k = len(results)
	}
	results = results[:k]
	for i := range results {
		if results[i].Chunk.Metadata != nil {
			results[i].Chunk.Metadata = results[i].Chunk.Metadata.Clone()
		}
	}
	return results, nil
}

// DeleteCollection drops every chunk of collectionID.
func (m *MemoryStore) DeleteCollection(_ context.Context, collectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, collectionID)
	return nil
}

// DeleteDocument drops the chunks of collectionID tagged with documentID.
func (m *MemoryStore) DeleteDocument(_ context.Context, collectionID, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chunks := m.collections[collectionID]
	kept := chunks[:0]
	for _, c := range chunks {
		if c.Metadata.DocumentID() != documentID {
			kept = append(kept, c)
		}
	}
	m.collections[collectionID] = kept
	return nil
}

// Len returns the number of chunks stored for collectionID.
func (m *MemoryStore) Len(collectionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[collectionID])
}

// Close is a no-op for MemoryStore.
func (m *MemoryStore) Close() error { return nil }

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// the lengths differ or either vector is all zeros.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
