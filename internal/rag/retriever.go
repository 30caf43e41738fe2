package rag

import (
	"context"
	"fmt"
)

// Retriever combines an Embedder and a VectorStore: it embeds the query at
// retrieval time and delegates collection-scoped similarity search to the
// store. It is safe to call from multiple goroutines.
type Retriever struct {
	// embedder converts query text to a dense vector.
	embedder Embedder

	// store performs the vector similarity search.
	store VectorStore
}

// NewRetriever constructs a Retriever from the given Embedder and VectorStore.
func NewRetriever(embedder Embedder, store VectorStore) (*Retriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("rag: embedder must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("rag: store must not be nil")
	}
	return &Retriever{embedder: embedder, store: store}, nil
}

// Store returns the underlying vector store.
func (r *Retriever) Store() VectorStore { return r.store }

// EmbedQuery embeds a query string once so it can be reused across collections.
func (r *Retriever) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("rag: embedding query failed: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("rag: embedder returned empty result for query")
	}
	return vec, nil
}

// Retrieve embeds query and returns the top-k chunks of collectionID.
func (r *Retriever) Retrieve(ctx context.Context, collectionID, query string, k int) ([]RetrievalResult, error) {
	vec, err := r.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.SearchVector(ctx, collectionID, vec, k)
}

// SearchVector searches collectionID with a pre-computed query vector. Every
// returned result is tagged with collectionID.
func (r *Retriever) SearchVector(ctx context.Context, collectionID string, vec []float32, k int) ([]RetrievalResult, error) {
	results, err := r.store.Search(ctx, collectionID, vec, k)
	if err != nil {
		return nil, fmt.Errorf("rag: vector search in %q failed: %w", collectionID, err)
	}
	for i := range results {
		results[i].Chunk.CollectionID = collectionID
	}
	return results, nil
}
