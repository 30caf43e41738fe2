package rag

import (
	"context"
	"fmt"
	"sync"
)

// schemaOnce runs an initialization function until it first succeeds.
// Unlike [sync.Once] a failed attempt is retried by the next caller, so a
// store that was unreachable at startup recovers once it comes up.
type schemaOnce struct {
	// mu serializes concurrent first callers.
	mu sync.Mutex
	// done is set after the first successful run.
	done bool
}

// Do runs fn unless a previous call already succeeded.
func (o *schemaOnce) Do(ctx context.Context, fn func(context.Context) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return nil
	}
	if err := fn(ctx); err != nil {
		return err
	}
	o.done = true
	return nil
}

// MaxBatch bounds how many texts go to the embedder in one call and how many
// points go to the vector store in one write. Hosted embedding APIs reject
// requests above a few thousand inputs.
const MaxBatch = 256

// batches splits [0, n) into consecutive [lo, hi) ranges of at most size.
func batches(n, size int) [][2]int {
	var out [][2]int
	for lo := 0; lo < n; lo += size {
		out = append(out, [2]int{lo, min(lo+size, n)})
	}
	return out
}

// embedMissing fills in the embedding of every chunk that has none, in
// sub-batches of at most MaxBatch texts, and validates every vector's
// dimension.
func embedMissing(ctx context.Context, emb Embedder, dims int, chunks []Chunk) error {
	var (
		idx   []int
		texts []string
	)
	for i := range chunks {
		if len(chunks[i].Embedding) == 0 {
			idx = append(idx, i)
			texts = append(texts, chunks[i].Content)
		}
	}
	if len(texts) > 0 && emb == nil {
		return fmt.Errorf("rag: %d chunks have no embedding and no embedder is configured", len(texts))
	}
	for _, b := range batches(len(texts), MaxBatch) {
		part := texts[b[0]:b[1]]
		vecs, err := emb.EmbedBatch(ctx, part)
		if err != nil {
			return fmt.Errorf("rag: embed chunks %d-%d of %d: %w", b[0], b[1], len(texts), err)
		}
		if len(vecs) != len(part) {
			return fmt.Errorf("rag: embedder returned %d vectors for %d chunks", len(vecs), len(part))
		}
		for j, v := range vecs {
			chunks[idx[b[0]+j]].Embedding = v
		}
	}
	for i := range chunks {
		if err := checkDims(dims, chunks[i].Embedding); err != nil {
			return err
		}
	}
	return nil
}

// checkDims returns ErrDimensionMismatch when v does not have dims entries.
func checkDims(dims int, v []float32) error {
	if len(v) != dims {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), dims)
	}
	return nil
}
