package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/rueidis"

	"github.com/54b3r/kbai-go/internal/logging"
	"github.com/54b3r/kbai-go/internal/rag"
)

// cacheKeyPrefix namespaces embedding entries in the shared key-value store.
const cacheKeyPrefix = "kbai:emb:"

// errCacheMiss is returned by a KV when the key does not exist.
var errCacheMiss = errors.New("embedder: cache miss")

// KV is the minimal key-value contract the embedding cache needs.
type KV interface {
	// Get returns the stored value or errCacheMiss.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key.
	Set(ctx context.Context, key string, value []byte) error
}

// CachedEmbedder decorates a rag.Embedder with a content-addressed vector
// cache. Cache failures are logged and never fail the embed call.
type CachedEmbedder struct {
	// inner computes embeddings on a miss.
	inner rag.Embedder
	// kv stores encoded vectors.
	kv KV
	// model namespaces keys so a model change never serves stale vectors.
	model string
	// lookups counts hits and misses. May be nil.
	lookups *prometheus.CounterVec
}

// NewCachedEmbedder wraps inner. lookups must carry a single "result" label.
func NewCachedEmbedder(inner rag.Embedder, kv KV, model string, lookups *prometheus.CounterVec) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, kv: kv, model: model, lookups: lookups}
}

// Close releases the cache connection when the KV holds one.
func (c *CachedEmbedder) Close() error {
	if closer, ok := c.kv.(interface{ Close() }); ok {
		closer.Close()
	}
	return nil
}

// Embed returns the cached vector for text or computes and stores it.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch serves cached vectors and sends only the misses to the inner
// embedder, in a single batch.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missIdx   []int
		missTexts []string
	)
	for i, t := range texts {
		if vec, ok := c.get(ctx, c.key(t)); ok {
			c.count("hit")
			out[i] = vec
			continue
		}
		c.count("miss")
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, fmt.Errorf("embedder: embed cache misses: %w", err)
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("embedder: inner returned %d vectors for %d texts", len(vecs), len(missTexts))
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		c.put(ctx, c.key(missTexts[j]), vecs[j])
	}
	return out, nil
}

// key derives the cache key from the model and the text.
func (c *CachedEmbedder) key(text string) string {
	h := sha256.Sum256([]byte(c.model + "\x00" + text))
	return cacheKeyPrefix + hex.EncodeToString(h[:])
}

// get reads and decodes a cached vector.
func (c *CachedEmbedder) get(ctx context.Context, key string) ([]float32, bool) {
	data, err := c.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, errCacheMiss) {
			logging.FromContext(ctx).Warn("embedder: cache read failed", slog.String("key", key), slog.Any("error", err))
		}
		return nil, false
	}
	vec, err := decodeVector(data)
	if err != nil || len(vec) == 0 {
		return nil, false
	}
	return vec, true
}

// put encodes and stores a vector, logging failures.
func (c *CachedEmbedder) put(ctx context.Context, key string, vec []float32) {
	if err := c.kv.Set(ctx, key, encodeVector(vec)); err != nil {
		logging.FromContext(ctx).Warn("embedder: cache write failed", slog.String("key", key), slog.Any("error", err))
	}
}

// count increments the lookup counter when one is configured.
func (c *CachedEmbedder) count(result string) {
	if c.lookups != nil {
		c.lookups.WithLabelValues(result).Inc()
	}
}

// encodeVector packs v as little-endian float32s.
func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector is the inverse of encodeVector.
func decodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("embedder: cached vector has %d bytes, not a multiple of 4", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}

// RedisKV is a KV backed by Redis or Valkey through rueidis.
type RedisKV struct {
	// client is the rueidis connection.
	client rueidis.Client
	// ttl expires entries; zero keeps them forever.
	ttl time.Duration
}

// NewRedisKV connects to addr. Client-side caching is disabled so plain
// RESP2 servers work too.
func NewRedisKV(addr string, ttl time.Duration) (*RedisKV, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{addr},
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("embedder: connect to cache %s: %w", addr, err)
	}
	return &RedisKV{client: client, ttl: ttl}, nil
}

// Get implements KV.
func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Do(ctx, r.client.B().Get().Key(key).Build()).AsBytes()
	if rueidis.IsRedisNil(err) {
		return nil, errCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("embedder: redis get: %w", err)
	}
	return data, nil
}

// Set implements KV.
func (r *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	set := r.client.B().Set().Key(key).Value(rueidis.BinaryString(value))
	var cmd rueidis.Completed
	if r.ttl > 0 {
		cmd = set.Ex(r.ttl).Build()
	} else {
		cmd = set.Build()
	}
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("embedder: redis set: %w", err)
	}
	return nil
}

// Close releases the connection.
func (r *RedisKV) Close() {
	r.client.Close()
}
