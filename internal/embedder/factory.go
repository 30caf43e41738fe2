package embedder

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/kbai-go/internal/rag"
)

// Default embedding models per backend.
const (
	defaultOllamaModel = "nomic-embed-text"
	defaultOpenAIModel = "text-embedding-3-small"

	// defaultOllamaDimensions is the output dimension of nomic-embed-text.
	defaultOllamaDimensions = 768
)

// DefaultDimensions returns the embedding vector size for the given backend.
// EMBEDDING_DIMENSIONS always takes precedence when set.
func DefaultDimensions(backend string) int {
	if v := getEnvInt("EMBEDDING_DIMENSIONS", 0); v > 0 {
		return v
	}
	if backend == "ollama" {
		return defaultOllamaDimensions
	}
	return rag.DefaultDimensions
}

// Backend returns the configured embedding backend name.
func Backend() string {
	return getEnvOrDefault("EMBEDDING_PROVIDER", "openai")
}

// NewFromEnv constructs a rag.Embedder from environment variables.
//
//	EMBEDDING_PROVIDER   = openai | azure | ollama (default: openai)
//	EMBEDDING_MODEL      overrides the backend's default model
//	EMBEDDING_API_KEY    overrides OPENAI_API_KEY / AZURE_OPENAI_API_KEY
//	EMBEDDING_ENDPOINT   overrides the API base / OLLAMA_HOST / AZURE_OPENAI_ENDPOINT
//	EMBEDDING_DIMENSIONS overrides the vector size (openai/azure: 1536, ollama: 768)
//	EMBEDDING_CACHE_ADDR enables a Redis/Valkey vector cache (host:port)
//	EMBEDDING_CACHE_TTL  cache entry lifetime (default: 168h)
//	OLLAMA_KEEP_ALIVE    how long Ollama keeps the embedding model loaded
//
// A missing credential yields a *rag.ConfigurationError.
func NewFromEnv(reg prometheus.Registerer) (rag.Embedder, error) {
	backend := Backend()
	model := getEnv("EMBEDDING_MODEL")

	var inner rag.Embedder
	switch backend {
	case "ollama":
		host := getEnv("EMBEDDING_ENDPOINT")
		if host == "" {
			host = getEnvOrDefault("OLLAMA_HOST", "http://localhost:11434")
		}
		if model == "" {
			model = defaultOllamaModel
		}
		inner = NewOllamaEmbedder(&OllamaConfig{
			Host:       host,
			Model:      model,
			Dimensions: getEnvInt("EMBEDDING_DIMENSIONS", 0),
			KeepAlive:  getEnv("OLLAMA_KEEP_ALIVE"),
		})

	case "openai":
		apiKey := firstEnv("EMBEDDING_API_KEY", "OPENAI_API_KEY")
		if apiKey == "" {
			return nil, &rag.ConfigurationError{Component: "embedder", Setting: "OPENAI_API_KEY"}
		}
		if model == "" {
			model = defaultOpenAIModel
		}
		inner = NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    getEnv("EMBEDDING_ENDPOINT"),
			APIKey:     apiKey,
			Model:      model,
			Dimensions: DefaultDimensions(backend),
		})

	case "azure":
		apiKey := firstEnv("EMBEDDING_API_KEY", "AZURE_OPENAI_API_KEY")
		if apiKey == "" {
			return nil, &rag.ConfigurationError{Component: "embedder", Setting: "AZURE_OPENAI_API_KEY"}
		}
		endpoint := firstEnv("EMBEDDING_ENDPOINT", "AZURE_OPENAI_ENDPOINT")
		if endpoint == "" {
			return nil, &rag.ConfigurationError{Component: "embedder", Setting: "AZURE_OPENAI_ENDPOINT"}
		}
		if model == "" {
			model = defaultOpenAIModel
		}
		inner = NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    endpoint,
			APIKey:     apiKey,
			Model:      model,
			Dimensions: DefaultDimensions(backend),
			Azure:      true,
			APIVersion: getEnvOrDefault("AZURE_OPENAI_API_VERSION", "2025-04-01-preview"),
		})

	default:
		return nil, fmt.Errorf("embedder: unknown backend %q (valid: openai, azure, ollama)", backend)
	}

	addr := getEnv("EMBEDDING_CACHE_ADDR")
	if addr == "" {
		return inner, nil
	}
	ttl, err := time.ParseDuration(getEnvOrDefault("EMBEDDING_CACHE_TTL", "168h"))
	if err != nil {
		return nil, fmt.Errorf("embedder: invalid EMBEDDING_CACHE_TTL: %w", err)
	}
	kv, err := NewRedisKV(addr, ttl)
	if err != nil {
		return nil, err
	}
	return NewCachedEmbedder(inner, kv, backend+"/"+model, newCacheCounter(reg)), nil
}

// newCacheCounter registers the cache lookup counter on reg. A nil reg
// disables the metric.
func newCacheCounter(reg prometheus.Registerer) *prometheus.CounterVec {
	if reg == nil {
		return nil
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kbai",
		Name:      "embedding_cache_lookups_total",
		Help:      "Embedding cache lookups by result (hit or miss).",
	}, []string{"result"})
	if err := reg.Register(c); err != nil {
		return nil
	}
	return c
}

// Registry owns the process-wide embedder. The first successful
// construction is reused for the lifetime of the registry; a failed
// construction is retried on the next call. Registry itself satisfies
// rag.Embedder so callers can hold it before credentials are validated.
type Registry struct {
	// build constructs the embedder on first use.
	build func() (rag.Embedder, error)

	// mu guards emb.
	mu sync.Mutex
	// emb is the cached embedder, nil until the first successful build.
	emb rag.Embedder
}

// NewRegistry returns a Registry that constructs its embedder with build.
func NewRegistry(build func() (rag.Embedder, error)) *Registry {
	return &Registry{build: build}
}

// Get returns the cached embedder, constructing it on first use.
func (r *Registry) Get() (rag.Embedder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.emb != nil {
		return r.emb, nil
	}
	emb, err := r.build()
	if err != nil {
		return nil, err
	}
	r.emb = emb
	return emb, nil
}

// Close releases the built embedder's resources, if it holds any. A later
// Get constructs a fresh one.
func (r *Registry) Close() error {
	r.mu.Lock()
	emb := r.emb
	r.emb = nil
	r.mu.Unlock()
	if closer, ok := emb.(io.Closer); ok {
		return closer.Close() //nolint:wrapcheck // passthrough
	}
	return nil
}

// Embed implements rag.Embedder.
func (r *Registry) Embed(ctx context.Context, text string) ([]float32, error) {
	emb, err := r.Get()
	if err != nil {
		return nil, err
	}
	return emb.Embed(ctx, text) //nolint:wrapcheck // passthrough
}

// EmbedBatch implements rag.Embedder.
func (r *Registry) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	emb, err := r.Get()
	if err != nil {
		return nil, err
	}
	return emb.EmbedBatch(ctx, texts) //nolint:wrapcheck // passthrough
}

// getEnv returns the value of the named environment variable, or empty string.
func getEnv(key string) string {
	return os.Getenv(key)
}

// firstEnv returns the first non-empty value among keys.
func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
