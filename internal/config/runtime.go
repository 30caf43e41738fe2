package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/54b3r/kbai-go/internal/rag"
	"github.com/54b3r/kbai-go/internal/store"
)

// Vector store backends accepted by VECTOR_BACKEND.
const (
	BackendQdrant   = "qdrant"
	BackendPGVector = "pgvector"
	BackendMemory   = "memory"
)

// Runtime holds the typed tunables resolved from the environment after Load
// and LoadDotEnv have run. Zero numeric values mean "use the component
// default".
type Runtime struct {
	// TopK is RAG_TOP_K.
	TopK int
	// InstructionsMaxChars is RAG_INSTRUCTIONS_MAX_CHARS.
	InstructionsMaxChars int
	// ConfigTTL is GENERATION_CONFIG_TTL, a duration ("10s") or whole seconds.
	ConfigTTL time.Duration
	// Offline is KBAI_OFFLINE.
	Offline bool
	// MaxContextTokens is PROMPT_MAX_CONTEXT_TOKENS.
	MaxContextTokens int
	// ChunkSize is RAG_CHUNK_SIZE.
	ChunkSize int
	// ChunkOverlap is RAG_CHUNK_OVERLAP.
	ChunkOverlap int
	// QueryTimeout is RAG_QUERY_TIMEOUT; zero means no orchestrator deadline.
	QueryTimeout time.Duration

	// VectorBackend is VECTOR_BACKEND (default qdrant).
	VectorBackend string
	// Qdrant holds QDRANT_* settings.
	Qdrant QdrantConfig
	// PGVector holds PGVECTOR_* settings.
	PGVector PGVectorConfig

	// DBPath is KBAI_DB; empty selects the default ~/.kbai/kbai.db.
	DBPath string
	// Server holds KBAI_HOST, KBAI_PORT and KBAI_API_KEY.
	Server ServerConfig
}

// RuntimeFromEnv resolves Runtime from the environment. Every malformed
// value is reported, not just the first.
func RuntimeFromEnv() (Runtime, error) {
	p := envParser{}
	rt := Runtime{
		TopK:                 p.intVar("RAG_TOP_K"),
		InstructionsMaxChars: p.intVar("RAG_INSTRUCTIONS_MAX_CHARS"),
		ConfigTTL:            p.durationVar("GENERATION_CONFIG_TTL", store.DefaultConfigTTL),
		Offline:              p.boolVar("KBAI_OFFLINE"),
		MaxContextTokens:     p.intVar("PROMPT_MAX_CONTEXT_TOKENS"),
		ChunkSize:            p.intVar("RAG_CHUNK_SIZE"),
		ChunkOverlap:         p.intVar("RAG_CHUNK_OVERLAP"),
		QueryTimeout:         p.durationVar("RAG_QUERY_TIMEOUT", 0),
		VectorBackend:        trimLower(os.Getenv("VECTOR_BACKEND")),
		Qdrant: QdrantConfig{
			Host:       os.Getenv("QDRANT_HOST"),
			Port:       p.intVar("QDRANT_PORT"),
			Collection: os.Getenv("QDRANT_COLLECTION"),
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			TLS:        p.boolVar("QDRANT_TLS"),
		},
		PGVector: PGVectorConfig{
			DSN:   os.Getenv("PGVECTOR_DSN"),
			Table: os.Getenv("PGVECTOR_TABLE"),
		},
		DBPath: os.Getenv("KBAI_DB"),
		Server: ServerConfig{
			Host:   os.Getenv("KBAI_HOST"),
			Port:   p.intVar("KBAI_PORT"),
			APIKey: os.Getenv("KBAI_API_KEY"),
		},
	}

	if rt.VectorBackend == "" {
		rt.VectorBackend = BackendQdrant
	}
	switch rt.VectorBackend {
	case BackendQdrant, BackendMemory:
	case BackendPGVector:
		if rt.PGVector.DSN == "" {
			p.errs = append(p.errs, &rag.ConfigurationError{Component: "vector store", Setting: "PGVECTOR_DSN"})
		}
	default:
		p.errs = append(p.errs, fmt.Errorf("VECTOR_BACKEND: unknown backend %q (valid: qdrant, pgvector, memory)", rt.VectorBackend))
	}

	if err := errors.Join(p.errs...); err != nil {
		return Runtime{}, fmt.Errorf("config: %w", err)
	}
	return rt, nil
}

// envParser accumulates parse errors across several lookups.
type envParser struct {
	// errs collects one error per malformed variable.
	errs []error
}

// intVar parses key as a non-negative integer; unset yields 0.
func (p *envParser) intVar(key string) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		p.errs = append(p.errs, fmt.Errorf("%s: want a non-negative integer, got %q", key, raw))
		return 0
	}
	return v
}

// boolVar parses key with strconv.ParseBool; unset yields false.
func (p *envParser) boolVar(key string) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: want a boolean, got %q", key, raw))
		return false
	}
	return v
}

// durationVar parses key as a Go duration or whole seconds; unset yields def.
func (p *envParser) durationVar(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		p.errs = append(p.errs, fmt.Errorf("%s: want a duration like 5s, got %q", key, raw))
		return def
	}
	return d
}
