// Package config provides YAML and .env configuration for kbai.
// Configuration is loaded with a layered precedence, lowest first:
// defaults → .env file → YAML file → env vars. Environment variables always
// win, so existing deployments are unaffected by a stray file.
//
// YAML file search order:
//  1. --config CLI flag (explicit path)
//  2. KBAI_CONFIG environment variable
//  3. ~/.kbai/config.yaml
//  4. ./kbai.yaml
//
// If no file is found the system runs entirely from env vars.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration structure.
// Field names use yaml tags that mirror the env var naming (lowercase, underscored).
type Config struct {
	// Generation holds the chat provider credentials. The provider and model
	// themselves live in the generation config record, not here.
	Generation GenerationConfig `yaml:"generation"`

	// Embedding configures the embedding provider.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// VectorStore selects and configures the chunk store.
	VectorStore VectorStoreConfig `yaml:"vector_store"`

	// RAG holds retrieval and prompt tunables.
	RAG RAGConfig `yaml:"rag"`

	// Server configures the HTTP server.
	Server ServerConfig `yaml:"server"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// Store configures the SQLite config record and document catalog.
	Store StoreConfig `yaml:"store"`

	// Tracing configures Langfuse tracing integration.
	Tracing TracingConfig `yaml:"tracing"`
}

// GenerationConfig holds chat provider credentials and endpoints.
type GenerationConfig struct {
	// OpenAIAPIKey is the OpenAI API key. Prefer env var OPENAI_API_KEY.
	OpenAIAPIKey string `yaml:"openai_api_key"`
	// OpenAIBaseURL overrides the OpenAI API base URL.
	OpenAIBaseURL string `yaml:"openai_base_url"`
	// GoogleAPIKey is the Gemini API key. Prefer env var GOOGLE_API_KEY.
	GoogleAPIKey string `yaml:"google_api_key"`
	// AnthropicAPIKey is the Anthropic API key. Prefer env var ANTHROPIC_API_KEY.
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	// OllamaHost is the Ollama API endpoint.
	OllamaHost string `yaml:"ollama_host"`
	// ArkAPIKey is the Volcengine Ark API key. Prefer env var ARK_API_KEY.
	ArkAPIKey string `yaml:"ark_api_key"`
	// ArkBaseURL overrides the Ark API base URL.
	ArkBaseURL string `yaml:"ark_base_url"`
	// WebSearchAPIKey enables web-search augmented global answers.
	// Prefer env var WEB_SEARCH_API_KEY.
	WebSearchAPIKey string `yaml:"web_search_api_key"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// Provider selects the embedding backend (openai, azure, ollama).
	Provider string `yaml:"provider"`
	// Model is the embedding model name.
	Model string `yaml:"model"`
	// Dimensions overrides the embedding vector size.
	Dimensions int `yaml:"dimensions"`
	// APIKey is the embedding API key. Prefer env var EMBEDDING_API_KEY.
	APIKey string `yaml:"api_key"`
	// Endpoint is the embedding API endpoint.
	Endpoint string `yaml:"endpoint"`
	// CacheAddr is the Redis/Valkey address of the embedding cache.
	CacheAddr string `yaml:"cache_addr"`
	// CacheTTL is the embedding cache entry lifetime (e.g. "168h").
	CacheTTL string `yaml:"cache_ttl"`
	// OllamaKeepAlive keeps the Ollama embedding model loaded (e.g. "10m").
	OllamaKeepAlive string `yaml:"ollama_keep_alive"`
}

// VectorStoreConfig selects the chunk store backend.
type VectorStoreConfig struct {
	// Backend is qdrant, pgvector or memory.
	Backend string `yaml:"backend"`
	// Qdrant holds Qdrant connection settings.
	Qdrant QdrantConfig `yaml:"qdrant"`
	// PGVector holds PostgreSQL connection settings.
	PGVector PGVectorConfig `yaml:"pgvector"`
}

// QdrantConfig holds Qdrant vector store settings.
type QdrantConfig struct {
	// Host is the Qdrant server hostname.
	Host string `yaml:"host"`
	// Port is the Qdrant gRPC port.
	Port int `yaml:"port"`
	// Collection is the Qdrant collection name.
	Collection string `yaml:"collection"`
	// APIKey is the Qdrant API key. Prefer env var QDRANT_API_KEY.
	APIKey string `yaml:"api_key"`
	// TLS enables TLS for the Qdrant connection.
	TLS bool `yaml:"tls"`
}

// PGVectorConfig holds pgvector settings.
type PGVectorConfig struct {
	// DSN is the PostgreSQL connection string. Prefer env var PGVECTOR_DSN.
	DSN string `yaml:"dsn"`
	// Table is the chunk table name.
	Table string `yaml:"table"`
}

// RAGConfig holds retrieval and prompt tunables.
type RAGConfig struct {
	// TopK is the single-collection similarity top-k.
	TopK int `yaml:"top_k"`
	// InstructionsMaxChars caps custom instructions.
	InstructionsMaxChars int `yaml:"instructions_max_chars"`
	// ConfigTTL is how long the generation config record is cached.
	ConfigTTL string `yaml:"config_ttl"`
	// Offline disables web search in the global tier.
	Offline bool `yaml:"offline"`
	// MaxContextTokens trims history when the prompt would exceed it.
	MaxContextTokens int `yaml:"max_context_tokens"`
	// ChunkSize is the ingestion chunk window in runes.
	ChunkSize int `yaml:"chunk_size"`
	// ChunkOverlap is the overlap between consecutive chunks in runes.
	ChunkOverlap int `yaml:"chunk_overlap"`
	// QueryTimeout bounds each query end to end (e.g. "90s").
	QueryTimeout string `yaml:"query_timeout"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the bind address.
	Host string `yaml:"host"`
	// Port is the TCP port.
	Port int `yaml:"port"`
	// APIKey is the Bearer token for API authentication. Prefer env var KBAI_API_KEY.
	APIKey string `yaml:"api_key"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is the log output format: json, text.
	Format string `yaml:"format"`
}

// StoreConfig holds SQLite settings.
type StoreConfig struct {
	// DBPath is the SQLite database path.
	DBPath string `yaml:"db_path"`
}

// TracingConfig holds Langfuse tracing settings.
type TracingConfig struct {
	// PublicKey is the Langfuse public key. Prefer env var LANGFUSE_PUBLIC_KEY.
	PublicKey string `yaml:"public_key"`
	// SecretKey is the Langfuse secret key. Prefer env var LANGFUSE_SECRET_KEY.
	SecretKey string `yaml:"secret_key"`
	// Host is the Langfuse API host.
	Host string `yaml:"host"`
}

// envMapping maps YAML config fields to their corresponding env var names.
// Only non-empty YAML values are applied; env vars always take precedence.
var envMapping = []struct {
	envKey string
	value  func(*Config) string
}{
	{"OPENAI_API_KEY", func(c *Config) string { return c.Generation.OpenAIAPIKey }},
	{"OPENAI_BASE_URL", func(c *Config) string { return c.Generation.OpenAIBaseURL }},
	{"GOOGLE_API_KEY", func(c *Config) string { return c.Generation.GoogleAPIKey }},
	{"ANTHROPIC_API_KEY", func(c *Config) string { return c.Generation.AnthropicAPIKey }},
	{"OLLAMA_HOST", func(c *Config) string { return c.Generation.OllamaHost }},
	{"ARK_API_KEY", func(c *Config) string { return c.Generation.ArkAPIKey }},
	{"ARK_BASE_URL", func(c *Config) string { return c.Generation.ArkBaseURL }},
	{"WEB_SEARCH_API_KEY", func(c *Config) string { return c.Generation.WebSearchAPIKey }},
	{"EMBEDDING_PROVIDER", func(c *Config) string { return c.Embedding.Provider }},
	{"EMBEDDING_MODEL", func(c *Config) string { return c.Embedding.Model }},
	{"EMBEDDING_DIMENSIONS", func(c *Config) string { return intStr(c.Embedding.Dimensions) }},
	{"EMBEDDING_API_KEY", func(c *Config) string { return c.Embedding.APIKey }},
	{"EMBEDDING_ENDPOINT", func(c *Config) string { return c.Embedding.Endpoint }},
	{"EMBEDDING_CACHE_ADDR", func(c *Config) string { return c.Embedding.CacheAddr }},
	{"EMBEDDING_CACHE_TTL", func(c *Config) string { return c.Embedding.CacheTTL }},
	{"OLLAMA_KEEP_ALIVE", func(c *Config) string { return c.Embedding.OllamaKeepAlive }},
	{"VECTOR_BACKEND", func(c *Config) string { return c.VectorStore.Backend }},
	{"QDRANT_HOST", func(c *Config) string { return c.VectorStore.Qdrant.Host }},
	{"QDRANT_PORT", func(c *Config) string { return intStr(c.VectorStore.Qdrant.Port) }},
	{"QDRANT_COLLECTION", func(c *Config) string { return c.VectorStore.Qdrant.Collection }},
	{"QDRANT_API_KEY", func(c *Config) string { return c.VectorStore.Qdrant.APIKey }},
	{"QDRANT_TLS", func(c *Config) string { return boolStr(c.VectorStore.Qdrant.TLS) }},
	{"PGVECTOR_DSN", func(c *Config) string { return c.VectorStore.PGVector.DSN }},
	{"PGVECTOR_TABLE", func(c *Config) string { return c.VectorStore.PGVector.Table }},
	{"RAG_TOP_K", func(c *Config) string { return intStr(c.RAG.TopK) }},
	{"RAG_INSTRUCTIONS_MAX_CHARS", func(c *Config) string { return intStr(c.RAG.InstructionsMaxChars) }},
	{"GENERATION_CONFIG_TTL", func(c *Config) string { return c.RAG.ConfigTTL }},
	{"KBAI_OFFLINE", func(c *Config) string { return boolStr(c.RAG.Offline) }},
	{"PROMPT_MAX_CONTEXT_TOKENS", func(c *Config) string { return intStr(c.RAG.MaxContextTokens) }},
	{"RAG_CHUNK_SIZE", func(c *Config) string { return intStr(c.RAG.ChunkSize) }},
	{"RAG_CHUNK_OVERLAP", func(c *Config) string { return intStr(c.RAG.ChunkOverlap) }},
	{"RAG_QUERY_TIMEOUT", func(c *Config) string { return c.RAG.QueryTimeout }},
	{"KBAI_HOST", func(c *Config) string { return c.Server.Host }},
	{"KBAI_PORT", func(c *Config) string { return intStr(c.Server.Port) }},
	{"KBAI_API_KEY", func(c *Config) string { return c.Server.APIKey }},
	{"LOG_LEVEL", func(c *Config) string { return c.Logging.Level }},
	{"LOG_FORMAT", func(c *Config) string { return c.Logging.Format }},
	{"KBAI_DB", func(c *Config) string { return c.Store.DBPath }},
	{"LANGFUSE_PUBLIC_KEY", func(c *Config) string { return c.Tracing.PublicKey }},
	{"LANGFUSE_SECRET_KEY", func(c *Config) string { return c.Tracing.SecretKey }},
	{"LANGFUSE_HOST", func(c *Config) string { return c.Tracing.Host }},
}

// Load reads a YAML config file and applies non-empty values as environment
// variables. Existing env vars are never overwritten (env always wins).
// Returns the path that was loaded, or empty string if no file was found.
func Load(explicitPath string, log *slog.Logger) (string, error) {
	path := resolveConfigPath(explicitPath)
	if path == "" {
		log.Debug("config: no YAML config file found, using env vars only")
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applied := 0
	for _, m := range envMapping {
		yamlVal := m.value(&cfg)
		if yamlVal == "" {
			continue
		}
		if _, set := os.LookupEnv(m.envKey); set {
			continue
		}
		if err := os.Setenv(m.envKey, yamlVal); err != nil {
			return "", fmt.Errorf("config: set %s: %w", m.envKey, err)
		}
		applied++
	}

	log.Info("config: loaded YAML config",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
	)

	return path, nil
}

// LoadDotEnv applies KEY=VALUE pairs from the given .env files (default
// ./.env) to variables that are still unset. Call it after Load so YAML
// values win over .env values. Missing files are skipped.
func LoadDotEnv(log *slog.Logger, paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		vals, err := godotenv.Read(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("config: failed to parse %s: %w", p, err)
		}
		applied := 0
		for k, v := range vals {
			if _, set := os.LookupEnv(k); set {
				continue
			}
			if err := os.Setenv(k, v); err != nil {
				return fmt.Errorf("config: set %s: %w", k, err)
			}
			applied++
		}
		log.Debug("config: loaded .env file", slog.String("path", p), slog.Int("keys_applied", applied))
	}
	return nil
}

// resolveConfigPath returns the first config file path that exists.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	if envPath := os.Getenv("KBAI_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p := filepath.Join(home, ".kbai", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if _, err := os.Stat("kbai.yaml"); err == nil {
		return "kbai.yaml"
	}

	return ""
}

// intStr converts an int to string, returning "" for zero values.
func intStr(v int) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("%d", v)
}

// boolStr converts a bool to string, returning "" for false.
func boolStr(v bool) string {
	if !v {
		return ""
	}
	return "true"
}

// trimLower normalizes an enum-like env value.
func trimLower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
