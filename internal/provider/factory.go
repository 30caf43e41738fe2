package provider

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// CredentialsFromEnv reads provider credentials from environment variables.
//
//	OpenAI:     OPENAI_API_KEY, OPENAI_BASE_URL
//	Gemini:     GOOGLE_API_KEY
//	Anthropic:  ANTHROPIC_API_KEY
//	Ollama:     OLLAMA_HOST (default: http://localhost:11434)
//	Ark:        ARK_API_KEY, ARK_BASE_URL
//	Web search: WEB_SEARCH_API_KEY
func CredentialsFromEnv() Credentials {
	return Credentials{
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:   os.Getenv("OPENAI_BASE_URL"),
		GoogleAPIKey:    os.Getenv("GOOGLE_API_KEY"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		OllamaHost:      getEnvOrDefault("OLLAMA_HOST", "http://localhost:11434"),
		ArkAPIKey:       os.Getenv("ARK_API_KEY"),
		ArkBaseURL:      os.Getenv("ARK_BASE_URL"),
		WebSearchAPIKey: os.Getenv("WEB_SEARCH_API_KEY"),
	}
}

// New constructs the model variant selected by cfg.Provider. A missing
// credential yields a *rag.ConfigurationError.
func New(ctx context.Context, cfg GenerationConfig, creds Credentials) (*Model, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("provider: model name is required")
	}
	switch cfg.Provider {
	case ProviderOpenAI:
		return newOpenAI(ctx, cfg, creds)
	case ProviderGemini:
		return newGemini(ctx, cfg, creds)
	case ProviderAnthropic:
		return newAnthropic(ctx, cfg, creds)
	case ProviderOllama:
		return newOllama(ctx, cfg, creds)
	case ProviderArk:
		return newArk(ctx, cfg, creds)
	default:
		return nil, fmt.Errorf("provider: unsupported provider %q", cfg.Provider)
	}
}

// BuildFunc constructs a Model for a config.
type BuildFunc func(ctx context.Context, cfg GenerationConfig, creds Credentials) (*Model, error)

// Registry caches the model built for the most recent config. A config whose
// fingerprint differs from the cached one replaces the cached instance.
// Registry is safe for concurrent use.
type Registry struct {
	// creds are passed to every build.
	creds Credentials

	// build constructs a model; New unless overridden in tests.
	build BuildFunc

	// mu guards key and model.
	mu sync.Mutex
	// key is the fingerprint of the config that produced model.
	key string
	// model is the cached instance, nil until first use.
	model *Model
}

// NewRegistry returns a Registry that builds models with New.
func NewRegistry(creds Credentials) *Registry {
	return &Registry{creds: creds, build: New}
}

// NewRegistryWithBuilder returns a Registry that builds models with build.
func NewRegistryWithBuilder(creds Credentials, build BuildFunc) *Registry {
	return &Registry{creds: creds, build: build}
}

// Credentials returns the credentials the registry builds with.
func (r *Registry) Credentials() Credentials {
	return r.creds
}

// Model returns the cached model when cfg matches the cached fingerprint,
// otherwise builds and caches a new one. Construction runs outside the lock;
// concurrent first calls may build twice and the last writer wins.
func (r *Registry) Model(ctx context.Context, cfg GenerationConfig) (*Model, error) {
	fp := cfg.Fingerprint()

	r.mu.Lock()
	if r.model != nil && r.key == fp {
		m := r.model
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()

	m, err := r.build(ctx, cfg, r.creds)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.key, r.model = fp, m
	r.mu.Unlock()
	return m, nil
}

// Invalidate drops the cached model.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.key, r.model = "", nil
	r.mu.Unlock()
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
