// Package provider selects and constructs the language model that writes
// answers. Each supported provider is a variant with its own constructor that
// fills provider-appropriate defaults; a [Registry] caches the built model
// keyed by a fingerprint of the full [GenerationConfig].
package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
)

// Provider enumerates the supported generation backends.
type Provider string

const (
	// ProviderOpenAI selects the OpenAI API.
	ProviderOpenAI Provider = "openai"
	// ProviderGemini selects Google Gemini via AI Studio.
	ProviderGemini Provider = "gemini"
	// ProviderAnthropic selects the Anthropic Messages API.
	ProviderAnthropic Provider = "anthropic"
	// ProviderOllama selects a locally running Ollama instance.
	ProviderOllama Provider = "ollama"
	// ProviderArk selects the Volcano Engine Ark runtime.
	ProviderArk Provider = "ark"
)

// ParseProvider normalizes s into a Provider, rejecting unknown values.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case ProviderOpenAI, ProviderGemini, ProviderAnthropic, ProviderOllama, ProviderArk:
		return p, nil
	default:
		return "", fmt.Errorf("provider: unknown provider %q (valid: openai, gemini, anthropic, ollama, ark)", s)
	}
}

// GenerationConfig selects the model and its sampling parameters. Nil
// fields take the provider's default.
type GenerationConfig struct {
	// Provider selects the backend.
	Provider Provider `json:"provider"`

	// Model is the model name (e.g. "gpt-4o", "gemini-2.0-flash").
	Model string `json:"model"`

	// Temperature controls response randomness. Ignored by reasoning models.
	Temperature *float32 `json:"temperature,omitempty"`

	// MaxTokens caps the number of generated tokens.
	MaxTokens *int `json:"maxTokens,omitempty"`

	// TopP is the nucleus sampling mass.
	TopP *float32 `json:"topP,omitempty"`

	// TopK limits sampling to the K most likely tokens (Gemini, Anthropic).
	TopK *int32 `json:"topK,omitempty"`

	// FrequencyPenalty penalizes repeated tokens (OpenAI, Ark).
	FrequencyPenalty *float32 `json:"frequencyPenalty,omitempty"`

	// PresencePenalty penalizes tokens already present (OpenAI, Ark).
	PresencePenalty *float32 `json:"presencePenalty,omitempty"`

	// StopSequences end generation when produced.
	StopSequences []string `json:"stopSequences,omitempty"`
}

// Fingerprint returns a stable serialization of the whole config. Any field
// change produces a different fingerprint.
func (c GenerationConfig) Fingerprint() string {
	b, err := json.Marshal(c)
	if err != nil {
		// Only plain scalars and slices; Marshal cannot fail.
		return fmt.Sprintf("%#v", c)
	}
	return string(b)
}

// Clone returns a deep copy of c.
func (c GenerationConfig) Clone() GenerationConfig {
	out := c
	out.Temperature = clonePtr(c.Temperature)
	out.MaxTokens = clonePtr(c.MaxTokens)
	out.TopP = clonePtr(c.TopP)
	out.TopK = clonePtr(c.TopK)
	out.FrequencyPenalty = clonePtr(c.FrequencyPenalty)
	out.PresencePenalty = clonePtr(c.PresencePenalty)
	if c.StopSequences != nil {
		out.StopSequences = append([]string(nil), c.StopSequences...)
	}
	return out
}

// DefaultGenerationConfig is the config used when no record exists yet.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		Provider:         ProviderOpenAI,
		Model:            "gpt-4o",
		Temperature:      ptr[float32](0.1),
		MaxTokens:        ptr(1200),
		TopP:             ptr[float32](1),
		FrequencyPenalty: ptr[float32](0),
		PresencePenalty:  ptr[float32](0),
	}
}

// Credentials holds the per-process secrets and endpoints of every provider.
type Credentials struct {
	// OpenAIAPIKey authenticates chat calls to OpenAI.
	OpenAIAPIKey string
	// OpenAIBaseURL overrides the OpenAI API base (proxies, compatible servers).
	OpenAIBaseURL string
	// GoogleAPIKey authenticates Gemini calls.
	GoogleAPIKey string
	// AnthropicAPIKey authenticates Anthropic calls.
	AnthropicAPIKey string
	// OllamaHost is the Ollama server base URL.
	OllamaHost string
	// ArkAPIKey authenticates Ark calls.
	ArkAPIKey string
	// ArkBaseURL overrides the Ark endpoint.
	ArkBaseURL string
	// WebSearchAPIKey enables the web-search-augmented global tier.
	WebSearchAPIKey string
}

// Model is a constructed chat model plus the per-call options derived from
// its config.
type Model struct {
	// Chat is the underlying eino chat model.
	Chat model.BaseChatModel

	// Provider is the backend Chat talks to.
	Provider Provider

	// Options are applied to every Generate call.
	Options []model.Option
}

// ptr returns a pointer to v.
func ptr[T any](v T) *T { return &v }

// clonePtr copies the value behind p, preserving nil.
func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
