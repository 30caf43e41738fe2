package provider

import (
	"context"
	"fmt"
	"strings"

	einoark "github.com/cloudwego/eino-ext/components/model/ark"
	einoclaude "github.com/cloudwego/eino-ext/components/model/claude"
	einogemini "github.com/cloudwego/eino-ext/components/model/gemini"
	einoollama "github.com/cloudwego/eino-ext/components/model/ollama"
	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"github.com/54b3r/kbai-go/internal/rag"
)

// reasoningPrefixes identify OpenAI models that reject sampling parameters.
var reasoningPrefixes = []string{"o1", "o3", "o4", "gpt-5", "codex"}

// isReasoningModel reports whether name belongs to the reasoning family.
// Matching is a case-insensitive prefix test.
func isReasoningModel(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range reasoningPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// orDefault returns *p when set, otherwise def.
func orDefault[T any](p *T, def T) *T {
	if p != nil {
		v := *p
		return &v
	}
	return &def
}

// openAIConfig fills OpenAI defaults. Reasoning models get no temperature,
// top-p, penalties or max_tokens.
func openAIConfig(cfg GenerationConfig, creds Credentials) (*einoopenai.ChatModelConfig, error) {
	if creds.OpenAIAPIKey == "" {
		return nil, &rag.ConfigurationError{Component: "provider openai", Setting: "OPENAI_API_KEY"}
	}
	c := &einoopenai.ChatModelConfig{
		APIKey:  creds.OpenAIAPIKey,
		BaseURL: creds.OpenAIBaseURL,
		Model:   cfg.Model,
		Stop:    cfg.StopSequences,
	}
	if isReasoningModel(cfg.Model) {
		return c, nil
	}
	c.Temperature = orDefault(cfg.Temperature, 0.1)
	c.MaxTokens = orDefault(cfg.MaxTokens, 1200)
	c.TopP = orDefault(cfg.TopP, 1)
	c.FrequencyPenalty = orDefault(cfg.FrequencyPenalty, 0)
	c.PresencePenalty = orDefault(cfg.PresencePenalty, 0)
	return c, nil
}

// newOpenAI constructs a chat model backed by the OpenAI API.
func newOpenAI(ctx context.Context, cfg GenerationConfig, creds Credentials) (*Model, error) {
	c, err := openAIConfig(cfg, creds)
	if err != nil {
		return nil, err
	}
	m, err := einoopenai.NewChatModel(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("provider: openai: %w", err)
	}
	return &Model{Chat: m, Provider: ProviderOpenAI}, nil
}

// geminiConfig fills Gemini defaults. The genai client is attached by newGemini.
func geminiConfig(cfg GenerationConfig, creds Credentials) (*einogemini.Config, error) {
	if creds.GoogleAPIKey == "" {
		return nil, &rag.ConfigurationError{Component: "provider gemini", Setting: "GOOGLE_API_KEY"}
	}
	return &einogemini.Config{
		Model:       cfg.Model,
		Temperature: orDefault(cfg.Temperature, 0.2),
		MaxTokens:   orDefault(cfg.MaxTokens, 2048),
		TopP:        orDefault(cfg.TopP, 0.95),
		TopK:        orDefault(cfg.TopK, 40),
	}, nil
}

// newGemini constructs a chat model backed by Google Gemini (AI Studio).
func newGemini(ctx context.Context, cfg GenerationConfig, creds Credentials) (*Model, error) {
	c, err := geminiConfig(cfg, creds)
	if err != nil {
		return nil, err
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  creds.GoogleAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("provider: failed to create Gemini client: %w", err)
	}
	c.Client = client
	m, err := einogemini.NewChatModel(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("provider: gemini: %w", err)
	}
	var opts []model.Option
	if len(cfg.StopSequences) > 0 {
		opts = append(opts, model.WithStop(cfg.StopSequences))
	}
	return &Model{Chat: m, Provider: ProviderGemini, Options: opts}, nil
}

// anthropicConfig fills Anthropic defaults. MaxTokens is mandatory for the
// Messages API; top-p is only sent when set because Anthropic advises
// against tuning both temperature and top-p.
func anthropicConfig(cfg GenerationConfig, creds Credentials) (*einoclaude.Config, error) {
	if creds.AnthropicAPIKey == "" {
		return nil, &rag.ConfigurationError{Component: "provider anthropic", Setting: "ANTHROPIC_API_KEY"}
	}
	maxTokens := 1024
	if cfg.MaxTokens != nil && *cfg.MaxTokens > 0 {
		maxTokens = *cfg.MaxTokens
	}
	c := &einoclaude.Config{
		APIKey:        creds.AnthropicAPIKey,
		Model:         cfg.Model,
		MaxTokens:     maxTokens,
		Temperature:   orDefault(cfg.Temperature, 0.2),
		StopSequences: cfg.StopSequences,
	}
	if cfg.TopP != nil {
		c.TopP = orDefault(cfg.TopP, 1)
	}
	if cfg.TopK != nil {
		c.TopK = orDefault(cfg.TopK, 0)
	}
	return c, nil
}

// newAnthropic constructs a chat model backed by the Anthropic API.
func newAnthropic(ctx context.Context, cfg GenerationConfig, creds Credentials) (*Model, error) {
	c, err := anthropicConfig(cfg, creds)
	if err != nil {
		return nil, err
	}
	m, err := einoclaude.NewChatModel(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("provider: anthropic: %w", err)
	}
	return &Model{Chat: m, Provider: ProviderAnthropic}, nil
}

// ollamaOptions derives per-call sampling options for Ollama, whose
// constructor config carries only the endpoint and model.
func ollamaOptions(cfg GenerationConfig) []model.Option {
	opts := []model.Option{model.WithTemperature(*orDefault(cfg.Temperature, 0.2))}
	if cfg.MaxTokens != nil {
		opts = append(opts, model.WithMaxTokens(*cfg.MaxTokens))
	}
	if cfg.TopP != nil {
		opts = append(opts, model.WithTopP(*cfg.TopP))
	}
	if len(cfg.StopSequences) > 0 {
		opts = append(opts, model.WithStop(cfg.StopSequences))
	}
	return opts
}

// newOllama constructs a chat model backed by a local Ollama instance.
func newOllama(ctx context.Context, cfg GenerationConfig, creds Credentials) (*Model, error) {
	baseURL := creds.OllamaHost
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	m, err := einoollama.NewChatModel(ctx, &einoollama.ChatModelConfig{
		BaseURL: baseURL,
		Model:   cfg.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("provider: ollama: %w", err)
	}
	return &Model{Chat: m, Provider: ProviderOllama, Options: ollamaOptions(cfg)}, nil
}

// arkConfig fills Ark defaults.
func arkConfig(cfg GenerationConfig, creds Credentials) (*einoark.ChatModelConfig, error) {
	if creds.ArkAPIKey == "" {
		return nil, &rag.ConfigurationError{Component: "provider ark", Setting: "ARK_API_KEY"}
	}
	return &einoark.ChatModelConfig{
		Model:            cfg.Model,
		APIKey:           creds.ArkAPIKey,
		BaseURL:          creds.ArkBaseURL,
		MaxTokens:        orDefault(cfg.MaxTokens, 1200),
		Temperature:      orDefault(cfg.Temperature, 0.2),
		TopP:             cfg.TopP,
		FrequencyPenalty: cfg.FrequencyPenalty,
		PresencePenalty:  cfg.PresencePenalty,
		Stop:             cfg.StopSequences,
	}, nil
}

// newArk constructs a chat model backed by the Volcano Engine Ark runtime.
func newArk(ctx context.Context, cfg GenerationConfig, creds Credentials) (*Model, error) {
	c, err := arkConfig(cfg, creds)
	if err != nil {
		return nil, err
	}
	m, err := einoark.NewChatModel(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("provider: ark: %w", err)
	}
	return &Model{Chat: m, Provider: ProviderArk}, nil
}
