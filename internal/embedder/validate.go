package embedder

import (
	"log/slog"
	"strings"
)

// knownChatModelPrefixes contains name fragments that identify chat or
// completion models which are not suitable for embedding.
var knownChatModelPrefixes = []string{
	"gpt-4",
	"gpt-3.5",
	"gpt-35",
	"gpt-5",
	"o1",
	"o3",
	"llama3",
	"llama-3",
	"mistral",
	"mixtral",
	"gemma",
	"claude",
	"gemini-",
	"deepseek",
	"qwen",
}

// looksLikeChatModel returns true when the model name resembles a known
// chat model rather than a dedicated embedding model.
func looksLikeChatModel(model string) bool {
	lower := strings.ToLower(model)
	if strings.Contains(lower, "embed") {
		return false
	}
	for _, prefix := range knownChatModelPrefixes {
		if strings.Contains(lower, prefix) {
			return true
		}
	}
	return false
}

// Validate is a pre-flight check run before the vector store is built. It
// warns when EMBEDDING_MODEL looks like a chat model and when the embedding
// size differs from what the store was configured with, so operators see a
// clear message at startup instead of a dimension error on first insert.
func Validate(log *slog.Logger, storeDims int) {
	backend := Backend()
	if model := getEnv("EMBEDDING_MODEL"); model != "" && looksLikeChatModel(model) {
		log.Warn("embedder: EMBEDDING_MODEL looks like a chat model, not an embedding model",
			slog.String("model", model),
			slog.String("hint", "use a dedicated embedding model e.g. text-embedding-3-small, nomic-embed-text"),
		)
	}
	if dims := DefaultDimensions(backend); storeDims > 0 && dims != storeDims {
		log.Warn("embedder: embedding size differs from vector store dimension",
			slog.String("backend", backend),
			slog.Int("embedding_dims", dims),
			slog.Int("store_dims", storeDims),
		)
	}
}
