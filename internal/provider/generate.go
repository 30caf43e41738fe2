package provider

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/kbai-go/internal/logging"
	"github.com/54b3r/kbai-go/internal/prompt"
	"github.com/54b3r/kbai-go/internal/rag"
)

// errEmptyOutput is recorded when a provider returns no text.
var errEmptyOutput = errors.New("provider returned empty output")

// Result is the outcome of one Generate call.
type Result struct {
	// Text is the model's answer.
	Text string

	// Flattened is true when the answer came from the flattened retry.
	Flattened bool
}

// Generate sends msgs to m. When the structured call fails or yields empty
// output it retries exactly once with the whole sequence flattened into a
// single user message. A cancelled or expired ctx is never retried. When
// both attempts fail the error is a *rag.ProviderInvocationError.
func Generate(ctx context.Context, m *Model, msgs []*schema.Message) (Result, error) {
	log := logging.FromContext(ctx)

	text, err := call(ctx, m, msgs)
	if err == nil {
		return Result{Text: text}, nil
	}
	if ctx.Err() != nil {
		return Result{}, &rag.ProviderInvocationError{Provider: string(m.Provider), Err: errors.Join(err, ctx.Err())}
	}

	log.Warn("provider: structured call failed, retrying with flattened prompt",
		slog.String("provider", string(m.Provider)),
		slog.String("error", err.Error()),
	)
	flat := []*schema.Message{schema.UserMessage(prompt.Flatten(msgs))}
	text, retryErr := call(ctx, m, flat)
	if retryErr != nil {
		return Result{}, &rag.ProviderInvocationError{
			Provider:       string(m.Provider),
			FlattenedRetry: true,
			Err:            errors.Join(err, retryErr),
		}
	}
	return Result{Text: text, Flattened: true}, nil
}

// call performs one Generate round trip and rejects blank output.
func call(ctx context.Context, m *Model, msgs []*schema.Message) (string, error) {
	out, err := m.Chat.Generate(ctx, msgs, m.Options...)
	if err != nil {
		return "", err //nolint:wrapcheck // wrapped by Generate
	}
	if out == nil || strings.TrimSpace(out.Content) == "" {
		return "", errEmptyOutput
	}
	return out.Content, nil
}
