// Package tracing registers Langfuse as a global eino callback handler so
// every generation call (chat models and the flattened retry) is traced.
// Tracing is opt-in: without both Langfuse keys it is a no-op.
package tracing

import (
	"log/slog"
	"os"

	"github.com/cloudwego/eino-ext/callbacks/langfuse"
	"github.com/cloudwego/eino/callbacks"

	"github.com/54b3r/kbai-go/internal/version"
)

// defaultHost is the Langfuse endpoint used when LANGFUSE_HOST is unset.
const defaultHost = "http://localhost:3000"

// Config holds the Langfuse connection settings.
type Config struct {
	// Host is the Langfuse API base URL.
	Host string
	// PublicKey is LANGFUSE_PUBLIC_KEY.
	PublicKey string
	// SecretKey is LANGFUSE_SECRET_KEY.
	SecretKey string
}

// ConfigFromEnv reads LANGFUSE_HOST, LANGFUSE_PUBLIC_KEY and
// LANGFUSE_SECRET_KEY.
func ConfigFromEnv() Config {
	host := os.Getenv("LANGFUSE_HOST")
	if host == "" {
		host = defaultHost
	}
	return Config{
		Host:      host,
		PublicKey: os.Getenv("LANGFUSE_PUBLIC_KEY"),
		SecretKey: os.Getenv("LANGFUSE_SECRET_KEY"),
	}
}

// Enabled reports whether both keys are present.
func (c Config) Enabled() bool {
	return c.PublicKey != "" && c.SecretKey != ""
}

// Handler builds the Langfuse callback handler and its flush function.
// ok is false when c is not enabled.
func (c Config) Handler() (h callbacks.Handler, flush func(), ok bool) {
	if !c.Enabled() {
		return nil, nil, false
	}
	h, flush = langfuse.NewLangfuseHandler(&langfuse.Config{
		Host:      c.Host,
		PublicKey: c.PublicKey,
		SecretKey: c.SecretKey,
		Name:      "kbai",
		Release:   version.Version,
	})
	return h, flush, true
}

// Enable installs the Langfuse handler globally when configured from the
// environment. The returned flush must run before process exit so buffered
// traces are sent; it is a no-op when tracing is disabled.
func Enable(log *slog.Logger) (flush func()) {
	h, flush, ok := ConfigFromEnv().Handler()
	if !ok {
		log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY or LANGFUSE_SECRET_KEY not set"))
		return func() {}
	}
	callbacks.AppendGlobalHandlers(h)
	log.Info("langfuse tracing enabled")
	return flush
}
