package commands

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/54b3r/kbai-go/internal/config"
	"github.com/54b3r/kbai-go/internal/embedder"
	"github.com/54b3r/kbai-go/internal/provider"
	"github.com/54b3r/kbai-go/internal/rag"
	"github.com/54b3r/kbai-go/internal/retrieval"
	"github.com/54b3r/kbai-go/internal/server"
	"github.com/54b3r/kbai-go/internal/store"
)

// app is the wired service graph shared by every command that answers,
// ingests or deletes.
type app struct {
	// rt holds the resolved runtime tunables.
	rt config.Runtime
	// orch is the retrieval orchestrator.
	orch *retrieval.Orchestrator
	// db is the generation config record and document catalog.
	db *store.SQLiteStore
	// configs caches the generation config record.
	configs *store.CachedConfig
	// registry collects every metric of the process.
	registry *prometheus.Registry
	// pingers probe the vector store, SQLite and generation config.
	pingers []server.Pinger
	// closers release resources in reverse order of acquisition.
	closers []func() error
}

// buildApp resolves the runtime config and wires embedder, vector store,
// config store, model registry, web search and orchestrator.
func buildApp(log *slog.Logger) (_ *app, err error) {
	rt, err := config.RuntimeFromEnv()
	if err != nil {
		return nil, err //nolint:wrapcheck // already prefixed by config
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &app{rt: rt, registry: reg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	emb := embedder.NewRegistry(func() (rag.Embedder, error) { return embedder.NewFromEnv(reg) })
	if _, err := emb.Get(); err != nil {
		return nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}
	a.closers = append(a.closers, emb.Close)
	dims := embedder.DefaultDimensions(embedder.Backend())
	embedder.Validate(log, dims)
	log.Info("embedder initialised", slog.String("provider", embedder.Backend()), slog.Int("dimensions", dims))

	vectors, err := openVectorStore(rt, emb, dims)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, vectors.Close)
	if p, ok := vectors.(server.Pingable); ok {
		a.pingers = append(a.pingers, server.NewPinger(rt.VectorBackend, p))
	}
	log.Info("vector store configured", slog.String("backend", rt.VectorBackend))

	db, err := openDB(rt)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	a.pingers = append(a.pingers, server.NewPinger("sqlite", db))

	a.configs = store.NewCachedConfig(db, store.DefaultKey, rt.ConfigTTL)
	creds := provider.CredentialsFromEnv()
	models := provider.NewRegistry(creds)
	a.pingers = append(a.pingers, server.NewGenerationPinger(a.configs, models))

	deps := retrieval.Deps{
		Embedder: emb,
		Store:    vectors,
		Configs:  a.configs,
		Models:   models,
		Catalog:  db,
		Metrics:  retrieval.NewMetrics(reg),
	}
	if creds.WebSearchAPIKey != "" {
		web, err := provider.NewWebSearcher(creds.WebSearchAPIKey, "")
		if err != nil {
			return nil, fmt.Errorf("failed to initialise web search: %w", err)
		}
		deps.Web = web
	}
	log.Info("generation ready",
		slog.Bool("web_search", deps.Web != nil),
		slog.Bool("offline", rt.Offline),
	)

	a.orch, err = retrieval.New(deps, retrieval.Config{
		TopK:                 rt.TopK,
		InstructionsMaxChars: rt.InstructionsMaxChars,
		Offline:              rt.Offline,
		ChunkSize:            rt.ChunkSize,
		ChunkOverlap:         rt.ChunkOverlap,
		MaxContextTokens:     rt.MaxContextTokens,
		Timeout:              rt.QueryTimeout,
	})
	if err != nil {
		return nil, err //nolint:wrapcheck // already prefixed by retrieval
	}
	return a, nil
}

// Close releases every resource acquired by buildApp.
func (a *app) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if err := errors.Join(errs...); err != nil {
		slog.Default().Warn("close failed", slog.Any("error", err))
	}
}

// openVectorStore builds the chunk store selected by VECTOR_BACKEND.
func openVectorStore(rt config.Runtime, emb rag.Embedder, dims int) (rag.VectorStore, error) {
	switch rt.VectorBackend {
	case config.BackendPGVector:
		s, err := rag.NewPGVectorStore(&rag.PGVectorConfig{
			DSN:        rt.PGVector.DSN,
			Table:      rt.PGVector.Table,
			Dimensions: dims,
		}, emb)
		if err != nil {
			return nil, fmt.Errorf("failed to open pgvector store: %w", err)
		}
		return s, nil
	case config.BackendMemory:
		return rag.NewMemoryStore(dims, emb), nil
	default:
		s, err := rag.NewQdrantStore(&rag.QdrantConfig{
			Host:       rt.Qdrant.Host,
			Port:       rt.Qdrant.Port,
			Collection: rt.Qdrant.Collection,
			VectorSize: uint64(dims), //nolint:gosec // dimensions are bounded
			APIKey:     rt.Qdrant.APIKey,
			UseTLS:     rt.Qdrant.TLS,
		}, emb)
		if err != nil {
			return nil, fmt.Errorf("failed to open qdrant store: %w", err)
		}
		return s, nil
	}
}

// openDB opens the SQLite database at KBAI_DB or the default path.
func openDB(rt config.Runtime) (*store.SQLiteStore, error) {
	path := rt.DBPath
	if path == "" {
		var err error
		if path, err = store.DefaultDBPath(); err != nil {
			return nil, fmt.Errorf("failed to resolve database path: %w", err)
		}
	}
	db, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	return db, nil
}
