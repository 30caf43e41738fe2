package server

import (
	"context"
	"fmt"

	"github.com/54b3r/kbai-go/internal/retrieval"
)

// Pingable is any dependency client exposing a reachability probe, such as
// *rag.QdrantStore, *rag.PGVectorStore or *store.SQLiteStore.
type Pingable interface {
	Ping(ctx context.Context) error
}

// namedPinger labels a Pingable for readiness responses.
type namedPinger struct {
	// name is the dependency label.
	name string
	// target is the probed dependency.
	target Pingable
}

// NewPinger wraps target as a Pinger reported under name.
func NewPinger(name string, target Pingable) Pinger {
	return &namedPinger{name: name, target: target}
}

// Name returns the dependency label used in readiness responses.
func (p *namedPinger) Name() string { return p.name }

// Ping delegates to the wrapped dependency.
func (p *namedPinger) Ping(ctx context.Context) error {
	if err := p.target.Ping(ctx); err != nil {
		return fmt.Errorf("%s unreachable: %w", p.name, err)
	}
	return nil
}

// GenerationPinger checks that the active generation config resolves to a
// constructible chat model. It never calls the model, so readiness probes
// spend no tokens; a missing provider credential fails the probe.
type GenerationPinger struct {
	// configs yields the active generation config.
	configs retrieval.ConfigSource
	// models builds or returns the cached model for that config.
	models retrieval.ModelSource
}

// NewGenerationPinger constructs a GenerationPinger.
func NewGenerationPinger(configs retrieval.ConfigSource, models retrieval.ModelSource) *GenerationPinger {
	return &GenerationPinger{configs: configs, models: models}
}

// Name returns the dependency label used in readiness responses.
func (p *GenerationPinger) Name() string { return "generation" }

// Ping loads the config and resolves its model.
func (p *GenerationPinger) Ping(ctx context.Context) error {
	cfg, err := p.configs.Get(ctx)
	if err != nil {
		return fmt.Errorf("load generation config: %w", err)
	}
	if _, err := p.models.Model(ctx, cfg); err != nil {
		return fmt.Errorf("%s/%s: %w", cfg.Provider, cfg.Model, err)
	}
	return nil
}
