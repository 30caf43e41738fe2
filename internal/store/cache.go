package store

import (
	"context"
	"sync"
	"time"

	"github.com/54b3r/kbai-go/internal/provider"
)

// DefaultConfigTTL is how long CachedConfig serves a record before
// re-reading it when GENERATION_CONFIG_TTL is unset.
const DefaultConfigTTL = 5 * time.Second

// CachedConfig serves one generation config record from memory for ttl.
// The fetch runs without holding the lock, so a slow store never blocks
// readers of a fresh value. Safe for concurrent use.
type CachedConfig struct {
	// src is the backing store.
	src ConfigStore
	// key selects the record.
	key string
	// ttl bounds how stale a served record may be.
	ttl time.Duration
	// now is the clock; time.Now outside tests.
	now func() time.Time

	// mu guards the fields below.
	mu sync.Mutex
	// cfg is the last fetched record.
	cfg provider.GenerationConfig
	// fetchedAt is when cfg was read; zero means empty.
	fetchedAt time.Time
}

// NewCachedConfig returns a CachedConfig over src for key. ttl <= 0 selects
// DefaultConfigTTL.
func NewCachedConfig(src ConfigStore, key string, ttl time.Duration) *CachedConfig {
	if ttl <= 0 {
		ttl = DefaultConfigTTL
	}
	if key == "" {
		key = DefaultKey
	}
	return &CachedConfig{src: src, key: key, ttl: ttl, now: time.Now}
}

// Get returns the cached record when younger than the TTL, otherwise
// refreshes it from the store.
func (c *CachedConfig) Get(ctx context.Context) (provider.GenerationConfig, error) {
	c.mu.Lock()
	if !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.ttl {
		cfg := c.cfg.Clone()
		c.mu.Unlock()
		return cfg, nil
	}
	c.mu.Unlock()

	cfg, err := c.src.Get(ctx, c.key)
	if err != nil {
		return provider.GenerationConfig{}, err //nolint:wrapcheck // store errors are already prefixed
	}

	c.mu.Lock()
	c.cfg = cfg.Clone()
	c.fetchedAt = c.now()
	c.mu.Unlock()
	return cfg, nil
}

// Put writes cfg through to the store and drops the cached copy.
func (c *CachedConfig) Put(ctx context.Context, cfg provider.GenerationConfig) error {
	if err := c.src.Put(ctx, c.key, cfg); err != nil {
		return err //nolint:wrapcheck // store errors are already prefixed
	}
	c.Invalidate()
	return nil
}

// Invalidate forces the next Get to read from the store.
func (c *CachedConfig) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}
