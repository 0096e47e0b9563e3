package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chimera-ai/chimera/internal/bus"
	"github.com/chimera-ai/chimera/internal/db"
	"github.com/chimera-ai/chimera/internal/repositories"
)

// LLMConfigResolver caches LLM sampling-parameter rows by id. User-scoped
// invalidations clear the whole cache: entries are not indexed by user, and
// clearAll is a safe superset of any narrower invalidation.
type LLMConfigResolver struct {
	cache *TTLCache[*db.LLMConfig]
	repo  repositories.LLMConfigRepository
}

// NewLLMConfigResolver returns a resolver with the given cache TTL; ttl <= 0
// uses DefaultTTL.
func NewLLMConfigResolver(repo repositories.LLMConfigRepository, ttl time.Duration) *LLMConfigResolver {
	return &LLMConfigResolver{
		cache: NewTTLCache[*db.LLMConfig](ttl),
		repo:  repo,
	}
}

// Get returns the config row, or nil when it does not exist.
func (r *LLMConfigResolver) Get(ctx context.Context, id uuid.UUID) (*db.LLMConfig, error) {
	key := id.String()
	if v, ok := r.cache.Get(key); ok {
		return v, nil
	}

	cfg, err := r.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			r.cache.Set(key, nil)
			return nil, nil
		}
		return nil, fmt.Errorf("cache: resolve llm config: %w", err)
	}

	r.cache.Set(key, cfg)
	return cfg, nil
}

// HandleEvent applies an invalidation event to the cache.
func (r *LLMConfigResolver) HandleEvent(e bus.Event) {
	if e.Kind != bus.KindLLMConfig {
		return
	}
	switch e.Scope {
	case bus.ScopeAll, bus.ScopeUser:
		r.cache.Clear()
	case bus.ScopeConfig:
		r.cache.Delete(e.ID)
	}
}
