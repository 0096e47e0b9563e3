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

// PersonaResolver resolves the effective persona for a (user, personality)
// pair: the per-personality override when one exists, otherwise the user's
// default persona. Composite cache keys are "user:personality" so user-scoped
// invalidations can clear by prefix.
type PersonaResolver struct {
	cache    *TTLCache[*db.Persona]
	users    repositories.UserRepository
	personas repositories.PersonaRepository
	configs  repositories.UserConfigRepository
}

// NewPersonaResolver returns a resolver with the given cache TTL; ttl <= 0
// uses DefaultTTL.
func NewPersonaResolver(
	users repositories.UserRepository,
	personas repositories.PersonaRepository,
	configs repositories.UserConfigRepository,
	ttl time.Duration,
) *PersonaResolver {
	return &PersonaResolver{
		cache:    NewTTLCache[*db.Persona](ttl),
		users:    users,
		personas: personas,
		configs:  configs,
	}
}

// Resolve returns the effective persona, or nil when the user has neither an
// override nor a default persona.
func (r *PersonaResolver) Resolve(ctx context.Context, userID, personalityID uuid.UUID) (*db.Persona, error) {
	key := userID.String() + ":" + personalityID.String()
	if v, ok := r.cache.Get(key); ok {
		return v, nil
	}

	personaID, err := r.effectivePersonaID(ctx, userID, personalityID)
	if err != nil {
		return nil, err
	}
	if personaID == nil {
		r.cache.Set(key, nil)
		return nil, nil
	}

	persona, err := r.personas.GetByID(ctx, *personaID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			r.cache.Set(key, nil)
			return nil, nil
		}
		return nil, fmt.Errorf("cache: resolve persona: %w", err)
	}

	r.cache.Set(key, persona)
	return persona, nil
}

func (r *PersonaResolver) effectivePersonaID(ctx context.Context, userID, personalityID uuid.UUID) (*uuid.UUID, error) {
	cfg, err := r.configs.Get(ctx, userID, personalityID)
	switch {
	case err == nil && cfg.PersonaID != nil:
		return cfg.PersonaID, nil
	case err != nil && !errors.Is(err, repositories.ErrNotFound):
		return nil, fmt.Errorf("cache: persona override lookup: %w", err)
	}

	user, err := r.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache: persona user lookup: %w", err)
	}
	return user.DefaultPersonaID, nil
}

// ResolveByID fetches a specific persona, bypassing the override chain.
// Used when a channel override pins the persona outright. Returns nil when
// the persona does not exist.
func (r *PersonaResolver) ResolveByID(ctx context.Context, personaID uuid.UUID) (*db.Persona, error) {
	persona, err := r.personas.GetByID(ctx, personaID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache: resolve persona by id: %w", err)
	}
	return persona, nil
}

// HandleEvent applies an invalidation event to the cache.
func (r *PersonaResolver) HandleEvent(e bus.Event) {
	if e.Kind != bus.KindPersona {
		return
	}
	switch e.Scope {
	case bus.ScopeAll:
		r.cache.Clear()
	case bus.ScopeUser:
		r.cache.DeletePrefix(e.ID + ":")
	}
}
