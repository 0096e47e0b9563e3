package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chimera-ai/chimera/internal/bus"
	"github.com/chimera-ai/chimera/internal/repositories"
)

// CredentialResolver resolves the BYOK API key for a (user, service) pair,
// caching decrypted keys per process. A cached empty string records a
// negative lookup so absent credentials do not hammer the database.
type CredentialResolver struct {
	cache *TTLCache[string]
	repo  repositories.CredentialRepository
	log   *zap.Logger
}

// NewCredentialResolver returns a resolver with the given cache TTL;
// ttl <= 0 uses DefaultTTL.
func NewCredentialResolver(repo repositories.CredentialRepository, ttl time.Duration, log *zap.Logger) *CredentialResolver {
	return &CredentialResolver{
		cache: NewTTLCache[string](ttl),
		repo:  repo,
		log:   log,
	}
}

// Get returns the user's API key for service, or "" when the user has no
// usable credential (none stored, or stored but expired).
func (r *CredentialResolver) Get(ctx context.Context, userID uuid.UUID, service string) (string, error) {
	key := userID.String() + ":" + service
	if v, ok := r.cache.Get(key); ok {
		return v, nil
	}

	cred, err := r.repo.Get(ctx, userID, service)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		r.cache.Set(key, "")
		return "", nil
	case err != nil:
		return "", fmt.Errorf("cache: resolve credential: %w", err)
	}

	if cred.ExpiresAt != nil && time.Now().After(*cred.ExpiresAt) {
		r.cache.Set(key, "")
		return "", nil
	}

	plaintext := string(cred.Content)
	r.cache.Set(key, plaintext)
	return plaintext, nil
}

// HandleEvent applies an invalidation event to the cache. Safe to call with
// any event; kinds other than apiKey are ignored.
func (r *CredentialResolver) HandleEvent(e bus.Event) {
	if e.Kind != bus.KindAPIKey {
		return
	}
	switch e.Scope {
	case bus.ScopeAll:
		r.cache.Clear()
	case bus.ScopeUser:
		r.cache.DeletePrefix(e.ID + ":")
	}
}
