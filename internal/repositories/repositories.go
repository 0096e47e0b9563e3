// Package repositories defines the data-access interfaces of the Chimera
// backend and their GORM implementations. Handlers and pipeline stages depend
// on the interfaces only, which keeps them testable against in-memory SQLite.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/chimera-ai/chimera/internal/db"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// Users & personas
// -----------------------------------------------------------------------------

type UserRepository interface {
	// CreateWithDefaultPersona inserts the user and its default persona in a
	// single transaction and links DefaultPersonaID. Multi-row invariant:
	// a user never exists without a default persona.
	CreateWithDefaultPersona(ctx context.Context, user *db.User, persona *db.Persona) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetByDiscordID(ctx context.Context, discordID string) (*db.User, error)
	Update(ctx context.Context, user *db.User) error
}

type PersonaRepository interface {
	Create(ctx context.Context, persona *db.Persona) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Persona, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]db.Persona, error)
}

// -----------------------------------------------------------------------------
// Personalities & configuration
// -----------------------------------------------------------------------------

type PersonalityRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*db.Personality, error)
	GetBySlug(ctx context.Context, slug string) (*db.Personality, error)
	Update(ctx context.Context, personality *db.Personality) error
	// ListWithAvatars returns every personality with a non-empty avatar path.
	// Used by the avatar resync maintenance routine.
	ListWithAvatars(ctx context.Context) ([]db.Personality, error)
}

type LLMConfigRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*db.LLMConfig, error)
}

type UserConfigRepository interface {
	Get(ctx context.Context, userID, personalityID uuid.UUID) (*db.UserPersonalityConfig, error)
	// Upsert writes the override row; when both PersonaID and LLMConfigID are
	// nil the row is deleted instead.
	Upsert(ctx context.Context, cfg *db.UserPersonalityConfig) error
}

type CredentialRepository interface {
	Get(ctx context.Context, userID uuid.UUID, service string) (*db.UserCredential, error)
	Upsert(ctx context.Context, cred *db.UserCredential) error
	Delete(ctx context.Context, userID uuid.UUID, service string) error
}

// -----------------------------------------------------------------------------
// Moderation & channels
// -----------------------------------------------------------------------------

type DenylistRepository interface {
	// Add validates the entry invariants (GUILD type implies BOT scope; BOT
	// scope holds exactly when scopeId is "*") before inserting.
	Add(ctx context.Context, entry *db.DenylistEntry) error
	Remove(ctx context.Context, entryType, discordID, scope, scopeID string) error
	List(ctx context.Context, opts ListOptions) ([]db.DenylistEntry, int64, error)
	// IsDenied reports whether the given user or guild is blocked for the
	// given guild/channel context.
	IsDenied(ctx context.Context, userDiscordID, guildID, channelID string) (bool, error)
}

type ChannelRepository interface {
	GetByChannelID(ctx context.Context, channelID string) (*db.ActivatedChannel, error)
	// ListByGuild is bounded to 500 rows regardless of the requested limit.
	ListByGuild(ctx context.Context, guildID string, opts ListOptions) ([]db.ActivatedChannel, error)
	SetOverrides(ctx context.Context, channelID string, overrides db.JSONText) error
	ClearOverrides(ctx context.Context, channelID string) error
}

// -----------------------------------------------------------------------------
// Jobs, memory & settings
// -----------------------------------------------------------------------------

type JobResultRepository interface {
	Create(ctx context.Context, result *db.JobResult) error
	Get(ctx context.Context, jobID string) (*db.JobResult, error)
	// ConfirmDelivery transitions PENDING_DELIVERY to DELIVERED. Confirming
	// an already-delivered result is a successful no-op. Returns ErrNotFound
	// only when no row exists at all.
	ConfirmDelivery(ctx context.Context, jobID string) error
}

type PendingMemoryRepository interface {
	Create(ctx context.Context, pending *db.PendingMemory) error
	DeleteByMemoryID(ctx context.Context, memoryID uuid.UUID) error
	// MarkFailed increments the attempt counter and records the error so the
	// backfill job can retry the insertion later.
	MarkFailed(ctx context.Context, memoryID uuid.UUID, cause string) error
	ListRetryable(ctx context.Context, maxAttempts, limit int) ([]db.PendingMemory, error)
}

type TombstoneRepository interface {
	Create(ctx context.Context, messageID string) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type SettingsRepository interface {
	Get(ctx context.Context, key string) (string, error)
}
