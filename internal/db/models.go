package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by most models. It must stay
// exported: reflection cannot set fields promoted through an unexported
// embedded struct, so GORM would silently drop id and the timestamps from
// every statement.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Users & Personas
// -----------------------------------------------------------------------------

// User maps a platform identity (Discord snowflake) to an internal UUID.
// Users are never deleted once referenced; DefaultPersonaID points at the
// persona used when no per-personality override exists. A user row and its
// default persona are always created in a single transaction.
type User struct {
	Base
	DiscordID        string     `gorm:"uniqueIndex;not null"`
	DisplayName      string     `gorm:"not null;default:''"`
	DefaultPersonaID *uuid.UUID `gorm:"type:text"`
}

// Persona is a user-owned identity presented to personalities. LTM entries
// are scoped by persona; ShareLTMAcrossPersonalities widens retrieval to all
// personalities the persona has interacted with.
type Persona struct {
	Base
	UserID                      uuid.UUID `gorm:"type:text;not null;index"`
	Name                        string    `gorm:"not null"`
	PreferredName               string    `gorm:"default:''"`
	Pronouns                    string    `gorm:"default:''"`
	Description                 string    `gorm:"type:text;default:''"`
	ShareLTMAcrossPersonalities bool      `gorm:"not null;default:false"`
}

// -----------------------------------------------------------------------------
// Personalities & configuration
// -----------------------------------------------------------------------------

// Personality is a configurable AI character. SystemPrompt holds either a
// literal prompt template (with {user}/{personality} style placeholders) or a
// structured JSON protocol block; the pipeline distinguishes the two at
// assembly time. Slug is immutable except by administrator — a slug change
// invalidates all derivative caches (avatars, personality lookups).
type Personality struct {
	Base
	Slug          string  `gorm:"uniqueIndex;not null"`
	DisplayName   string  `gorm:"not null"`
	SystemPrompt  string  `gorm:"type:text;default:''"`
	Model         string  `gorm:"not null"`
	VisionModel   string  `gorm:"default:''"`
	Temperature   float64 `gorm:"not null;default:1"`
	MaxTokens     int     `gorm:"not null;default:1024"`
	ContextWindow int     `gorm:"not null;default:16384"`
	Visibility    string  `gorm:"not null;default:'public'"` // "public" or "private"
	OwnerID       uuid.UUID `gorm:"type:text;not null;index"`
	CoOwnerIDs    JSONText  `gorm:"type:text;default:'[]'"` // JSON array of user UUIDs
	AvatarPath    string    `gorm:"default:''"`
}

// LLMConfig is a reusable set of sampling parameters referenced by
// per-user-per-personality overrides. Immutable aside from explicit edits.
type LLMConfig struct {
	Base
	Model           string   `gorm:"not null"`
	Temperature     *float64
	TopP            *float64
	MaxTokens       *int
	StopSequences   JSONText `gorm:"type:text;default:'[]'"` // JSON array of strings
	ReasoningEffort string   `gorm:"default:''"`             // "", "low", "medium", "high"
}

// UserPersonalityConfig holds the per-(user, personality) overrides: an
// optional persona and an optional LLM config. The row is deleted when both
// overrides are cleared.
type UserPersonalityConfig struct {
	UserID        uuid.UUID  `gorm:"type:text;primaryKey"`
	PersonalityID uuid.UUID  `gorm:"type:text;primaryKey"`
	PersonaID     *uuid.UUID `gorm:"type:text"`
	LLMConfigID   *uuid.UUID `gorm:"type:text"`
	CreatedAt     time.Time  `gorm:"not null"`
	UpdatedAt     time.Time  `gorm:"not null"`
}

// UserCredential stores a user-supplied secret for an upstream service
// (BYOK API key, third-party session token). Content is encrypted at rest
// with AES-256-GCM and only decrypted at the boundary that uses it.
type UserCredential struct {
	Base
	UserID    uuid.UUID       `gorm:"type:text;not null;index:idx_cred_user_service,unique"`
	Service   string          `gorm:"not null;index:idx_cred_user_service,unique"` // e.g. "openrouter"
	CredType  string          `gorm:"not null;default:'api_key'"`
	Content   EncryptedString `gorm:"type:text;not null"`
	ExpiresAt *time.Time
}

// -----------------------------------------------------------------------------
// Moderation & channels
// -----------------------------------------------------------------------------

// Denylist entry types and scopes. Invariants (enforced in the repository):
// type GUILD implies scope BOT, and scope BOT holds exactly when scopeId "*".
const (
	DenylistTypeUser  = "USER"
	DenylistTypeGuild = "GUILD"

	DenylistScopeBot     = "BOT"
	DenylistScopeGuild   = "GUILD"
	DenylistScopeChannel = "CHANNEL"
)

// DenylistEntry blocks a user or guild at a given scope. Admin-owned.
type DenylistEntry struct {
	Base
	Type      string `gorm:"not null;index:idx_denylist_tuple,unique"`
	DiscordID string `gorm:"not null;index:idx_denylist_tuple,unique"`
	Scope     string `gorm:"not null;index:idx_denylist_tuple,unique"`
	ScopeID   string `gorm:"not null;index:idx_denylist_tuple,unique"`
	Reason    string `gorm:"type:text;default:''"`
	AddedBy   string `gorm:"not null;default:''"`
}

// ActivatedChannel binds a channel to a personality so every message in the
// channel is answered without an explicit mention. Overrides carries a
// sanitized JSONB blob of channel-scoped config overrides; deactivation
// deletes the row.
type ActivatedChannel struct {
	Base
	ChannelID     string    `gorm:"uniqueIndex;not null"`
	GuildID       string    `gorm:"index;default:''"`
	PersonalityID uuid.UUID `gorm:"type:text;not null"`
	Overrides     JSONText  `gorm:"type:text;default:'{}'"`
	CreatedBy     string    `gorm:"not null;default:''"`
}

// -----------------------------------------------------------------------------
// Jobs & delivery
// -----------------------------------------------------------------------------

// Job result delivery states. The only legal transition is
// PENDING_DELIVERY → DELIVERED, driven by an explicit confirm-delivery call.
const (
	DeliveryPending   = "PENDING_DELIVERY"
	DeliveryDelivered = "DELIVERED"
)

// JobResult persists a completed job's payload until the originating client
// confirms user-visible delivery. Confirmation is idempotent: repeated calls
// observe DELIVERED and succeed.
type JobResult struct {
	JobID       string    `gorm:"primaryKey"`
	Payload     JSONText  `gorm:"type:text;not null;default:'{}'"`
	Status      string    `gorm:"not null;default:'PENDING_DELIVERY'"`
	CreatedAt   time.Time `gorm:"not null"`
	DeliveredAt *time.Time
}

// -----------------------------------------------------------------------------
// Memory
// -----------------------------------------------------------------------------

// PendingMemory is the staging row written before every vector insertion.
// It guarantees at-least-once insertion: deleted on success, retained with an
// incremented attempt count and the error message on transient failure, and
// retried by the memory backfill maintenance job.
type PendingMemory struct {
	Base
	MemoryID      uuid.UUID `gorm:"type:text;uniqueIndex;not null"`
	PersonaID     uuid.UUID `gorm:"type:text;not null;index"`
	PersonalityID uuid.UUID `gorm:"type:text;not null"`
	Content       string    `gorm:"type:text;not null"`
	Metadata      JSONText  `gorm:"type:text;not null;default:'{}'"`
	Attempts      int       `gorm:"not null;default:0"`
	LastError     string    `gorm:"type:text;default:''"`
}

// ConversationTombstone marks a hard-deleted message so history sync and
// cleanup can skip it. Consumed by the cleanup maintenance job.
type ConversationTombstone struct {
	MessageID string    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// System settings
// -----------------------------------------------------------------------------

// SystemSetting is a simple key/value row for operator-tunable defaults.
// Known keys: "free_default_model" — the model substituted in guest mode when
// the configured model is not a free variant.
type SystemSetting struct {
	Key       string    `gorm:"primaryKey"`
	Value     string    `gorm:"type:text;not null;default:''"`
	UpdatedAt time.Time `gorm:"not null"`
}
