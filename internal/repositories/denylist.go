package repositories

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/chimera-ai/chimera/internal/db"
)

// ValidateDenylistEntry enforces the denylist invariants:
//
//   - type must be USER or GUILD, scope must be BOT, GUILD or CHANNEL
//   - type GUILD implies scope BOT (a guild can only be blocked bot-wide)
//   - scope BOT holds exactly when scopeId is "*"
func ValidateDenylistEntry(entry *db.DenylistEntry) error {
	switch entry.Type {
	case db.DenylistTypeUser, db.DenylistTypeGuild:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEntry, entry.Type)
	}

	switch entry.Scope {
	case db.DenylistScopeBot, db.DenylistScopeGuild, db.DenylistScopeChannel:
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidEntry, entry.Scope)
	}

	if entry.Type == db.DenylistTypeGuild && entry.Scope != db.DenylistScopeBot {
		return fmt.Errorf("%w: guild entries must use scope BOT", ErrInvalidEntry)
	}

	if entry.Scope == db.DenylistScopeBot && entry.ScopeID != "*" {
		return fmt.Errorf("%w: scope BOT requires scopeId \"*\"", ErrInvalidEntry)
	}
	if entry.Scope != db.DenylistScopeBot && entry.ScopeID == "*" {
		return fmt.Errorf("%w: scopeId \"*\" is only valid with scope BOT", ErrInvalidEntry)
	}

	if entry.DiscordID == "" || entry.ScopeID == "" {
		return fmt.Errorf("%w: discordId and scopeId are required", ErrInvalidEntry)
	}

	return nil
}

// gormDenylistRepository is the GORM implementation of DenylistRepository.
type gormDenylistRepository struct {
	db *gorm.DB
}

// NewDenylistRepository returns a DenylistRepository backed by the provided
// *gorm.DB.
func NewDenylistRepository(db *gorm.DB) DenylistRepository {
	return &gormDenylistRepository{db: db}
}

func (r *gormDenylistRepository) Add(ctx context.Context, entry *db.DenylistEntry) error {
	if err := ValidateDenylistEntry(entry); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("denylist: add: %w", err)
	}
	return nil
}

func (r *gormDenylistRepository) Remove(ctx context.Context, entryType, discordID, scope, scopeID string) error {
	result := r.db.WithContext(ctx).
		Delete(&db.DenylistEntry{}, "type = ? AND discord_id = ? AND scope = ? AND scope_id = ?",
			entryType, discordID, scope, scopeID)
	if result.Error != nil {
		return fmt.Errorf("denylist: remove: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormDenylistRepository) List(ctx context.Context, opts ListOptions) ([]db.DenylistEntry, int64, error) {
	var entries []db.DenylistEntry
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.DenylistEntry{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("denylist: count: %w", err)
	}

	q := r.db.WithContext(ctx).Order("created_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("denylist: list: %w", err)
	}
	return entries, total, nil
}

// IsDenied checks the entry combinations that can block a request: the user
// bot-wide, the user in this guild or channel, and the guild bot-wide.
func (r *gormDenylistRepository) IsDenied(ctx context.Context, userDiscordID, guildID, channelID string) (bool, error) {
	q := r.db.WithContext(ctx).Model(&db.DenylistEntry{}).
		Where("(type = ? AND discord_id = ? AND scope = ?)",
			db.DenylistTypeUser, userDiscordID, db.DenylistScopeBot)

	if guildID != "" {
		q = q.Or("(type = ? AND discord_id = ? AND scope = ? AND scope_id = ?)",
			db.DenylistTypeUser, userDiscordID, db.DenylistScopeGuild, guildID)
		q = q.Or("(type = ? AND discord_id = ? AND scope = ?)",
			db.DenylistTypeGuild, guildID, db.DenylistScopeBot)
	}
	if channelID != "" {
		q = q.Or("(type = ? AND discord_id = ? AND scope = ? AND scope_id = ?)",
			db.DenylistTypeUser, userDiscordID, db.DenylistScopeChannel, channelID)
	}

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return false, fmt.Errorf("denylist: is denied: %w", err)
	}
	return count > 0, nil
}
