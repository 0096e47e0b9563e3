package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/chimera-ai/chimera/internal/db"
)

// maxChannelList caps ListByGuild regardless of the requested limit, keeping
// the activated-channel listing bounded for very large guilds.
const maxChannelList = 500

// gormChannelRepository is the GORM implementation of ChannelRepository.
type gormChannelRepository struct {
	db *gorm.DB
}

// NewChannelRepository returns a ChannelRepository backed by the provided
// *gorm.DB.
func NewChannelRepository(db *gorm.DB) ChannelRepository {
	return &gormChannelRepository{db: db}
}

func (r *gormChannelRepository) GetByChannelID(ctx context.Context, channelID string) (*db.ActivatedChannel, error) {
	var ch db.ActivatedChannel
	err := r.db.WithContext(ctx).First(&ch, "channel_id = ?", channelID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("channels: get by channel id: %w", err)
	}
	return &ch, nil
}

func (r *gormChannelRepository) ListByGuild(ctx context.Context, guildID string, opts ListOptions) ([]db.ActivatedChannel, error) {
	limit := opts.Limit
	if limit <= 0 || limit > maxChannelList {
		limit = maxChannelList
	}

	var channels []db.ActivatedChannel
	q := r.db.WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("created_at ASC").
		Limit(limit)
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Find(&channels).Error; err != nil {
		return nil, fmt.Errorf("channels: list by guild: %w", err)
	}
	return channels, nil
}

func (r *gormChannelRepository) SetOverrides(ctx context.Context, channelID string, overrides db.JSONText) error {
	result := r.db.WithContext(ctx).
		Model(&db.ActivatedChannel{}).
		Where("channel_id = ?", channelID).
		Update("overrides", overrides)
	if result.Error != nil {
		return fmt.Errorf("channels: set overrides: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormChannelRepository) ClearOverrides(ctx context.Context, channelID string) error {
	return r.SetOverrides(ctx, channelID, db.JSONText("{}"))
}
