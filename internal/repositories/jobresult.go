package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chimera-ai/chimera/internal/db"
)

// gormJobResultRepository is the GORM implementation of JobResultRepository.
type gormJobResultRepository struct {
	db *gorm.DB
}

// NewJobResultRepository returns a JobResultRepository backed by the provided
// *gorm.DB.
func NewJobResultRepository(db *gorm.DB) JobResultRepository {
	return &gormJobResultRepository{db: db}
}

func (r *gormJobResultRepository) Create(ctx context.Context, result *db.JobResult) error {
	if result.Status == "" {
		result.Status = db.DeliveryPending
	}
	if err := r.db.WithContext(ctx).Create(result).Error; err != nil {
		return fmt.Errorf("job results: create: %w", err)
	}
	return nil
}

func (r *gormJobResultRepository) Get(ctx context.Context, jobID string) (*db.JobResult, error) {
	var result db.JobResult
	err := r.db.WithContext(ctx).First(&result, "job_id = ?", jobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("job results: get: %w", err)
	}
	return &result, nil
}

// ConfirmDelivery transitions the result to DELIVERED. The update is
// conditional on the current status so that concurrent confirmations are
// safe; a result that is already DELIVERED is left untouched and the call
// succeeds. ErrNotFound is returned only when no row exists for jobID.
func (r *gormJobResultRepository) ConfirmDelivery(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&db.JobResult{}).
		Where("job_id = ? AND status = ?", jobID, db.DeliveryPending).
		Updates(map[string]interface{}{
			"status":       db.DeliveryDelivered,
			"delivered_at": &now,
		})
	if result.Error != nil {
		return fmt.Errorf("job results: confirm delivery: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	// Nothing was pending — either the row is already DELIVERED (idempotent
	// success) or it never existed.
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&db.JobResult{}).
		Where("job_id = ?", jobID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("job results: confirm delivery recheck: %w", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

// gormPendingMemoryRepository is the GORM implementation of PendingMemoryRepository.
type gormPendingMemoryRepository struct {
	db *gorm.DB
}

// NewPendingMemoryRepository returns a PendingMemoryRepository backed by the
// provided *gorm.DB.
func NewPendingMemoryRepository(db *gorm.DB) PendingMemoryRepository {
	return &gormPendingMemoryRepository{db: db}
}

func (r *gormPendingMemoryRepository) Create(ctx context.Context, pending *db.PendingMemory) error {
	if err := r.db.WithContext(ctx).Create(pending).Error; err != nil {
		return fmt.Errorf("pending memories: create: %w", err)
	}
	return nil
}

func (r *gormPendingMemoryRepository) DeleteByMemoryID(ctx context.Context, memoryID uuid.UUID) error {
	err := r.db.WithContext(ctx).
		Delete(&db.PendingMemory{}, "memory_id = ?", memoryID).Error
	if err != nil {
		return fmt.Errorf("pending memories: delete: %w", err)
	}
	return nil
}

func (r *gormPendingMemoryRepository) MarkFailed(ctx context.Context, memoryID uuid.UUID, cause string) error {
	result := r.db.WithContext(ctx).
		Model(&db.PendingMemory{}).
		Where("memory_id = ?", memoryID).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": cause,
		})
	if result.Error != nil {
		return fmt.Errorf("pending memories: mark failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormPendingMemoryRepository) ListRetryable(ctx context.Context, maxAttempts, limit int) ([]db.PendingMemory, error) {
	var pending []db.PendingMemory
	err := r.db.WithContext(ctx).
		Where("attempts < ?", maxAttempts).
		Order("created_at ASC").
		Limit(limit).
		Find(&pending).Error
	if err != nil {
		return nil, fmt.Errorf("pending memories: list retryable: %w", err)
	}
	return pending, nil
}

// gormTombstoneRepository is the GORM implementation of TombstoneRepository.
type gormTombstoneRepository struct {
	db *gorm.DB
}

// NewTombstoneRepository returns a TombstoneRepository backed by the provided
// *gorm.DB.
func NewTombstoneRepository(db *gorm.DB) TombstoneRepository {
	return &gormTombstoneRepository{db: db}
}

func (r *gormTombstoneRepository) Create(ctx context.Context, messageID string) error {
	tomb := db.ConversationTombstone{MessageID: messageID, CreatedAt: time.Now().UTC()}
	// Re-deleting the same message is a no-op.
	err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		FirstOrCreate(&tomb).Error
	if err != nil {
		return fmt.Errorf("tombstones: create: %w", err)
	}
	return nil
}

func (r *gormTombstoneRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Delete(&db.ConversationTombstone{}, "created_at < ?", cutoff)
	if result.Error != nil {
		return 0, fmt.Errorf("tombstones: delete older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// gormSettingsRepository is the GORM implementation of SettingsRepository.
type gormSettingsRepository struct {
	db *gorm.DB
}

// NewSettingsRepository returns a SettingsRepository backed by the provided
// *gorm.DB.
func NewSettingsRepository(db *gorm.DB) SettingsRepository {
	return &gormSettingsRepository{db: db}
}

func (r *gormSettingsRepository) Get(ctx context.Context, key string) (string, error) {
	var setting db.SystemSetting
	err := r.db.WithContext(ctx).First(&setting, "key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("settings: get: %w", err)
	}
	return setting.Value, nil
}
