package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chimera-ai/chimera/internal/db"
)

// gormPersonalityRepository is the GORM implementation of PersonalityRepository.
type gormPersonalityRepository struct {
	db *gorm.DB
}

// NewPersonalityRepository returns a PersonalityRepository backed by the
// provided *gorm.DB.
func NewPersonalityRepository(db *gorm.DB) PersonalityRepository {
	return &gormPersonalityRepository{db: db}
}

func (r *gormPersonalityRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Personality, error) {
	var p db.Personality
	err := r.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("personalities: get by id: %w", err)
	}
	return &p, nil
}

func (r *gormPersonalityRepository) GetBySlug(ctx context.Context, slug string) (*db.Personality, error) {
	var p db.Personality
	err := r.db.WithContext(ctx).First(&p, "slug = ?", slug).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("personalities: get by slug: %w", err)
	}
	return &p, nil
}

func (r *gormPersonalityRepository) Update(ctx context.Context, personality *db.Personality) error {
	result := r.db.WithContext(ctx).Save(personality)
	if result.Error != nil {
		return fmt.Errorf("personalities: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormPersonalityRepository) ListWithAvatars(ctx context.Context) ([]db.Personality, error) {
	var list []db.Personality
	err := r.db.WithContext(ctx).Where("avatar_path <> ''").Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("personalities: list with avatars: %w", err)
	}
	return list, nil
}

// gormLLMConfigRepository is the GORM implementation of LLMConfigRepository.
type gormLLMConfigRepository struct {
	db *gorm.DB
}

// NewLLMConfigRepository returns an LLMConfigRepository backed by the
// provided *gorm.DB.
func NewLLMConfigRepository(db *gorm.DB) LLMConfigRepository {
	return &gormLLMConfigRepository{db: db}
}

func (r *gormLLMConfigRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.LLMConfig, error) {
	var cfg db.LLMConfig
	err := r.db.WithContext(ctx).First(&cfg, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("llm configs: get by id: %w", err)
	}
	return &cfg, nil
}

// gormUserConfigRepository is the GORM implementation of UserConfigRepository.
type gormUserConfigRepository struct {
	db *gorm.DB
}

// NewUserConfigRepository returns a UserConfigRepository backed by the
// provided *gorm.DB.
func NewUserConfigRepository(db *gorm.DB) UserConfigRepository {
	return &gormUserConfigRepository{db: db}
}

func (r *gormUserConfigRepository) Get(ctx context.Context, userID, personalityID uuid.UUID) (*db.UserPersonalityConfig, error) {
	var cfg db.UserPersonalityConfig
	err := r.db.WithContext(ctx).
		First(&cfg, "user_id = ? AND personality_id = ?", userID, personalityID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("user configs: get: %w", err)
	}
	return &cfg, nil
}

// Upsert writes the override row, or deletes it when both overrides are nil —
// an empty override row is indistinguishable from no row, so none is kept.
func (r *gormUserConfigRepository) Upsert(ctx context.Context, cfg *db.UserPersonalityConfig) error {
	if cfg.PersonaID == nil && cfg.LLMConfigID == nil {
		err := r.db.WithContext(ctx).
			Delete(&db.UserPersonalityConfig{}, "user_id = ? AND personality_id = ?", cfg.UserID, cfg.PersonalityID).Error
		if err != nil {
			return fmt.Errorf("user configs: delete empty: %w", err)
		}
		return nil
	}

	err := r.db.WithContext(ctx).Save(cfg).Error
	if err != nil {
		return fmt.Errorf("user configs: upsert: %w", err)
	}
	return nil
}

// gormCredentialRepository is the GORM implementation of CredentialRepository.
type gormCredentialRepository struct {
	db *gorm.DB
}

// NewCredentialRepository returns a CredentialRepository backed by the
// provided *gorm.DB.
func NewCredentialRepository(db *gorm.DB) CredentialRepository {
	return &gormCredentialRepository{db: db}
}

func (r *gormCredentialRepository) Get(ctx context.Context, userID uuid.UUID, service string) (*db.UserCredential, error) {
	var cred db.UserCredential
	err := r.db.WithContext(ctx).
		First(&cred, "user_id = ? AND service = ?", userID, service).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("credentials: get: %w", err)
	}
	return &cred, nil
}

func (r *gormCredentialRepository) Upsert(ctx context.Context, cred *db.UserCredential) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing db.UserCredential
		err := tx.First(&existing, "user_id = ? AND service = ?", cred.UserID, cred.Service).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(cred).Error
		case err != nil:
			return err
		default:
			existing.CredType = cred.CredType
			existing.Content = cred.Content
			existing.ExpiresAt = cred.ExpiresAt
			return tx.Save(&existing).Error
		}
	})
	if err != nil {
		return fmt.Errorf("credentials: upsert: %w", err)
	}
	return nil
}

func (r *gormCredentialRepository) Delete(ctx context.Context, userID uuid.UUID, service string) error {
	result := r.db.WithContext(ctx).
		Delete(&db.UserCredential{}, "user_id = ? AND service = ?", userID, service)
	if result.Error != nil {
		return fmt.Errorf("credentials: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
