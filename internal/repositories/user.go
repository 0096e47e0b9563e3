package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chimera-ai/chimera/internal/db"
)

// gormUserRepository is the GORM implementation of UserRepository.
type gormUserRepository struct {
	db *gorm.DB
}

// NewUserRepository returns a UserRepository backed by the provided *gorm.DB.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &gormUserRepository{db: db}
}

// CreateWithDefaultPersona inserts the user and its default persona
// atomically. The persona's UserID is filled from the created user, and the
// user's DefaultPersonaID from the created persona, before commit.
func (r *gormUserRepository) CreateWithDefaultPersona(ctx context.Context, user *db.User, persona *db.Persona) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(user).Error; err != nil {
			return err
		}
		persona.UserID = user.ID
		if err := tx.Create(persona).Error; err != nil {
			return err
		}
		user.DefaultPersonaID = &persona.ID
		return tx.Model(user).Update("default_persona_id", persona.ID).Error
	})
	if err != nil {
		return fmt.Errorf("users: create with default persona: %w", err)
	}
	return nil
}

// GetByID retrieves a user by internal UUID. Returns ErrNotFound if absent.
func (r *gormUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by id: %w", err)
	}
	return &user, nil
}

// GetByDiscordID retrieves a user by platform snowflake.
func (r *gormUserRepository) GetByDiscordID(ctx context.Context, discordID string) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).First(&user, "discord_id = ?", discordID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by discord id: %w", err)
	}
	return &user, nil
}

// Update persists all fields of an existing user record.
func (r *gormUserRepository) Update(ctx context.Context, user *db.User) error {
	result := r.db.WithContext(ctx).Save(user)
	if result.Error != nil {
		return fmt.Errorf("users: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// gormPersonaRepository is the GORM implementation of PersonaRepository.
type gormPersonaRepository struct {
	db *gorm.DB
}

// NewPersonaRepository returns a PersonaRepository backed by the provided *gorm.DB.
func NewPersonaRepository(db *gorm.DB) PersonaRepository {
	return &gormPersonaRepository{db: db}
}

func (r *gormPersonaRepository) Create(ctx context.Context, persona *db.Persona) error {
	if err := r.db.WithContext(ctx).Create(persona).Error; err != nil {
		return fmt.Errorf("personas: create: %w", err)
	}
	return nil
}

func (r *gormPersonaRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Persona, error) {
	var persona db.Persona
	err := r.db.WithContext(ctx).First(&persona, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("personas: get by id: %w", err)
	}
	return &persona, nil
}

func (r *gormPersonaRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]db.Persona, error) {
	var personas []db.Persona
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Find(&personas).Error; err != nil {
		return nil, fmt.Errorf("personas: list by user: %w", err)
	}
	return personas, nil
}
