package db

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/chimera-ai/chimera/internal/config"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := New(Config{
		Driver: "sqlite",
		DSN:    "file:" + t.Name() + "?mode=memory&cache=shared",
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return database
}

func TestCreatePopulatesBaseColumns(t *testing.T) {
	database := openTestDB(t)

	owner := uuid.Must(uuid.NewV7())
	p := &Personality{Slug: "ada", DisplayName: "Ada", Model: "gpt-4o", OwnerID: owner}
	require.NoError(t, database.Create(p).Error)

	assert.NotEqual(t, uuid.UUID{}, p.ID, "hook must assign an id")
	assert.False(t, p.CreatedAt.IsZero())
	assert.False(t, p.UpdatedAt.IsZero())

	var got Personality
	require.NoError(t, database.First(&got, "id = ?", p.ID).Error)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, "ada", got.Slug)
	assert.WithinDuration(t, p.CreatedAt, got.CreatedAt, time.Second)
}

func TestCreateKeepsPresetID(t *testing.T) {
	database := openTestDB(t)

	id := uuid.Must(uuid.NewV7())
	u := &User{Base: Base{ID: id}, DiscordID: "100200300"}
	require.NoError(t, database.Create(u).Error)
	assert.Equal(t, id, u.ID)

	var got User
	require.NoError(t, database.First(&got, "id = ?", id).Error)
	assert.Equal(t, "100200300", got.DiscordID)
}

func TestEncryptedStringWithConfigParsedKey(t *testing.T) {
	key, err := config.ParseEncryptionKey(strings.Repeat("ab", 32))
	require.NoError(t, err)
	require.NoError(t, InitEncryption(key))
	t.Cleanup(func() { encryptionKey = nil })

	secret := EncryptedString("sk-or-v1-user-byok")
	stored, err := secret.Value()
	require.NoError(t, err)

	var got EncryptedString
	require.NoError(t, got.Scan(stored))
	assert.Equal(t, secret, got)
}
