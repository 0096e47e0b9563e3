package repositories

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/chimera-ai/chimera/internal/db"
)

// testDB opens an isolated in-memory SQLite database with all migrations
// applied. Each test gets its own database.
func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    "file:" + t.Name() + "?mode=memory&cache=shared",
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return database
}

func TestCreateWithDefaultPersona(t *testing.T) {
	repo := NewUserRepository(testDB(t))
	ctx := context.Background()

	user := &db.User{DiscordID: "123456789", DisplayName: "Lila"}
	persona := &db.Persona{Name: "Lila"}
	require.NoError(t, repo.CreateWithDefaultPersona(ctx, user, persona))

	got, err := repo.GetByDiscordID(ctx, "123456789")
	require.NoError(t, err)
	require.NotNil(t, got.DefaultPersonaID)
	assert.Equal(t, persona.ID, *got.DefaultPersonaID)
	assert.Equal(t, user.ID, persona.UserID)
}

func TestConfirmDeliveryIdempotent(t *testing.T) {
	repo := NewJobResultRepository(testDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &db.JobResult{
		JobID:   "job-1",
		Payload: db.JSONText(`{"content":"hi"}`),
	}))

	require.NoError(t, repo.ConfirmDelivery(ctx, "job-1"))

	got, err := repo.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, db.DeliveryDelivered, got.Status)
	require.NotNil(t, got.DeliveredAt)

	// Repeated confirmation observes DELIVERED and succeeds.
	require.NoError(t, repo.ConfirmDelivery(ctx, "job-1"))

	// No row at all is the only 404 case.
	assert.ErrorIs(t, repo.ConfirmDelivery(ctx, "job-missing"), ErrNotFound)
}

func TestDenylistInvariants(t *testing.T) {
	tests := []struct {
		name    string
		entry   db.DenylistEntry
		wantErr bool
	}{
		{
			name:  "user bot-wide",
			entry: db.DenylistEntry{Type: "USER", DiscordID: "1", Scope: "BOT", ScopeID: "*"},
		},
		{
			name:  "user per guild",
			entry: db.DenylistEntry{Type: "USER", DiscordID: "1", Scope: "GUILD", ScopeID: "42"},
		},
		{
			name:  "guild bot-wide",
			entry: db.DenylistEntry{Type: "GUILD", DiscordID: "42", Scope: "BOT", ScopeID: "*"},
		},
		{
			name:    "guild with guild scope rejected",
			entry:   db.DenylistEntry{Type: "GUILD", DiscordID: "42", Scope: "GUILD", ScopeID: "42"},
			wantErr: true,
		},
		{
			name:    "bot scope requires wildcard",
			entry:   db.DenylistEntry{Type: "USER", DiscordID: "1", Scope: "BOT", ScopeID: "42"},
			wantErr: true,
		},
		{
			name:    "wildcard only valid for bot scope",
			entry:   db.DenylistEntry{Type: "USER", DiscordID: "1", Scope: "CHANNEL", ScopeID: "*"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDenylistEntry(&tt.entry)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEntry)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDenylistAddThenRemoveRestoresEmpty(t *testing.T) {
	repo := NewDenylistRepository(testDB(t))
	ctx := context.Background()

	entry := &db.DenylistEntry{Type: "USER", DiscordID: "7", Scope: "BOT", ScopeID: "*", AddedBy: "admin"}
	require.NoError(t, repo.Add(ctx, entry))

	denied, err := repo.IsDenied(ctx, "7", "", "")
	require.NoError(t, err)
	assert.True(t, denied)

	require.NoError(t, repo.Remove(ctx, "USER", "7", "BOT", "*"))

	denied, err = repo.IsDenied(ctx, "7", "", "")
	require.NoError(t, err)
	assert.False(t, denied)

	entries, total, err := repo.List(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, total)
}

func TestUserConfigUpsertDeletesWhenEmpty(t *testing.T) {
	repo := NewUserConfigRepository(testDB(t))
	ctx := context.Background()

	userID := mustUUID(t)
	personalityID := mustUUID(t)
	personaID := mustUUID(t)

	cfg := &db.UserPersonalityConfig{UserID: userID, PersonalityID: personalityID, PersonaID: &personaID}
	require.NoError(t, repo.Upsert(ctx, cfg))

	got, err := repo.Get(ctx, userID, personalityID)
	require.NoError(t, err)
	assert.Equal(t, personaID, *got.PersonaID)

	// Clearing both overrides removes the row entirely.
	require.NoError(t, repo.Upsert(ctx, &db.UserPersonalityConfig{UserID: userID, PersonalityID: personalityID}))
	_, err = repo.Get(ctx, userID, personalityID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMergeChannelOverrides(t *testing.T) {
	existing := db.JSONText(`{"model":"anthropic/claude-sonnet-4","temperature":0.7}`)

	t.Run("null clears, omission preserves", func(t *testing.T) {
		merged, err := MergeChannelOverrides(existing, []byte(`{"temperature":null}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"model":"anthropic/claude-sonnet-4"}`, string(merged))
	})

	t.Run("set replaces", func(t *testing.T) {
		merged, err := MergeChannelOverrides(existing, []byte(`{"maxTokens":2048}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"model":"anthropic/claude-sonnet-4","temperature":0.7,"maxTokens":2048}`, string(merged))
	})

	t.Run("unknown key rejected", func(t *testing.T) {
		_, err := MergeChannelOverrides(existing, []byte(`{"bogus":1}`))
		assert.Error(t, err)
	})
}

func mustUUID(t *testing.T) uuid.UUID {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	return id
}
