package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chimera-ai/chimera/internal/cache"
	"github.com/chimera-ai/chimera/internal/db"
	"github.com/chimera-ai/chimera/internal/llm"
	"github.com/chimera-ai/chimera/internal/repositories"
)

type fakeCredRepo struct {
	cred *db.UserCredential
}

func (f *fakeCredRepo) Get(context.Context, uuid.UUID, string) (*db.UserCredential, error) {
	if f.cred == nil {
		return nil, repositories.ErrNotFound
	}
	return f.cred, nil
}
func (f *fakeCredRepo) Upsert(context.Context, *db.UserCredential) error { return nil }
func (f *fakeCredRepo) Delete(context.Context, uuid.UUID, string) error  { return nil }

type fakeSettings struct {
	values map[string]string
}

func (f *fakeSettings) Get(_ context.Context, key string) (string, error) {
	if v, ok := f.values[key]; ok {
		return v, nil
	}
	return "", repositories.ErrNotFound
}

func testContext(t *testing.T) *GenerationContext {
	t.Helper()
	return &GenerationContext{
		JobID: "job-1",
		Log:   zap.NewNop(),
		Request: &Request{
			RequestID:     "req-1",
			UserID:        uuid.New(),
			PersonalityID: uuid.New(),
			Message:       "hello there",
		},
		Resolved: &cache.ResolvedConfig{
			Personality: db.Personality{
				DisplayName:   "Sage",
				Model:         "anthropic/claude-sonnet-4",
				VisionModel:   "openai/gpt-4o-vision",
				ContextWindow: 16384,
			},
			Model:       "anthropic/claude-sonnet-4",
			Temperature: 1,
			MaxTokens:   1024,
			Source:      cache.SourcePersonality,
		},
	}
}

func TestNormalizeRolesAndTimestamps(t *testing.T) {
	g := testContext(t)
	g.Request.ConversationHistory = []HistoryMessage{
		{Role: "User", Content: "hi", Timestamp: "2026-08-20T10:00:00Z"},
		{Role: "ASSISTANT", Content: "hey", Timestamp: float64(1755684000000)},
		{Role: "narrator", Content: "scene"},
	}

	require.NoError(t, NormalizeStage{}.Run(context.Background(), g))

	h := g.Request.ConversationHistory
	assert.Equal(t, "user", h[0].Role)
	assert.Equal(t, "assistant", h[1].Role)
	// Unknown roles are kept verbatim.
	assert.Equal(t, "narrator", h[2].Role)

	assert.Equal(t, "2026-08-20T10:00:00Z", h[0].Timestamp)
	ms, ok := h[1].Timestamp.(string)
	require.True(t, ok)
	_, err := time.Parse(time.RFC3339, ms)
	assert.NoError(t, err)
}

func TestAuthGuestModeSubstitutesFreeModel(t *testing.T) {
	g := testContext(t)
	stage := AuthStage{
		Credentials: cache.NewCredentialResolver(&fakeCredRepo{}, time.Minute, zap.NewNop()),
		Settings:    &fakeSettings{},
		SystemKey:   "sk-system",
	}

	require.NoError(t, stage.Run(context.Background(), g))

	assert.True(t, g.Auth.GuestMode)
	assert.Equal(t, "sk-system", g.Auth.APIKey)
	assert.Equal(t, DefaultFreeModel, g.Resolved.Model)
	assert.Empty(t, g.Resolved.Personality.VisionModel)
}

func TestAuthGuestModePrefersConfiguredDefault(t *testing.T) {
	g := testContext(t)
	stage := AuthStage{
		Credentials: cache.NewCredentialResolver(&fakeCredRepo{}, time.Minute, zap.NewNop()),
		Settings:    &fakeSettings{values: map[string]string{"free_default_model": "qwen/qwen-2.5-72b:free"}},
		SystemKey:   "sk-system",
	}

	require.NoError(t, stage.Run(context.Background(), g))
	assert.Equal(t, "qwen/qwen-2.5-72b:free", g.Resolved.Model)
}

func TestAuthGuestModeKeepsFreeModel(t *testing.T) {
	g := testContext(t)
	g.Resolved.Model = "meta-llama/llama-3.1-8b:free"
	stage := AuthStage{
		Credentials: cache.NewCredentialResolver(&fakeCredRepo{}, time.Minute, zap.NewNop()),
		Settings:    &fakeSettings{},
		SystemKey:   "sk-system",
	}

	require.NoError(t, stage.Run(context.Background(), g))
	assert.Equal(t, "meta-llama/llama-3.1-8b:free", g.Resolved.Model)
}

func TestAuthUserKeyWins(t *testing.T) {
	g := testContext(t)
	repo := &fakeCredRepo{cred: &db.UserCredential{
		Content: db.EncryptedString("sk-user"),
	}}
	stage := AuthStage{
		Credentials: cache.NewCredentialResolver(repo, time.Minute, zap.NewNop()),
		Settings:    &fakeSettings{},
		SystemKey:   "sk-system",
	}

	require.NoError(t, stage.Run(context.Background(), g))

	assert.False(t, g.Auth.GuestMode)
	assert.Equal(t, "sk-user", g.Auth.APIKey)
	// Paid models stay untouched outside guest mode.
	assert.Equal(t, "anthropic/claude-sonnet-4", g.Resolved.Model)
}

func TestPrepareOldestTimestampAndParticipants(t *testing.T) {
	g := testContext(t)
	g.Request.ConversationHistory = []HistoryMessage{
		{Role: "user", Content: "a", Sender: "Ann", PersonaID: "p1", Timestamp: "2026-08-20T10:00:00Z"},
		{Role: "assistant", Content: "b", Sender: "Sage", Timestamp: "2026-08-20T10:01:00Z"},
		{Role: "user", Content: "c", Sender: "Ann", PersonaID: "p1", Timestamp: "2026-08-20T10:02:00Z"},
	}
	g.Request.ReferencedMessages = []HistoryMessage{
		{Role: "user", Content: "old", Sender: "Ben", PersonaID: "p2", Timestamp: "2026-08-20T09:00:00Z"},
	}

	require.NoError(t, PrepareStage{}.Run(context.Background(), g))

	require.NotNil(t, g.OldestTimestamp)
	assert.Equal(t, "2026-08-20T09:00:00Z", g.OldestTimestamp.UTC().Format(time.RFC3339))

	names := make([]string, 0, len(g.Participants))
	for _, p := range g.Participants {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"Ann", "Sage", "Ben"}, names)
	assert.Len(t, g.Messages, 3)
}

func TestBudgetDropsOldestHistoryFirst(t *testing.T) {
	g := testContext(t)
	g.Resolved.Personality.ContextWindow = 600
	g.Resolved.MaxTokens = 100
	g.SystemPrompt = "system prompt"

	long := make([]byte, 4000)
	for i := range long {
		long[i] = 'a'
	}
	g.Messages = []llm.Message{
		{Role: llm.RoleUser, Content: string(long)},
		{Role: llm.RoleAssistant, Content: "recent short reply"},
	}

	require.NoError(t, BudgetStage{}.Run(context.Background(), g))
	assert.Equal(t, 1, g.DroppedHistory)
	require.Len(t, g.Messages, 1)
	assert.Equal(t, "recent short reply", g.Messages[0].Content)
}
