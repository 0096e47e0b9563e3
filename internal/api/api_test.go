package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/chimera-ai/chimera/internal/bus"
	"github.com/chimera-ai/chimera/internal/config"
	"github.com/chimera-ai/chimera/internal/db"
	"github.com/chimera-ai/chimera/internal/kv"
	"github.com/chimera-ai/chimera/internal/queue"
	"github.com/chimera-ai/chimera/internal/repositories"
)

const testToken = "secret-token"

type testEnv struct {
	router   http.Handler
	database *gorm.DB
	queue    *queue.Queue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	database, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    "file:" + t.Name() + "?mode=memory&cache=shared",
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)

	cfg := &config.Config{
		ServiceSecret: testToken,
		DataDir:       t.TempDir(),
		GatewayURL:    "http://gateway.local",
	}
	require.NoError(t, cfg.EnsureDirs())

	q := queue.New(client, zap.NewNop())
	router := NewRouter(RouterConfig{
		Cfg:       cfg,
		Logger:    zap.NewNop(),
		Queue:     q,
		Limiter:   kv.NewRateLimiter(client),
		Dedup:     kv.NewDeduplicator(client, 0),
		Telemetry: kv.NewStopSequenceTelemetry(client, zap.NewNop()),
		Bus:       bus.New(client, zap.NewNop()),
		Results:   repositories.NewJobResultRepository(database),
		Channels:  repositories.NewChannelRepository(database),
		Denylist:  repositories.NewDenylistRepository(database),
	})
	return &testEnv{router: router, database: database, queue: q}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("X-Service-Token", token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func generatePayload(message string) map[string]any {
	return map[string]any{
		"userId":        uuid.Must(uuid.NewV7()).String(),
		"personalityId": uuid.Must(uuid.NewV7()).String(),
		"message":       message,
	}
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServiceTokenRequired(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/ai/generate", generatePayload("hi"), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/ai/generate", generatePayload("hi"), "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var env2 errEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env2))
	assert.Equal(t, CodeUnauthorized, env2.Error)
}

func TestGenerateValidation(t *testing.T) {
	env := newTestEnv(t)

	payload := generatePayload("hi")
	delete(payload, "message")
	rec := env.do(t, http.MethodPost, "/ai/generate", payload, testToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var e errEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	assert.Equal(t, CodeValidation, e.Error)
	assert.NotEmpty(t, e.Timestamp)
}

func TestGenerateEnqueues(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/ai/generate", generatePayload("hello there"), testToken)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp jobEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, queue.StateQueued, resp.Status)
	assert.False(t, resp.Duplicate)

	job, err := env.queue.Get(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.TypeGeneration, job.Type)
}

func TestGenerateDeduplicates(t *testing.T) {
	env := newTestEnv(t)
	payload := generatePayload("same message")

	first := env.do(t, http.MethodPost, "/ai/generate", payload, testToken)
	require.Equal(t, http.StatusAccepted, first.Code)
	var a jobEnvelope
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))

	second := env.do(t, http.MethodPost, "/ai/generate", payload, testToken)
	require.Equal(t, http.StatusAccepted, second.Code)
	var b jobEnvelope
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))

	assert.Equal(t, a.JobID, b.JobID)
	assert.True(t, b.Duplicate)

	// The duplicate must not have created a second queue record.
	_, err := env.queue.Get(context.Background(), a.JobID)
	assert.NoError(t, err)
}

func TestGenerateRateLimited(t *testing.T) {
	env := newTestEnv(t)
	userID := uuid.Must(uuid.NewV7()).String()

	var last *httptest.ResponseRecorder
	for i := 0; i <= generateLimit; i++ {
		payload := generatePayload(fmt.Sprintf("message %d", i))
		payload["userId"] = userID
		last = env.do(t, http.MethodPost, "/ai/generate", payload, testToken)
	}
	require.Equal(t, http.StatusTooManyRequests, last.Code)

	var e errEnvelope
	require.NoError(t, json.Unmarshal(last.Body.Bytes(), &e))
	assert.Equal(t, CodeRateLimited, e.Error)
	assert.Greater(t, e.RetryAfter, 0)
}

func TestConfirmDeliveryIdempotent(t *testing.T) {
	env := newTestEnv(t)
	results := repositories.NewJobResultRepository(env.database)
	require.NoError(t, results.Create(context.Background(), &db.JobResult{
		JobID:   "job-1",
		Payload: db.JSONText(`{"content":"hi"}`),
	}))

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/ai/job/job-1/confirm-delivery", nil, testToken)
		assert.Equal(t, http.StatusOK, rec.Code, "confirmation %d", i+1)
	}

	res, err := results.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, db.DeliveryDelivered, res.Status)

	rec := env.do(t, http.MethodPost, "/ai/job/missing/confirm-delivery", nil, testToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobStatusFallsBackToPersistedResult(t *testing.T) {
	env := newTestEnv(t)
	results := repositories.NewJobResultRepository(env.database)
	require.NoError(t, results.Create(context.Background(), &db.JobResult{
		JobID:   "old-job",
		Payload: db.JSONText(`{"content":"archived"}`),
	}))

	rec := env.do(t, http.MethodGet, "/ai/job/old-job", nil, testToken)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp jobEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, queue.StateCompleted, resp.Status)
	assert.JSONEq(t, `{"content":"archived"}`, string(resp.Result))

	rec = env.do(t, http.MethodGet, "/ai/job/never-existed", nil, testToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChannelOverridesLifecycle(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.database.Create(&db.ActivatedChannel{
		ChannelID:     "chan-1",
		GuildID:       "guild-1",
		PersonalityID: uuid.Must(uuid.NewV7()),
		Overrides:     db.JSONText(`{"model":"old-model","temperature":0.5}`),
	}).Error)

	rec := env.do(t, http.MethodPatch, "/user/channel/chan-1/config-overrides",
		map[string]any{"model": "new-model", "temperature": nil}, testToken)
	require.Equal(t, http.StatusOK, rec.Code)

	var patched struct {
		Overrides db.JSONText `json:"overrides"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &patched))
	assert.JSONEq(t, `{"model":"new-model"}`, string(patched.Overrides))

	// Unknown fields reject the whole patch.
	rec = env.do(t, http.MethodPatch, "/user/channel/chan-1/config-overrides",
		map[string]any{"bogus": 1}, testToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodDelete, "/user/channel/chan-1/config-overrides", nil, testToken)
	assert.Equal(t, http.StatusOK, rec.Code)

	list := env.do(t, http.MethodGet, "/user/channel/list?guildId=guild-1", nil, testToken)
	require.Equal(t, http.StatusOK, list.Code)
	var listed struct {
		Channels []channelDTO `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &listed))
	require.Len(t, listed.Channels, 1)
	assert.JSONEq(t, `{}`, string(listed.Channels[0].Overrides))
}

func TestChannelListRequiresGuild(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/user/channel/list", nil, testToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDenylistLifecycle(t *testing.T) {
	env := newTestEnv(t)

	entry := map[string]any{
		"type": "USER", "discordId": "u1", "scope": "CHANNEL", "scopeId": "c1",
		"reason": "spam", "addedBy": "admin",
	}
	rec := env.do(t, http.MethodPost, "/admin/denylist", entry, testToken)
	require.Equal(t, http.StatusCreated, rec.Code)

	list := env.do(t, http.MethodGet, "/admin/denylist", nil, testToken)
	require.Equal(t, http.StatusOK, list.Code)
	var listed struct {
		Entries []denylistEntryDTO `json:"entries"`
		Total   int64              `json:"total"`
	}
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &listed))
	assert.EqualValues(t, 1, listed.Total)

	rec = env.do(t, http.MethodDelete,
		"/admin/denylist?type=USER&discordId=u1&scope=CHANNEL&scopeId=c1", nil, testToken)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Add-then-remove restores the empty state.
	list = env.do(t, http.MethodGet, "/admin/denylist", nil, testToken)
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &listed))
	assert.EqualValues(t, 0, listed.Total)
}

func TestDenylistInvariants(t *testing.T) {
	env := newTestEnv(t)

	cases := []map[string]any{
		{"type": "GUILD", "discordId": "g1", "scope": "GUILD", "scopeId": "g1"},
		{"type": "USER", "discordId": "u1", "scope": "BOT", "scopeId": "not-star"},
	}
	for _, entry := range cases {
		rec := env.do(t, http.MethodPost, "/admin/denylist", entry, testToken)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
}

func TestDeniedUserRejected(t *testing.T) {
	env := newTestEnv(t)
	denylist := repositories.NewDenylistRepository(env.database)
	require.NoError(t, denylist.Add(context.Background(), &db.DenylistEntry{
		Type: "USER", DiscordID: "platform-1", Scope: "BOT", ScopeID: "*",
	}))

	payload := generatePayload("hi")
	payload["platformUserId"] = "platform-1"
	rec := env.do(t, http.MethodPost, "/ai/generate", payload, testToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
