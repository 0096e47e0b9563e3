package jobs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chimera-ai/chimera/internal/config"
	"github.com/chimera-ai/chimera/internal/db"
	"github.com/chimera-ai/chimera/internal/repositories"
)

func testDeps(t *testing.T) *Deps {
	t.Helper()
	cfg := &config.Config{DataDir: t.TempDir()}
	require.NoError(t, cfg.EnsureDirs())
	return &Deps{Cfg: cfg, Log: zap.NewNop()}
}

func TestCleanupTempAttachmentsRemovesOnlyStaleDirs(t *testing.T) {
	d := testDeps(t)
	root := d.Cfg.TempAttachmentsDir()

	stale := filepath.Join(root, "req-old")
	fresh := filepath.Join(root, "req-new")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.MkdirAll(fresh, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "0-a.png"), []byte("x"), 0o644))

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	require.NoError(t, d.CleanupTempAttachments(context.Background()))

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale dir should be gone")
	_, err = os.Stat(fresh)
	assert.NoError(t, err, "fresh dir should survive")
}

func TestCleanupTempAttachmentsMissingRootIsNoop(t *testing.T) {
	d := testDeps(t)
	require.NoError(t, os.RemoveAll(d.Cfg.TempAttachmentsDir()))
	assert.NoError(t, d.CleanupTempAttachments(context.Background()))
}

func TestResyncAvatarsClearsDeadPaths(t *testing.T) {
	d := testDeps(t)
	database, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    "file:" + t.Name() + "?mode=memory&cache=shared",
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	d.Personalities = repositories.NewPersonalityRepository(database)

	owner := uuid.Must(uuid.NewV7())
	present := &db.Personality{
		Slug: "kept", DisplayName: "Kept", Model: "m", OwnerID: owner,
		AvatarPath: "kept.png",
	}
	missing := &db.Personality{
		Slug: "gone", DisplayName: "Gone", Model: "m", OwnerID: owner,
		AvatarPath: "gone.png",
	}
	require.NoError(t, database.Create(present).Error)
	require.NoError(t, database.Create(missing).Error)
	require.NoError(t, os.WriteFile(filepath.Join(d.Cfg.AvatarsDir(), "kept.png"), []byte("png"), 0o644))

	require.NoError(t, d.ResyncAvatars(context.Background()))

	kept, err := d.Personalities.GetBySlug(context.Background(), "kept")
	require.NoError(t, err)
	assert.Equal(t, "kept.png", kept.AvatarPath)

	gone, err := d.Personalities.GetBySlug(context.Background(), "gone")
	require.NoError(t, err)
	assert.Empty(t, gone.AvatarPath)
}

func TestPurgeTombstonesDropsOldRows(t *testing.T) {
	d := testDeps(t)
	database, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    "file:" + t.Name() + "?mode=memory&cache=shared",
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	d.Tombstones = repositories.NewTombstoneRepository(database)

	require.NoError(t, d.Tombstones.Create(context.Background(), "msg-old"))
	require.NoError(t, database.Model(&db.ConversationTombstone{}).
		Where("message_id = ?", "msg-old").
		Update("created_at", time.Now().Add(-60*24*time.Hour)).Error)
	require.NoError(t, d.Tombstones.Create(context.Background(), "msg-new"))

	require.NoError(t, d.PurgeTombstones(context.Background()))

	var count int64
	require.NoError(t, database.Model(&db.ConversationTombstone{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}
