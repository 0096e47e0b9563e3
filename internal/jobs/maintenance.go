package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/chimera-ai/chimera/internal/db"
	"github.com/chimera-ai/chimera/internal/llm"
	"github.com/chimera-ai/chimera/internal/memory"
)

const (
	// tempAttachmentTTL is how long a staged request directory may live
	// before cleanup removes it. Workers fetch attachments within seconds
	// of enqueue; an hour covers the deepest retry backoff.
	tempAttachmentTTL = time.Hour

	// tombstoneRetention is how long deleted-message tombstones are kept.
	tombstoneRetention = 30 * 24 * time.Hour

	// backfillBatch bounds one backfill pass so a long outage drains
	// incrementally instead of hammering the embedding endpoint.
	backfillBatch = 50
)

// CleanupTempAttachments removes staged attachment directories older than the
// TTL. Each request gets its own directory under the staging root, so age is
// judged per directory, not per file.
func (d *Deps) CleanupTempAttachments(ctx context.Context) error {
	root := d.Cfg.TempAttachmentsDir()
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read staging root: %w", err)
	}

	cutoff := time.Now().Add(-tempAttachmentTTL)
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if err := os.RemoveAll(dir); err != nil {
			d.Log.Warn("stale attachment dir removal failed",
				zap.String("dir", dir), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		d.Log.Info("stale attachment dirs removed", zap.Int("count", removed))
	}
	return nil
}

// pendingMeta is the metadata blob the persistence stage stores alongside a
// pending memory row.
type pendingMeta struct {
	Scope     string   `json:"scope"`
	ChannelID string   `json:"channelId"`
	GuildID   string   `json:"guildId"`
	Senders   []string `json:"senders"`
	CreatedAt string   `json:"createdAt"`
}

// BackfillPendingMemories retries vector inserts that failed during
// generation. Rows that exhaust the attempt budget stay behind for operator
// inspection; ListRetryable excludes them.
func (d *Deps) BackfillPendingMemories(ctx context.Context) error {
	rows, err := d.Pending.ListRetryable(ctx, MaxAttempts, backfillBatch)
	if err != nil {
		return fmt.Errorf("list retryable memories: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	recovered := 0
	for i := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		row := &rows[i]
		if err := d.backfillOne(ctx, row); err != nil {
			d.Log.Warn("memory backfill attempt failed",
				zap.String("memoryId", row.MemoryID.String()),
				zap.Int("attempts", row.Attempts+1),
				zap.Error(err))
			if markErr := d.Pending.MarkFailed(ctx, row.MemoryID, err.Error()); markErr != nil {
				d.Log.Error("pending-memory bookkeeping failed", zap.Error(markErr))
			}
			continue
		}
		if err := d.Pending.DeleteByMemoryID(ctx, row.MemoryID); err != nil {
			d.Log.Warn("pending-memory cleanup failed", zap.Error(err))
		}
		recovered++
	}
	d.Log.Info("pending-memory backfill pass done",
		zap.Int("recovered", recovered), zap.Int("seen", len(rows)))
	return nil
}

func (d *Deps) backfillOne(ctx context.Context, row *db.PendingMemory) error {
	var meta pendingMeta
	if err := json.Unmarshal([]byte(row.Metadata), &meta); err != nil {
		return fmt.Errorf("malformed metadata: %w", err)
	}
	createdAt := row.CreatedAt
	if t, err := time.Parse(time.RFC3339, meta.CreatedAt); err == nil {
		createdAt = t
	}

	embedded, err := d.LLM.Embed(ctx, d.Cfg.OpenRouterKey, &llm.EmbedRequest{
		Model: embeddingModel,
		Input: []string{row.Content},
	})
	if err != nil {
		return err
	}

	_, err = d.Memories.Insert(ctx, &memory.Memory{
		ID:            row.MemoryID,
		PersonaID:     row.PersonaID,
		PersonalityID: row.PersonalityID,
		Content:       row.Content,
		Scope:         meta.Scope,
		ChannelID:     meta.ChannelID,
		GuildID:       meta.GuildID,
		Senders:       meta.Senders,
		CreatedAt:     createdAt,
	}, embedded.Data[0].Embedding)
	return err
}

// PurgeTombstones drops deleted-message tombstones past the retention window.
func (d *Deps) PurgeTombstones(ctx context.Context) error {
	cutoff := time.Now().Add(-tombstoneRetention)
	n, err := d.Tombstones.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge tombstones: %w", err)
	}
	if n > 0 {
		d.Log.Info("tombstones purged", zap.Int64("count", n))
	}
	return nil
}

// ResyncAvatars reconciles the personality table against the avatar cache
// directory. A personality whose avatar file is gone has its path cleared so
// clients fall back to the default instead of requesting a dead URL.
func (d *Deps) ResyncAvatars(ctx context.Context) error {
	list, err := d.Personalities.ListWithAvatars(ctx)
	if err != nil {
		return fmt.Errorf("list personalities: %w", err)
	}

	cleared := 0
	for i := range list {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := &list[i]
		path := filepath.Join(d.Cfg.AvatarsDir(), filepath.Base(p.AvatarPath))
		if _, err := os.Stat(path); err == nil {
			continue
		}
		p.AvatarPath = ""
		if err := d.Personalities.Update(ctx, p); err != nil {
			d.Log.Warn("avatar path clear failed",
				zap.String("personalityId", p.ID.String()), zap.Error(err))
			continue
		}
		cleared++
	}
	if cleared > 0 {
		d.Log.Info("stale avatar paths cleared", zap.Int("count", cleared))
	}
	return nil
}
