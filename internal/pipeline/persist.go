package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chimera-ai/chimera/internal/db"
	"github.com/chimera-ai/chimera/internal/llm"
	"github.com/chimera-ai/chimera/internal/memory"
	"github.com/chimera-ai/chimera/internal/repositories"
)

// MemoryWriter is the vector-store surface this stage needs.
type MemoryWriter interface {
	Insert(ctx context.Context, m *memory.Memory, embedding []float32) (bool, error)
}

// PersistStage writes the exchange to long-term memory with an at-least-once
// guarantee: a pending row lands in the relational store before the vector
// insert, is deleted on success, and is retained with the failure recorded
// for the backfill job otherwise. Memory failures never fail generation.
type PersistStage struct {
	Pending        repositories.PendingMemoryRepository
	Store          MemoryWriter
	Embedder       Embedder
	EmbeddingModel string
}

func (PersistStage) Name() string { return "memory-persistence" }

func (s PersistStage) Run(ctx context.Context, g *GenerationContext) error {
	if g.Persona == nil || g.Request.Message == "" {
		return nil
	}

	content := retrievalQuery(g.Request)
	memoryID := memory.DeterministicID(g.Persona.ID, g.Request.PersonalityID, content)

	scope := memory.ScopePersonal
	if g.Request.SessionID != "" {
		scope = memory.ScopeSession
	}
	senders := make([]string, 0, len(g.Participants))
	for _, p := range g.Participants {
		senders = append(senders, p.Name)
	}
	now := time.Now().UTC()

	meta, _ := json.Marshal(map[string]any{
		"personaId":     g.Persona.ID.String(),
		"personalityId": g.Request.PersonalityID.String(),
		"scope":         scope,
		"channelId":     g.Request.ChannelID,
		"guildId":       g.Request.GuildID,
		"senders":       senders,
		"createdAt":     now.Format(time.RFC3339),
	})

	pending := &db.PendingMemory{
		MemoryID:      memoryID,
		PersonaID:     g.Persona.ID,
		PersonalityID: g.Request.PersonalityID,
		Content:       content,
		Metadata:      db.JSONText(meta),
	}
	if err := s.Pending.Create(ctx, pending); err != nil {
		// Without the safety-net row an insert failure would lose the memory,
		// so skip the write entirely and let a later exchange recreate it.
		g.Log.Warn("pending-memory row creation failed, skipping memory write", zap.Error(err))
		return nil
	}

	if err := s.insertMemory(ctx, g, memoryID, content, scope, senders, now); err != nil {
		g.Log.Warn("memory insertion failed, retained for backfill",
			zap.String("memoryId", memoryID.String()), zap.Error(err))
		if markErr := s.Pending.MarkFailed(ctx, memoryID, err.Error()); markErr != nil {
			g.Log.Error("pending-memory failure bookkeeping failed", zap.Error(markErr))
		}
		return nil
	}

	if err := s.Pending.DeleteByMemoryID(ctx, memoryID); err != nil {
		g.Log.Warn("pending-memory cleanup failed", zap.Error(err))
	}
	return nil
}

func (s PersistStage) insertMemory(ctx context.Context, g *GenerationContext, id uuid.UUID, content, scope string, senders []string, createdAt time.Time) error {
	embedded, err := s.Embedder.Embed(ctx, g.Auth.APIKey, &llm.EmbedRequest{
		Model: s.EmbeddingModel,
		Input: []string{content},
	})
	if err != nil {
		return err
	}

	_, err = s.Store.Insert(ctx, &memory.Memory{
		ID:            id,
		PersonaID:     g.Persona.ID,
		PersonalityID: g.Request.PersonalityID,
		Content:       content,
		Scope:         scope,
		ChannelID:     g.Request.ChannelID,
		GuildID:       g.Request.GuildID,
		Senders:       senders,
		CreatedAt:     createdAt,
	}, embedded.Data[0].Embedding)
	return err
}
