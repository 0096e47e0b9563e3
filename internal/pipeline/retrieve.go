package pipeline

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/chimera-ai/chimera/internal/cache"
	"github.com/chimera-ai/chimera/internal/db"
	"github.com/chimera-ai/chimera/internal/llm"
	"github.com/chimera-ai/chimera/internal/memory"
)

// Retrieval defaults; the request may override the limit and ratio.
const (
	defaultMemoryLimit    = 10
	defaultChannelRatio   = 0.3
	defaultScoreThreshold = 0.35
)

// RetrieveStage resolves the effective persona and pulls long-term memories
// by vector similarity. Retrieval is best-effort: a failure here logs and
// leaves the memory list empty rather than failing generation.
type RetrieveStage struct {
	Personas       *cache.PersonaResolver
	Store          memory.Searcher
	Embedder       Embedder
	EmbeddingModel string
}

// Embedder is satisfied by *llm.Client.
type Embedder interface {
	Embed(ctx context.Context, apiKey string, req *llm.EmbedRequest) (*llm.EmbedResponse, error)
}

func (RetrieveStage) Name() string { return "memory-retrieval" }

func (s RetrieveStage) Run(ctx context.Context, g *GenerationContext) error {
	persona, err := s.resolvePersona(ctx, g)
	if err != nil {
		g.Log.Warn("persona resolution failed, skipping memory retrieval", zap.Error(err))
		return nil
	}
	if persona == nil {
		return nil
	}
	g.Persona = persona

	queryText := retrievalQuery(g.Request)
	embedded, err := s.Embedder.Embed(ctx, g.Auth.APIKey, &llm.EmbedRequest{
		Model: s.EmbeddingModel,
		Input: []string{queryText},
	})
	if err != nil {
		g.Log.Warn("query embedding failed, skipping memory retrieval", zap.Error(err))
		return nil
	}

	limit := g.Request.MemoryLimit
	if limit <= 0 {
		limit = defaultMemoryLimit
	}
	ratio := g.Request.ChannelBudgetRatio
	if ratio <= 0 {
		ratio = defaultChannelRatio
	}

	params := memory.SearchParams{
		Embedding:        embedded.Data[0].Embedding,
		PersonaID:        persona.ID,
		ScoreThreshold:   defaultScoreThreshold,
		ExcludeNewerThan: g.OldestTimestamp,
	}
	if !persona.ShareLTMAcrossPersonalities {
		pid := g.Request.PersonalityID
		params.PersonalityID = &pid
	}

	var channelIDs []string
	if g.Request.ChannelID != "" {
		channelIDs = []string{g.Request.ChannelID}
	}

	memories, err := memory.Waterfall(ctx, s.Store, params, limit, ratio, channelIDs)
	if err != nil {
		g.Log.Warn("memory search failed, proceeding without memories", zap.Error(err))
		return nil
	}
	g.Memories = memories
	g.Log.Info("memories retrieved", zap.Int("count", len(memories)))
	return nil
}

// resolvePersona prefers a channel-pinned persona over the per-user
// resolution.
func (s RetrieveStage) resolvePersona(ctx context.Context, g *GenerationContext) (*db.Persona, error) {
	if g.Resolved != nil && g.Resolved.PersonaID != nil {
		return s.Personas.ResolveByID(ctx, *g.Resolved.PersonaID)
	}
	return s.Personas.Resolve(ctx, g.Request.UserID, g.Request.PersonalityID)
}

// retrievalQuery is the text embedded for similarity search: the user's
// message, plus referenced content when the request carries any.
func retrievalQuery(req *Request) string {
	if len(req.ReferencedMessages) == 0 {
		return req.Message
	}
	var refs []string
	for _, r := range req.ReferencedMessages {
		if r.Content != "" {
			refs = append(refs, r.Content)
		}
	}
	if len(refs) == 0 {
		return req.Message
	}
	return req.Message + "\n\n[Referenced content: " + strings.Join(refs, "\n") + "]"
}
