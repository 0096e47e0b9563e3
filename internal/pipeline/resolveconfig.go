package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/chimera-ai/chimera/internal/cache"
)

// ConfigStage resolves the effective personality through the cascade:
// personality defaults, user override, channel override.
type ConfigStage struct {
	Cascade *cache.CascadeResolver
}

func (ConfigStage) Name() string { return "config-resolution" }

func (s ConfigStage) Run(ctx context.Context, g *GenerationContext) error {
	resolved, err := s.Cascade.Resolve(ctx, g.Request.UserID, g.Request.PersonalityID, g.Request.ChannelID)
	if err != nil {
		return fmt.Errorf("resolve effective personality: %w", err)
	}
	g.Resolved = resolved
	g.Log.Info("config resolved",
		zap.String("personality", resolved.Personality.Slug),
		zap.String("model", resolved.Model),
		zap.String("configSource", resolved.Source))
	return nil
}
