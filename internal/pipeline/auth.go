package pipeline

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/chimera-ai/chimera/internal/cache"
	"github.com/chimera-ai/chimera/internal/repositories"
)

// DefaultFreeModel stands in when guest mode must substitute a free model
// and no operator-configured default exists.
const DefaultFreeModel = "meta-llama/llama-3.3-70b-instruct:free"

// freeDefaultSettingKey is the system-settings row holding the operator's
// preferred guest-mode model.
const freeDefaultSettingKey = "free_default_model"

// providerService is the credential-service tag for the upstream provider.
const providerService = "openrouter"

// AuthStage picks the API key for the invocation. A usable BYOK key wins;
// otherwise the system key is used in guest mode and the request is pinned
// to free-tier models. Resolution failures of any kind degrade to guest mode
// instead of failing the request.
type AuthStage struct {
	Credentials *cache.CredentialResolver
	Settings    repositories.SettingsRepository
	SystemKey   string
}

func (AuthStage) Name() string { return "auth-resolution" }

func (s AuthStage) Run(ctx context.Context, g *GenerationContext) error {
	userKey, err := s.Credentials.Get(ctx, g.Request.UserID, providerService)
	if err != nil {
		g.Log.Warn("credential resolution failed, degrading to guest mode", zap.Error(err))
		userKey = ""
	}

	if userKey != "" {
		g.Auth = AuthInfo{APIKey: userKey}
		return nil
	}

	g.Auth = AuthInfo{APIKey: s.SystemKey, GuestMode: true}
	s.enforceFreeModels(ctx, g)
	g.Log.Info("guest mode active", zap.String("model", g.Resolved.Model))
	return nil
}

// enforceFreeModels rewrites the resolved config so a guest never invokes a
// paid model: non-free chat models are substituted with the free default and
// non-free vision models are cleared.
func (s AuthStage) enforceFreeModels(ctx context.Context, g *GenerationContext) {
	if !isFreeModel(g.Resolved.Model) {
		g.Resolved.Model = s.freeDefault(ctx, g)
	}
	if g.Resolved.Personality.VisionModel != "" && !isFreeModel(g.Resolved.Personality.VisionModel) {
		g.Resolved.Personality.VisionModel = ""
	}
}

func (s AuthStage) freeDefault(ctx context.Context, g *GenerationContext) string {
	if s.Settings != nil {
		configured, err := s.Settings.Get(ctx, freeDefaultSettingKey)
		if err == nil && configured != "" {
			return configured
		}
		if err != nil && err != repositories.ErrNotFound {
			g.Log.Warn("free-default setting lookup failed", zap.Error(err))
		}
	}
	return DefaultFreeModel
}

// isFreeModel reports whether the model id names a free variant.
func isFreeModel(model string) bool {
	return strings.HasSuffix(model, ":free")
}
