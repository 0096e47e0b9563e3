package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chimera-ai/chimera/internal/bus"
	"github.com/chimera-ai/chimera/internal/db"
	"github.com/chimera-ai/chimera/internal/repositories"
)

// Config sources, most specific wins. Recorded on the resolved config so the
// pipeline can log which layer supplied the generation parameters.
const (
	SourcePersonality = "personality"
	SourceUserConfig  = "userConfig"
	SourceChannel     = "channelOverride"
)

// ResolvedConfig is the effective generation configuration after the cascade:
// personality defaults, then the user's LLM config override, then channel
// overrides. Source names the most specific layer that contributed a value.
type ResolvedConfig struct {
	Personality db.Personality

	Model           string
	SystemPrompt    string
	Temperature     float64
	MaxTokens       int
	TopP            *float64
	StopSequences   []string
	ReasoningEffort string

	// PersonaID is set only when a channel override pins a persona; it takes
	// precedence over the user's persona resolution.
	PersonaID *uuid.UUID

	Source string
}

// channelOverrides mirrors the strict override schema validated on write.
type channelOverrides struct {
	PersonaID    *uuid.UUID `json:"personaId"`
	LLMConfigID  *uuid.UUID `json:"llmConfigId"`
	Model        *string    `json:"model"`
	Temperature  *float64   `json:"temperature"`
	MaxTokens    *int       `json:"maxTokens"`
	SystemPrompt *string    `json:"systemPrompt"`
}

// CascadeResolver computes and caches the effective personality configuration
// for a (user, personality, channel) triple. Channel is optional; requests
// outside an activated channel pass the empty string.
type CascadeResolver struct {
	cache         *TTLCache[*ResolvedConfig]
	personalities repositories.PersonalityRepository
	userConfigs   repositories.UserConfigRepository
	channels      repositories.ChannelRepository
	llmConfigs    *LLMConfigResolver
	log           *zap.Logger
}

func NewCascadeResolver(
	personalities repositories.PersonalityRepository,
	userConfigs repositories.UserConfigRepository,
	channels repositories.ChannelRepository,
	llmConfigs *LLMConfigResolver,
	ttl time.Duration,
	log *zap.Logger,
) *CascadeResolver {
	return &CascadeResolver{
		cache:         NewTTLCache[*ResolvedConfig](ttl),
		personalities: personalities,
		userConfigs:   userConfigs,
		channels:      channels,
		llmConfigs:    llmConfigs,
		log:           log,
	}
}

// Resolve returns the effective configuration. Missing cascade layers are
// skipped, a malformed channel override blob is logged and ignored, and a
// dangling LLM config reference falls back to personality defaults.
func (r *CascadeResolver) Resolve(ctx context.Context, userID, personalityID uuid.UUID, channelID string) (*ResolvedConfig, error) {
	key := userID.String() + ":" + personalityID.String() + ":" + channelID
	if v, ok := r.cache.Get(key); ok {
		if v == nil {
			return nil, repositories.ErrNotFound
		}
		return v, nil
	}

	p, err := r.personalities.GetByID(ctx, personalityID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			r.cache.Set(key, nil)
		}
		return nil, fmt.Errorf("cache: resolve cascade: %w", err)
	}

	resolved := &ResolvedConfig{
		Personality:  *p,
		Model:        p.Model,
		SystemPrompt: p.SystemPrompt,
		Temperature:  p.Temperature,
		MaxTokens:    p.MaxTokens,
		Source:       SourcePersonality,
	}

	if err := r.applyUserConfig(ctx, userID, personalityID, resolved); err != nil {
		return nil, err
	}
	if channelID != "" {
		if err := r.applyChannelOverrides(ctx, channelID, resolved); err != nil {
			return nil, err
		}
	}

	r.cache.Set(key, resolved)
	return resolved, nil
}

func (r *CascadeResolver) applyUserConfig(ctx context.Context, userID, personalityID uuid.UUID, out *ResolvedConfig) error {
	cfg, err := r.userConfigs.Get(ctx, userID, personalityID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("cache: cascade user config: %w", err)
	}
	if cfg.LLMConfigID == nil {
		return nil
	}

	llm, err := r.llmConfigs.Get(ctx, *cfg.LLMConfigID)
	if err != nil {
		return err
	}
	if llm == nil {
		r.log.Warn("user config references missing llm config",
			zap.String("userId", userID.String()),
			zap.String("llmConfigId", cfg.LLMConfigID.String()))
		return nil
	}

	out.Model = llm.Model
	if llm.Temperature != nil {
		out.Temperature = *llm.Temperature
	}
	if llm.TopP != nil {
		out.TopP = llm.TopP
	}
	if llm.MaxTokens != nil {
		out.MaxTokens = *llm.MaxTokens
	}
	if stops := decodeStringArray(llm.StopSequences); len(stops) > 0 {
		out.StopSequences = stops
	}
	if llm.ReasoningEffort != "" {
		out.ReasoningEffort = llm.ReasoningEffort
	}
	out.Source = SourceUserConfig
	return nil
}

func (r *CascadeResolver) applyChannelOverrides(ctx context.Context, channelID string, out *ResolvedConfig) error {
	ch, err := r.channels.GetByChannelID(ctx, channelID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("cache: cascade channel: %w", err)
	}
	if ch.Overrides == "" || ch.Overrides == "{}" {
		return nil
	}

	var ov channelOverrides
	if err := json.Unmarshal([]byte(ch.Overrides), &ov); err != nil {
		// Overrides are validated on write, so this indicates a corrupt row.
		// Generation proceeds without the channel layer rather than failing.
		r.log.Warn("malformed channel override blob",
			zap.String("channelId", channelID), zap.Error(err))
		return nil
	}

	applied := false
	if ov.LLMConfigID != nil {
		llm, err := r.llmConfigs.Get(ctx, *ov.LLMConfigID)
		if err != nil {
			return err
		}
		if llm != nil {
			out.Model = llm.Model
			if llm.Temperature != nil {
				out.Temperature = *llm.Temperature
			}
			if llm.TopP != nil {
				out.TopP = llm.TopP
			}
			if llm.MaxTokens != nil {
				out.MaxTokens = *llm.MaxTokens
			}
			if stops := decodeStringArray(llm.StopSequences); len(stops) > 0 {
				out.StopSequences = stops
			}
			applied = true
		}
	}
	if ov.PersonaID != nil {
		out.PersonaID = ov.PersonaID
		applied = true
	}
	if ov.Model != nil {
		out.Model = *ov.Model
		applied = true
	}
	if ov.Temperature != nil {
		out.Temperature = *ov.Temperature
		applied = true
	}
	if ov.MaxTokens != nil {
		out.MaxTokens = *ov.MaxTokens
		applied = true
	}
	if ov.SystemPrompt != nil {
		out.SystemPrompt = *ov.SystemPrompt
		applied = true
	}
	if applied {
		out.Source = SourceChannel
	}
	return nil
}

func decodeStringArray(raw db.JSONText) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// HandleEvent applies an invalidation event. Cascade entries depend on
// personalities, user configs, LLM configs and channel rows, so personality
// and channel events clear the cache wholesale; cascade/user events clear by
// key prefix.
func (r *CascadeResolver) HandleEvent(e bus.Event) {
	switch e.Kind {
	case bus.KindCascade:
		switch e.Scope {
		case bus.ScopeAll, bus.ScopeAdmin, bus.ScopePersonality:
			// Personality-scoped entries cannot be matched by prefix; a full
			// clear is the safe superset.
			r.cache.Clear()
		case bus.ScopeUser:
			r.cache.DeletePrefix(e.ID + ":")
		}
	case bus.KindPersonality, bus.KindChannel:
		r.cache.Clear()
	case bus.KindLLMConfig:
		r.cache.Clear()
	}
}
