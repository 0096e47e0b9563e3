package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/chimera-ai/chimera/internal/bus"
	"github.com/chimera-ai/chimera/internal/db"
	"github.com/chimera-ai/chimera/internal/repositories"
)

type channelHandler struct {
	channels repositories.ChannelRepository
	bus      *bus.Bus
	log      *zap.Logger
}

// channelDTO is the wire shape of one activated channel.
type channelDTO struct {
	ChannelID     string      `json:"channelId"`
	GuildID       string      `json:"guildId,omitempty"`
	PersonalityID string      `json:"personalityId"`
	Overrides     db.JSONText `json:"overrides"`
	CreatedBy     string      `json:"createdBy,omitempty"`
}

// List returns the activated channels of a guild, bounded to 500 rows.
func (h *channelHandler) List(w http.ResponseWriter, r *http.Request) {
	guildID := r.URL.Query().Get("guildId")
	if guildID == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "guildId is required", "")
		return
	}

	list, err := h.channels.ListByGuild(r.Context(), guildID, repositories.ListOptions{Limit: 500})
	if err != nil {
		h.log.Error("channel list failed", zap.String("guildId", guildID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "channel store unavailable", "")
		return
	}

	dtos := make([]channelDTO, 0, len(list))
	for _, c := range list {
		dtos = append(dtos, channelDTO{
			ChannelID:     c.ChannelID,
			GuildID:       c.GuildID,
			PersonalityID: c.PersonalityID.String(),
			Overrides:     c.Overrides,
			CreatedBy:     c.CreatedBy,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": dtos})
}

// PatchOverrides applies a strict-schema merge patch to the channel's
// override blob. Null fields clear; unknown fields reject the whole patch.
func (h *channelHandler) PatchOverrides(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "id")

	patch, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "unreadable patch body", "")
		return
	}

	channel, err := h.channels.GetByChannelID(r.Context(), channelID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeNotFound, "channel is not activated", "")
			return
		}
		h.log.Error("channel lookup failed", zap.String("channelId", channelID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "channel store unavailable", "")
		return
	}

	merged, err := repositories.MergeChannelOverrides(channel.Overrides, patch)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error(), "")
		return
	}
	if err := h.channels.SetOverrides(r.Context(), channelID, merged); err != nil {
		h.log.Error("override write failed", zap.String("channelId", channelID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "channel store unavailable", "")
		return
	}

	h.invalidate(r, channelID)
	writeJSON(w, http.StatusOK, map[string]any{
		"channelId": channelID,
		"overrides": merged,
	})
}

// ClearOverrides resets the channel's override blob.
func (h *channelHandler) ClearOverrides(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "id")

	if err := h.channels.ClearOverrides(r.Context(), channelID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeNotFound, "channel is not activated", "")
			return
		}
		h.log.Error("override clear failed", zap.String("channelId", channelID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "channel store unavailable", "")
		return
	}

	h.invalidate(r, channelID)
	writeJSON(w, http.StatusOK, map[string]string{"channelId": channelID, "overrides": "{}"})
}

// invalidate fans a channel invalidation across the cache fabric. Failure is
// logged, not surfaced: the write already landed.
func (h *channelHandler) invalidate(r *http.Request, channelID string) {
	if err := h.bus.Publish(r.Context(), bus.Event{Kind: bus.KindChannel}); err != nil {
		h.log.Warn("channel invalidation publish failed",
			zap.String("channelId", channelID), zap.Error(err))
	}
}
