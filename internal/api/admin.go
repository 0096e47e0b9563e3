package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/chimera-ai/chimera/internal/bus"
	"github.com/chimera-ai/chimera/internal/db"
	"github.com/chimera-ai/chimera/internal/kv"
	"github.com/chimera-ai/chimera/internal/repositories"
)

type adminHandler struct {
	denylist  repositories.DenylistRepository
	telemetry *kv.StopSequenceTelemetry
	bus       *bus.Bus
	log       *zap.Logger
}

// denylistEntryDTO is the wire shape of one denylist entry, shared by the
// add request and the list response.
type denylistEntryDTO struct {
	Type      string `json:"type" validate:"required,oneof=USER GUILD"`
	DiscordID string `json:"discordId" validate:"required,max=64"`
	Scope     string `json:"scope" validate:"required,oneof=BOT GUILD CHANNEL"`
	ScopeID   string `json:"scopeId" validate:"required,max=64"`
	Reason    string `json:"reason,omitempty" validate:"max=1000"`
	AddedBy   string `json:"addedBy,omitempty" validate:"max=64"`
}

// ListDenylist returns denylist entries with limit/offset pagination.
func (h *adminHandler) ListDenylist(w http.ResponseWriter, r *http.Request) {
	opts := repositories.ListOptions{Limit: 100}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 500 {
		opts.Limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		opts.Offset = v
	}

	entries, total, err := h.denylist.List(r.Context(), opts)
	if err != nil {
		h.log.Error("denylist list failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "denylist store unavailable", "")
		return
	}

	dtos := make([]denylistEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, denylistEntryDTO{
			Type:      e.Type,
			DiscordID: e.DiscordID,
			Scope:     e.Scope,
			ScopeID:   e.ScopeID,
			Reason:    e.Reason,
			AddedBy:   e.AddedBy,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": dtos, "total": total})
}

// AddDenylist inserts one entry. Scope invariants (GUILD type implies BOT
// scope, BOT scope implies scopeId "*") are enforced by the repository and
// surface as 400.
func (h *adminHandler) AddDenylist(w http.ResponseWriter, r *http.Request) {
	var req denylistEntryDTO
	if !decodeValid(w, r, &req, "") {
		return
	}

	entry := &db.DenylistEntry{
		Type:      req.Type,
		DiscordID: req.DiscordID,
		Scope:     req.Scope,
		ScopeID:   req.ScopeID,
		Reason:    req.Reason,
		AddedBy:   req.AddedBy,
	}
	if err := h.denylist.Add(r.Context(), entry); err != nil {
		if errors.Is(err, repositories.ErrInvalidEntry) {
			writeError(w, http.StatusBadRequest, CodeValidation, err.Error(), "")
			return
		}
		h.log.Error("denylist add failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "denylist store unavailable", "")
		return
	}

	h.publish(r, bus.ScopeAdd)
	writeJSON(w, http.StatusCreated, req)
}

// RemoveDenylist deletes the entry identified by the full tuple, passed as
// query parameters.
func (h *adminHandler) RemoveDenylist(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entryType := q.Get("type")
	discordID := q.Get("discordId")
	scope := q.Get("scope")
	scopeID := q.Get("scopeId")
	if entryType == "" || discordID == "" || scope == "" || scopeID == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "type, discordId, scope and scopeId are required", "")
		return
	}

	if err := h.denylist.Remove(r.Context(), entryType, discordID, scope, scopeID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeNotFound, "no matching entry", "")
			return
		}
		h.log.Error("denylist remove failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "denylist store unavailable", "")
		return
	}

	h.publish(r, bus.ScopeRemove)
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// StopSequences returns the aggregated per-model stop-sequence activation
// counters.
func (h *adminHandler) StopSequences(w http.ResponseWriter, r *http.Request) {
	totals, err := h.telemetry.Totals(r.Context())
	if err != nil {
		h.log.Error("stop-sequence totals failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "telemetry store unavailable", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"totals": totals})
}

func (h *adminHandler) publish(r *http.Request, scope bus.Scope) {
	if err := h.bus.Publish(r.Context(), bus.Event{Kind: bus.KindDenylist, Scope: scope}); err != nil {
		h.log.Warn("denylist invalidation publish failed",
			zap.String("scope", strings.ToLower(string(scope))), zap.Error(err))
	}
}
