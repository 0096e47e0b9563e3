package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/chimera-ai/chimera/internal/queue"
	"github.com/chimera-ai/chimera/internal/repositories"
)

type jobHandler struct {
	queue   *queue.Queue
	results repositories.JobResultRepository
	log     *zap.Logger
}

// Get returns the live queue record for a job, falling back to the persisted
// result row once the queue record has aged out.
func (h *jobHandler) Get(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")

	job, err := h.queue.Get(r.Context(), jobID)
	if err == nil {
		writeJSON(w, http.StatusOK, jobEnvelope{
			JobID:  job.ID,
			Status: job.State,
			Result: job.Result,
			Error:  job.Error,
		})
		return
	}
	if !errors.Is(err, queue.ErrJobNotFound) {
		h.log.Error("job lookup failed", zap.String("jobId", jobID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "job store unavailable", "")
		return
	}

	// Completed generation results outlive the queue record.
	res, err := h.results.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeNotFound, "job not found", "")
			return
		}
		h.log.Error("result lookup failed", zap.String("jobId", jobID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "result store unavailable", "")
		return
	}
	writeJSON(w, http.StatusOK, jobEnvelope{
		JobID:  res.JobID,
		Status: queue.StateCompleted,
		Result: json.RawMessage(res.Payload),
	})
}

// ConfirmDelivery transitions the job result to DELIVERED. Confirming an
// already-delivered result is a successful no-op; only a missing row yields
// 404.
func (h *jobHandler) ConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")

	if err := h.results.ConfirmDelivery(r.Context(), jobID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeNotFound, "no result for job", "")
			return
		}
		h.log.Error("delivery confirmation failed", zap.String("jobId", jobID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "result store unavailable", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"jobId":  jobID,
		"status": "DELIVERED",
	})
}
