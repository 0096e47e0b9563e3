package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chimera-ai/chimera/internal/config"
	"github.com/chimera-ai/chimera/internal/jobs"
	"github.com/chimera-ai/chimera/internal/kv"
	"github.com/chimera-ai/chimera/internal/pipeline"
	"github.com/chimera-ai/chimera/internal/queue"
	"github.com/chimera-ai/chimera/internal/repositories"
)

// Per-user fixed-window limits. Buckets are independent per surface.
const (
	generateLimit     = 30
	generateWindow    = time.Minute
	transcribeLimit   = 10
	transcribeWindow  = time.Minute
	maxAttachmentSize = 25 << 20
)

// waitTimeout bounds ?wait=true blocking submissions.
const waitTimeout = 2 * time.Minute

type generateHandler struct {
	cfg      *config.Config
	log      *zap.Logger
	queue    *queue.Queue
	limiter  *kv.RateLimiter
	dedup    *kv.Deduplicator
	denylist repositories.DenylistRepository
}

func newGenerateHandler(rc RouterConfig) *generateHandler {
	return &generateHandler{
		cfg:      rc.Cfg,
		log:      rc.Logger,
		queue:    rc.Queue,
		limiter:  rc.Limiter,
		dedup:    rc.Dedup,
		denylist: rc.Denylist,
	}
}

// attachmentInput is one attachment reference as supplied by the gateway.
type attachmentInput struct {
	URL         string `json:"url" validate:"required,url"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// generateRequest is the /ai/generate payload. It mirrors the generation job
// payload with the declarative validation schema attached.
type generateRequest struct {
	UserID        uuid.UUID `json:"userId" validate:"required"`
	PersonalityID uuid.UUID `json:"personalityId" validate:"required"`
	Message       string    `json:"message" validate:"required,max=8000"`

	DisplayName    string `json:"displayName,omitempty" validate:"max=128"`
	Handle         string `json:"handle,omitempty" validate:"max=128"`
	PlatformUserID string `json:"platformUserId,omitempty" validate:"max=64"`

	ConversationHistory []pipeline.HistoryMessage `json:"conversationHistory,omitempty" validate:"max=200"`
	ReferencedMessages  []pipeline.HistoryMessage `json:"referencedMessages,omitempty" validate:"max=20"`
	Attachments         []attachmentInput         `json:"attachments,omitempty" validate:"max=10,dive"`

	ChannelID string `json:"channelId,omitempty" validate:"max=64"`
	GuildID   string `json:"guildId,omitempty" validate:"max=64"`
	SessionID string `json:"sessionId,omitempty" validate:"max=128"`

	MemoryLimit        int     `json:"memoryLimit,omitempty" validate:"min=0,max=50"`
	ChannelBudgetRatio float64 `json:"channelBudgetRatio,omitempty" validate:"min=0,max=1"`
}

// Generate accepts a generation request: rate limit, denylist, attachment
// staging, deduplication, enqueue. With ?wait=true the call blocks until the
// job finishes or the wait window elapses.
func (h *generateHandler) Generate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := uuid.Must(uuid.NewV7()).String()

	var req generateRequest
	if !decodeValid(w, r, &req, requestID) {
		return
	}

	allowed, retryAfter, err := h.limiter.Allow(ctx, "generate", req.UserID.String(), generateLimit, generateWindow)
	if err != nil {
		h.log.Error("rate limit check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "rate limiter unavailable", requestID)
		return
	}
	if !allowed {
		writeRateLimited(w, retryAfter, requestID)
		return
	}

	if req.PlatformUserID != "" {
		denied, err := h.denylist.IsDenied(ctx, req.PlatformUserID, req.GuildID, req.ChannelID)
		if err != nil {
			h.log.Error("denylist check failed", zap.Error(err))
		} else if denied {
			writeError(w, http.StatusForbidden, CodeForbidden, "user or guild is blocked", requestID)
			return
		}
	}

	staged, hashes, err := h.stageAttachments(ctx, requestID, req.Attachments)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "attachment staging failed: "+err.Error(), requestID)
		return
	}

	payload := pipeline.Request{
		RequestID:           requestID,
		UserID:              req.UserID,
		PersonalityID:       req.PersonalityID,
		DisplayName:         req.DisplayName,
		Handle:              req.Handle,
		Message:             req.Message,
		ConversationHistory: req.ConversationHistory,
		ReferencedMessages:  req.ReferencedMessages,
		Attachments:         staged,
		ChannelID:           req.ChannelID,
		GuildID:             req.GuildID,
		SessionID:           req.SessionID,
		MemoryLimit:         req.MemoryLimit,
		ChannelBudgetRatio:  req.ChannelBudgetRatio,
	}

	refIDs := make([]string, 0, len(req.ReferencedMessages))
	for _, m := range req.ReferencedMessages {
		refIDs = append(refIDs, m.Sender+"\x00"+m.Content)
	}
	fingerprint := kv.Fingerprint(req.UserID.String(), req.PersonalityID.String(), req.Message, refIDs, hashes)

	jobID := uuid.Must(uuid.NewV7()).String()
	winner, duplicate, err := h.dedup.Reserve(ctx, fingerprint, jobID)
	if err != nil {
		h.log.Error("dedup reservation failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "deduplication unavailable", requestID)
		return
	}
	if duplicate {
		// Another in-flight job owns this fingerprint; hand back its id
		// without touching the queue.
		h.respond(w, r, winner, requestID, true)
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "payload encoding failed", requestID)
		return
	}
	job, err := h.queue.Enqueue(ctx, queue.TypeGeneration, body, queue.Options{JobID: jobID})
	if err != nil {
		h.log.Error("generation enqueue failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "queue unreachable", requestID)
		return
	}

	h.respond(w, r, job.ID, requestID, false)
}

// transcribeRequest is the /ai/transcribe payload.
type transcribeRequest struct {
	UserID   uuid.UUID `json:"userId" validate:"required"`
	AudioURL string    `json:"audioUrl" validate:"required,url"`
	Filename string    `json:"filename,omitempty" validate:"max=256"`
}

// Transcribe accepts an audio transcription request. The audio is staged
// like any attachment so the worker fetches a gateway-served copy instead of
// the original remote URL.
func (h *generateHandler) Transcribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := uuid.Must(uuid.NewV7()).String()

	var req transcribeRequest
	if !decodeValid(w, r, &req, requestID) {
		return
	}

	allowed, retryAfter, err := h.limiter.Allow(ctx, "transcribe", req.UserID.String(), transcribeLimit, transcribeWindow)
	if err != nil {
		h.log.Error("rate limit check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "rate limiter unavailable", requestID)
		return
	}
	if !allowed {
		writeRateLimited(w, retryAfter, requestID)
		return
	}

	staged, _, err := h.stageAttachments(ctx, requestID, []attachmentInput{{URL: req.AudioURL, Name: req.Filename}})
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "audio staging failed: "+err.Error(), requestID)
		return
	}

	body, err := json.Marshal(jobs.TranscriptionPayload{
		RequestID: requestID,
		AudioURL:  staged[0].URL,
		Filename:  req.Filename,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "payload encoding failed", requestID)
		return
	}
	job, err := h.queue.Enqueue(ctx, queue.TypeTranscription, body, queue.Options{})
	if err != nil {
		h.log.Error("transcription enqueue failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "queue unreachable", requestID)
		return
	}

	h.respond(w, r, job.ID, requestID, false)
}

// respond writes the submission envelope, blocking first when the caller
// asked to wait for the result.
func (h *generateHandler) respond(w http.ResponseWriter, r *http.Request, jobID, requestID string, duplicate bool) {
	if r.URL.Query().Get("wait") != "true" {
		writeJSON(w, http.StatusAccepted, jobEnvelope{
			JobID:     jobID,
			RequestID: requestID,
			Status:    queue.StateQueued,
			Duplicate: duplicate,
		})
		return
	}

	job, err := h.queue.WaitUntilFinished(r.Context(), jobID, waitTimeout)
	if err != nil {
		if errors.Is(err, queue.ErrWaitTimeout) {
			writeJSON(w, http.StatusAccepted, jobEnvelope{
				JobID:     jobID,
				RequestID: requestID,
				Status:    queue.StateActive,
				Duplicate: duplicate,
			})
			return
		}
		h.log.Error("result wait failed", zap.String("jobId", jobID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "result wait failed", requestID)
		return
	}

	writeJSON(w, http.StatusOK, jobEnvelope{
		JobID:     job.ID,
		RequestID: requestID,
		Status:    job.State,
		Duplicate: duplicate,
		Result:    job.Result,
		Error:     job.Error,
	})
}

// stageAttachments downloads each attachment into the shared blob area under
// the request's directory and returns gateway-served references plus the
// content hashes used by the deduplication fingerprint.
func (h *generateHandler) stageAttachments(ctx context.Context, requestID string, inputs []attachmentInput) ([]pipeline.Attachment, []string, error) {
	if len(inputs) == 0 {
		return nil, nil, nil
	}

	dir := filepath.Join(h.cfg.TempAttachmentsDir(), requestID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create staging dir: %w", err)
	}

	staged := make([]pipeline.Attachment, 0, len(inputs))
	hashes := make([]string, 0, len(inputs))
	for i, in := range inputs {
		name := fmt.Sprintf("%d-%s", i, sanitizeFilename(in.Name))
		hash, err := downloadTo(ctx, in.URL, filepath.Join(dir, name))
		if err != nil {
			// Leave nothing half-staged behind.
			_ = os.RemoveAll(dir)
			return nil, nil, err
		}
		staged = append(staged, pipeline.Attachment{
			URL:         h.cfg.GatewayURL + "/temp-attachments/" + requestID + "/" + name,
			Name:        in.Name,
			ContentType: in.ContentType,
		})
		hashes = append(hashes, hash)
	}
	return staged, hashes, nil
}

// downloadTo fetches url into path and returns the hex SHA-256 of the bytes.
func downloadTo(ctx context.Context, url, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	hash := sha256.New()
	_, err = io.Copy(io.MultiWriter(f, hash), io.LimitReader(resp.Body, maxAttachmentSize))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", url, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// sanitizeFilename strips path separators and control characters so a hostile
// attachment name cannot escape the staging directory.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "file"
	}
	return b.String()
}
