// Package api implements the ingress HTTP layer: generation and transcription
// intake with deduplication and rate limiting, job status and delivery
// confirmation, channel configuration, and the admin surface. Routing is Chi;
// all routes except health, metrics and the blob mounts require the
// X-Service-Token header.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
)

// Error codes of the failure envelope. Status codes derive from the code.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeNotFound     = "NOT_FOUND"
	CodeRateLimited  = "RATE_LIMITED"
	CodeUnavailable  = "SERVICE_UNAVAILABLE"
	CodeInternal     = "INTERNAL_ERROR"
)

// jobEnvelope is the success shape of the job-submitting and job-reading
// endpoints.
type jobEnvelope struct {
	JobID     string          `json:"jobId"`
	RequestID string          `json:"requestId,omitempty"`
	Status    string          `json:"status"`
	Duplicate bool            `json:"duplicate,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// errEnvelope is the failure shape shared by every endpoint.
type errEnvelope struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RequestID  string `json:"requestId,omitempty"`
	Timestamp  string `json:"timestamp"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError writes the failure envelope.
func writeError(w http.ResponseWriter, status int, code, message, requestID string) {
	writeJSON(w, status, errEnvelope{
		Error:     code,
		Message:   message,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// writeRateLimited writes the 429 envelope with the remaining window.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration, requestID string) {
	seconds := int(retryAfter / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	writeJSON(w, http.StatusTooManyRequests, errEnvelope{
		Error:      CodeRateLimited,
		Message:    "too many requests",
		RequestID:  requestID,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		RetryAfter: seconds,
	})
}

// validate is the shared validator instance; struct tags on the request
// payloads define the declarative schema.
var validate = validator.New(validator.WithRequiredStructEnabled())

// maxBodyBytes bounds request bodies. Attachments arrive by URL, not inline,
// so 1 MB covers the largest legitimate payload.
const maxBodyBytes = 1 << 20

// decodeValid decodes the body into dst and runs struct validation. On
// failure it writes the 400 envelope and returns false so callers can
// early-return.
func decodeValid(w http.ResponseWriter, r *http.Request, dst any, requestID string) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body: "+err.Error(), requestID)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid request: "+err.Error(), requestID)
		return false
	}
	return true
}
