package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/chimera-ai/chimera/internal/queue"
)

// maxAudioBytes bounds the audio download for transcription jobs.
const maxAudioBytes = 25 << 20

// TranscriptionPayload is the AudioTranscription job input. The audio lives
// at a staged temp-attachment URL.
type TranscriptionPayload struct {
	RequestID string `json:"requestId"`
	AudioURL  string `json:"audioUrl"`
	Filename  string `json:"filename,omitempty"`
}

// TranscriptionResult is the job output, consumed directly or by a chained
// generation job.
type TranscriptionResult struct {
	Text string `json:"text"`
}

// Transcription returns the handler for AudioTranscription jobs.
func (d *Deps) Transcription() queue.Handler {
	return func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		var p TranscriptionPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, queue.Permanent(fmt.Errorf("malformed transcription payload: %w", err))
		}
		if p.AudioURL == "" {
			return nil, queue.Permanent(fmt.Errorf("transcription payload has no audio url"))
		}

		audio, err := fetchBlob(ctx, p.AudioURL, maxAudioBytes)
		if err != nil {
			return nil, fmt.Errorf("fetch audio: %w", err)
		}

		filename := p.Filename
		if filename == "" {
			filename = "audio.ogg"
		}
		tr, err := d.LLM.Transcribe(ctx, d.Cfg.OpenRouterKey, transcriptionModel, filename, audio)
		if err != nil {
			return nil, wrapClassified(err)
		}

		d.Log.Info("audio transcribed",
			zap.String("jobId", job.ID),
			zap.Int("chars", len(tr.Text)))
		return json.Marshal(TranscriptionResult{Text: tr.Text})
	}
}

// DescriptionPayload is the ImageDescription job input.
type DescriptionPayload struct {
	RequestID string `json:"requestId"`
	ImageURL  string `json:"imageUrl"`
	// Model overrides the personality's vision model when set.
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt,omitempty"`
}

// DescriptionResult is the job output.
type DescriptionResult struct {
	Description string `json:"description"`
}

// defaultVisionModel is used when the payload names none.
const defaultVisionModel = "openai/gpt-4o-mini"

// ImageDescription returns the handler for ImageDescription jobs. Its output
// feeds chained generation jobs as an attachment description.
func (d *Deps) ImageDescription() queue.Handler {
	return func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		var p DescriptionPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, queue.Permanent(fmt.Errorf("malformed description payload: %w", err))
		}
		if p.ImageURL == "" {
			return nil, queue.Permanent(fmt.Errorf("description payload has no image url"))
		}

		model := p.Model
		if model == "" {
			model = defaultVisionModel
		}
		description, err := d.LLM.DescribeImage(ctx, d.Cfg.OpenRouterKey, model, p.ImageURL, p.Prompt)
		if err != nil {
			return nil, wrapClassified(err)
		}
		return json.Marshal(DescriptionResult{Description: description})
	}
}

// fetchBlob downloads a staged attachment, bounded by limit.
func fetchBlob(ctx context.Context, url string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}
