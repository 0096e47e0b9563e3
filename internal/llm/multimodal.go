package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// DescribeImage asks a vision model for a textual description of the image
// at the given URL. Used by the image-description job whose output feeds a
// chained generation job.
func (c *Client) DescribeImage(ctx context.Context, apiKey, model, imageURL, prompt string) (string, error) {
	if prompt == "" {
		prompt = "Describe this image concisely for someone who cannot see it."
	}

	// Multimodal content parts do not fit the plain string Message, so the
	// body is built directly.
	body := map[string]any{
		"model": model,
		"messages": []any{
			map[string]any{
				"role": RoleUser,
				"content": []any{
					map[string]any{"type": "text", "text": prompt},
					map[string]any{"type": "image_url", "image_url": map[string]any{"url": imageURL}},
				},
			},
		},
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		var resp ChatResponse
		if err := c.post(ctx, apiKey, "/chat/completions", body, &resp); err != nil {
			return nil, Classify(err)
		}
		if resp.Content() == "" {
			return nil, newError(CatEmptyResponse, 0, "vision model returned no description")
		}
		return resp.Content(), nil
	})
	if err != nil {
		return "", Classify(err)
	}
	return out.(string), nil
}

// Transcription is the provider's speech-to-text result.
type Transcription struct {
	Text string `json:"text"`
}

// Transcribe uploads audio bytes to the OpenAI-compatible transcription
// endpoint.
func (c *Client) Transcribe(ctx context.Context, apiKey, model, filename string, audio []byte) (*Transcription, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("llm: build transcription form: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, fmt.Errorf("llm: build transcription form: %w", err)
	}
	if err := mw.WriteField("model", model); err != nil {
		return nil, fmt.Errorf("llm: build transcription form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("llm: build transcription form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return nil, fmt.Errorf("llm: build transcription request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+apiKey)

	out, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, Classify(err)
		}
		defer resp.Body.Close() //nolint:errcheck

		payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, Classify(fmt.Errorf("llm: read transcription response: %w", err))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			var pe providerError
			msg := string(payload)
			if json.Unmarshal(payload, &pe) == nil && pe.Error.Message != "" {
				msg = pe.Error.Message
			}
			return nil, Classify(&statusError{status: resp.StatusCode, message: msg})
		}

		var tr Transcription
		if err := json.Unmarshal(payload, &tr); err != nil {
			return nil, newError(CatSDKParsing, resp.StatusCode, "decode transcription: "+err.Error())
		}
		return &tr, nil
	})
	if err != nil {
		return nil, Classify(err)
	}
	return out.(*Transcription), nil
}
