// Package llm is the Chat-Completions client for the upstream provider,
// including the OpenRouter transport quirks (request extras, reasoning
// folding, 400-with-valid-body recovery) and the error taxonomy the queue's
// retry policy keys on.
package llm

import "encoding/json"

// Message is one chat turn in the canonical lower-case-role form.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatRequest is a Chat-Completions request body. Nil pointer fields are
// omitted so provider defaults apply.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	Reasoning   *Reasoning `json:"reasoning,omitempty"`
}

// Reasoning requests provider-side reasoning with the given effort.
type Reasoning struct {
	Effort string `json:"effort"`
}

// ChatResponse is the subset of the Chat-Completions response the pipeline
// consumes.
type ChatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type ResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Content returns the first choice's content, or "" when the provider
// returned no choices.
func (r *ChatResponse) Content() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// FinishReason returns the first choice's finish reason.
func (r *ChatResponse) FinishReason() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].FinishReason
}

// NaturalStop reports whether the provider stopped on its own rather than on
// length or an explicit stop sequence.
func (r *ChatResponse) NaturalStop() bool {
	return r.FinishReason() == "stop"
}

// EmbedRequest is an embeddings request for memory persistence.
type EmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// EmbedResponse carries one vector per input.
type EmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// providerError is the error envelope OpenRouter and OpenAI-compatible
// providers return on non-2xx responses.
type providerError struct {
	Error struct {
		Message string          `json:"message"`
		Code    json.RawMessage `json:"code"`
	} `json:"error"`
}
