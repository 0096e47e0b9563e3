package pipeline

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/chimera-ai/chimera/internal/llm"
)

// Chatter is satisfied by *llm.Client.
type Chatter interface {
	Chat(ctx context.Context, apiKey string, req *llm.ChatRequest) (*llm.ChatResponse, error)
}

// InvokeStage performs the provider call. Cancellation of the job context
// aborts the HTTP exchange.
type InvokeStage struct {
	Client Chatter
}

func (InvokeStage) Name() string { return "llm-invocation" }

func (s InvokeStage) Run(ctx context.Context, g *GenerationContext) error {
	messages := make([]llm.Message, 0, len(g.Messages)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: g.SystemPrompt})
	messages = append(messages, g.Messages...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: finalUserTurn(g)})

	req := &llm.ChatRequest{
		Model:    g.Resolved.Model,
		Messages: messages,
		Stop:     g.Resolved.StopSequences,
	}
	temp := g.Resolved.Temperature
	req.Temperature = &temp
	if g.Resolved.TopP != nil {
		req.TopP = g.Resolved.TopP
	}
	if g.Resolved.MaxTokens > 0 {
		maxTokens := g.Resolved.MaxTokens
		req.MaxTokens = &maxTokens
	}
	if g.Resolved.ReasoningEffort != "" {
		req.Reasoning = &llm.Reasoning{Effort: g.Resolved.ReasoningEffort}
	}

	resp, err := s.Client.Chat(ctx, g.Auth.APIKey, req)
	if err != nil {
		return err
	}
	g.Response = resp
	g.Content = resp.Content()
	g.Log.Info("completion received",
		zap.String("model", resp.Model),
		zap.String("finishReason", resp.FinishReason()),
		zap.Int("completionTokens", resp.Usage.CompletionTokens))
	return nil
}

// finalUserTurn is the user's message plus attachment descriptions produced
// by chained description jobs.
func finalUserTurn(g *GenerationContext) string {
	var parts []string
	parts = append(parts, g.Request.Message)
	for _, a := range g.Request.Attachments {
		if a.Description != "" {
			parts = append(parts, "[Attachment "+a.Name+": "+a.Description+"]")
		}
	}
	return strings.Join(parts, "\n")
}
