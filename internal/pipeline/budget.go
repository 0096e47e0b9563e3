package pipeline

import (
	"context"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/chimera-ai/chimera/internal/llm"
)

// completionReserve pads the completion budget beyond max_tokens for message
// framing overhead.
const completionReserve = 64

// BudgetStage fits the conversation into the model's context window: it
// accounts for the system prompt, then drops the oldest history messages and
// the lowest-ranked memories until the final user turn plus the completion
// reserve fit. Dropped counts are recorded for diagnostics.
type BudgetStage struct{}

func (BudgetStage) Name() string { return "token-budgeting" }

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
	encoderErr  error
)

// countTokens approximates provider-side token counts with cl100k_base,
// falling back to a bytes/4 heuristic if the encoding is unavailable.
func countTokens(text string) int {
	encoderOnce.Do(func() {
		encoder, encoderErr = tiktoken.GetEncoding("cl100k_base")
	})
	if encoderErr != nil || encoder == nil {
		return len(text)/4 + 1
	}
	return len(encoder.Encode(text, nil, nil))
}

func (BudgetStage) Run(_ context.Context, g *GenerationContext) error {
	window := g.Resolved.Personality.ContextWindow
	if window <= 0 {
		window = 16384
	}
	reserve := g.Resolved.MaxTokens + completionReserve
	userTokens := countTokens(g.Request.Message)

	historyTokens := make([]int, len(g.Messages))
	historyTotal := 0
	for i, m := range g.Messages {
		historyTokens[i] = countTokens(m.Content) + 4
		historyTotal += historyTokens[i]
	}

	systemTokens := countTokens(g.SystemPrompt)

	for systemTokens+historyTotal+userTokens+reserve > window {
		switch {
		case len(g.Messages) > 0:
			historyTotal -= historyTokens[0]
			historyTokens = historyTokens[1:]
			g.Messages = g.Messages[1:]
			g.DroppedHistory++
		case len(g.Memories) > 0:
			// Memories arrive ranked; the last one is the weakest.
			g.Memories = g.Memories[:len(g.Memories)-1]
			g.SystemPrompt = composeSystemPrompt(g)
			systemTokens = countTokens(g.SystemPrompt)
			g.DroppedMemories++
		default:
			return &llm.Error{
				Category:  llm.CatContextWindow,
				Message:   "system prompt and final turn exceed the model context window",
				Reference: llm.NewReference(),
			}
		}
	}

	if g.DroppedHistory > 0 || g.DroppedMemories > 0 {
		g.Log.Info("trimmed context to fit budget",
			zap.Int("droppedHistory", g.DroppedHistory),
			zap.Int("droppedMemories", g.DroppedMemories),
			zap.Int("window", window))
	}
	return nil
}
