package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chimera-ai/chimera/internal/llm"
)

// PrepareStage derives the inputs later stages share: the oldest timestamp
// across history and referenced messages (used to exclude recent turns from
// memory retrieval), the deduplicated participant list, and the canonical
// messages slice.
type PrepareStage struct{}

func (PrepareStage) Name() string { return "context-preparation" }

func (PrepareStage) Run(_ context.Context, g *GenerationContext) error {
	g.OldestTimestamp = oldestTimestamp(g.Request.ConversationHistory, g.Request.ReferencedMessages)
	g.Participants = extractParticipants(g.Request.ConversationHistory, g.Request.ReferencedMessages)

	g.Messages = make([]llm.Message, 0, len(g.Request.ConversationHistory))
	for _, h := range g.Request.ConversationHistory {
		role := h.Role
		if role != llm.RoleUser && role != llm.RoleAssistant && role != llm.RoleSystem {
			// Normalization already warned; skip turns no provider accepts.
			continue
		}
		g.Messages = append(g.Messages, llm.Message{Role: role, Content: h.Content})
	}

	g.Log.Debug("context prepared",
		zap.Int("messages", len(g.Messages)),
		zap.Int("participants", len(g.Participants)),
		zap.Bool("hasOldest", g.OldestTimestamp != nil))
	return nil
}

func oldestTimestamp(sets ...[]HistoryMessage) *time.Time {
	var oldest *time.Time
	for _, set := range sets {
		for i := range set {
			ts, ok := messageTime(&set[i])
			if !ok {
				continue
			}
			if oldest == nil || ts.Before(*oldest) {
				t := ts
				oldest = &t
			}
		}
	}
	return oldest
}

// extractParticipants deduplicates by persona id when present, by name
// otherwise. Referenced-message senders merge into the same list.
func extractParticipants(sets ...[]HistoryMessage) []Participant {
	seen := map[string]bool{}
	var out []Participant
	for _, set := range sets {
		for i := range set {
			m := &set[i]
			if m.Sender == "" {
				continue
			}
			key := m.PersonaID
			if key == "" {
				key = "name:" + m.Sender
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, Participant{Name: m.Sender, PersonaID: m.PersonaID})
		}
	}
	return out
}
