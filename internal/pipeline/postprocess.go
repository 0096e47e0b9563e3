package pipeline

import (
	"context"
	"regexp"
	"strings"
)

// Duplicate detection bounds. The scan walks history backwards looking for
// the last N assistant turns, inspecting at most scanDepth entries so cost
// stays flat for arbitrarily long histories.
const (
	duplicateCompareCount = 5
	duplicateScanDepth    = 100
)

// PostProcessStage separates reasoning from content, strips output
// artifacts, and flags exact duplicates of recent assistant turns.
type PostProcessStage struct{}

func (PostProcessStage) Name() string { return "post-processing" }

var reasoningPattern = regexp.MustCompile(`(?s)<reasoning>(.*?)</reasoning>`)

func (PostProcessStage) Run(_ context.Context, g *GenerationContext) error {
	content, reasoning := ExtractReasoning(g.Content)
	g.Reasoning = reasoning
	g.Content = StripArtifacts(content, g.Resolved.Personality.DisplayName)

	if IsDuplicateReply(g.Content, g.Request.ConversationHistory) {
		g.Duplicate = true
		g.Log.Warn("candidate reply duplicates a recent assistant turn")
	}
	return nil
}

// ExtractReasoning splits hidden reasoning out of the content. Multiple
// reasoning blocks concatenate in order.
func ExtractReasoning(content string) (cleaned, reasoning string) {
	var parts []string
	cleaned = reasoningPattern.ReplaceAllStringFunc(content, func(match string) string {
		inner := reasoningPattern.FindStringSubmatch(match)[1]
		if strings.TrimSpace(inner) != "" {
			parts = append(parts, strings.TrimSpace(inner))
		}
		return ""
	})
	return strings.TrimSpace(cleaned), strings.Join(parts, "\n")
}

// StripArtifacts removes model output artifacts: an echoed message wrapper
// and a leading name-label prefix.
func StripArtifacts(content, assistantName string) string {
	out := strings.TrimSpace(content)

	// Unwrap a fully tagged reply; keep a trailing-terminator-only form too.
	if strings.HasPrefix(out, "<message>") {
		out = strings.TrimPrefix(out, "<message>")
	}
	out = strings.TrimSuffix(strings.TrimSpace(out), "</message>")
	out = strings.TrimSpace(out)

	if assistantName != "" {
		prefix := assistantName + ":"
		if len(out) > len(prefix) && strings.EqualFold(out[:len(prefix)], prefix) {
			out = strings.TrimSpace(out[len(prefix):])
		}
	}
	return out
}

// IsDuplicateReply reports whether candidate exactly matches one of the last
// duplicateCompareCount assistant messages, scanning at most
// duplicateScanDepth history entries from the end. Role matching is
// case-insensitive to tolerate unnormalized history.
func IsDuplicateReply(candidate string, history []HistoryMessage) bool {
	if candidate == "" {
		return false
	}
	seen := 0
	scanned := 0
	for i := len(history) - 1; i >= 0 && seen < duplicateCompareCount && scanned < duplicateScanDepth; i-- {
		scanned++
		if !strings.EqualFold(history[i].Role, "assistant") {
			continue
		}
		seen++
		if history[i].Content == candidate {
			return true
		}
	}
	return false
}
