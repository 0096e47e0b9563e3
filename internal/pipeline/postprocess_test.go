package pipeline

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExtractReasoning(t *testing.T) {
	content, reasoning := ExtractReasoning("<reasoning>let me think</reasoning>The answer is 4.")
	assert.Equal(t, "The answer is 4.", content)
	assert.Equal(t, "let me think", reasoning)

	content, reasoning = ExtractReasoning("no reasoning here")
	assert.Equal(t, "no reasoning here", content)
	assert.Empty(t, reasoning)

	content, reasoning = ExtractReasoning("<reasoning>a</reasoning>mid<reasoning>b</reasoning>end")
	assert.Equal(t, "midend", content)
	assert.Equal(t, "a\nb", reasoning)
}

func TestStripArtifacts(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"<message>hello</message>", "hello"},
		{"hello</message>", "hello"},
		{"Sage: hello", "hello"},
		{"sage: hello", "hello"},
		{"Sages: hello", "Sages: hello"},
		{"plain reply", "plain reply"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StripArtifacts(tc.in, "Sage"), tc.in)
	}
}

func TestIsDuplicateReply(t *testing.T) {
	history := []HistoryMessage{
		{Role: "user", Content: "q1"},
		{Role: "Assistant", Content: "same answer"},
		{Role: "user", Content: "q2"},
	}

	assert.True(t, IsDuplicateReply("same answer", history))
	assert.False(t, IsDuplicateReply("fresh answer", history))
	assert.False(t, IsDuplicateReply("", history))
}

func TestIsDuplicateReplyComparesLastFiveAssistantTurns(t *testing.T) {
	var history []HistoryMessage
	history = append(history, HistoryMessage{Role: "assistant", Content: "ancient"})
	for i := 0; i < 5; i++ {
		history = append(history, HistoryMessage{Role: "assistant", Content: fmt.Sprintf("recent-%d", i)})
	}

	// The sixth-most-recent assistant turn is outside the comparison window.
	assert.False(t, IsDuplicateReply("ancient", history))
	assert.True(t, IsDuplicateReply("recent-0", history))
}

func TestIsDuplicateReplyBoundedScan(t *testing.T) {
	history := make([]HistoryMessage, 10_000)
	for i := range history {
		history[i] = HistoryMessage{Role: "user", Content: fmt.Sprintf("msg-%d", i)}
	}
	// The only assistant turn sits beyond the scan depth, so it is never
	// reached and the scan stays O(depth).
	history[0] = HistoryMessage{Role: "assistant", Content: "buried"}

	start := time.Now()
	got := IsDuplicateReply("buried", history)
	elapsed := time.Since(start)

	assert.False(t, got)
	assert.Less(t, elapsed, 100*time.Millisecond)
}
