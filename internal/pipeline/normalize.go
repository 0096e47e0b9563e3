package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"
)

// NormalizeStage canonicalizes legacy gateway data: role casing and
// timestamp representations. It never rejects a request; anything it cannot
// make sense of is logged and left as-is.
type NormalizeStage struct{}

func (NormalizeStage) Name() string { return "normalize" }

func (NormalizeStage) Run(_ context.Context, g *GenerationContext) error {
	normalizeMessages(g.Request.ConversationHistory, g.Log)
	normalizeMessages(g.Request.ReferencedMessages, g.Log)
	return nil
}

var canonicalRoles = map[string]string{
	"user":      "user",
	"assistant": "assistant",
	"system":    "system",
}

func normalizeMessages(msgs []HistoryMessage, log *zap.Logger) {
	for i := range msgs {
		m := &msgs[i]

		lowered := strings.ToLower(m.Role)
		if canonical, ok := canonicalRoles[lowered]; ok {
			m.Role = canonical
		} else if m.Role != "" {
			// Unknown role: warn and keep. Old gateway versions ship roles we
			// should not destroy.
			log.Warn("unrecognized history role", zap.String("role", m.Role))
		}

		if m.Timestamp != nil {
			if iso, ok := coerceTimestamp(m.Timestamp); ok {
				m.Timestamp = iso
			} else {
				log.Warn("uncoercible history timestamp", zap.Any("timestamp", m.Timestamp))
			}
		}
	}
}

// coerceTimestamp renders any supported timestamp representation as an
// ISO-8601 string: RFC3339 strings pass through, numbers are epoch
// milliseconds (epoch seconds when small enough).
func coerceTimestamp(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts.UTC().Format(time.RFC3339), true
		}
		return "", false
	case float64:
		return epochToISO(t), true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return "", false
		}
		return epochToISO(f), true
	default:
		return "", false
	}
}

// epochToISO treats values below 1e12 as seconds, above as milliseconds.
// The cutover is safe until the year 33658.
func epochToISO(v float64) string {
	var ts time.Time
	if v < 1e12 {
		ts = time.Unix(int64(v), 0)
	} else {
		ts = time.UnixMilli(int64(v))
	}
	return ts.UTC().Format(time.RFC3339)
}

// messageTime parses a normalized timestamp back to time.Time.
func messageTime(m *HistoryMessage) (time.Time, bool) {
	s, ok := m.Timestamp.(string)
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
