package pipeline

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/chimera-ai/chimera/internal/kv"
)

// messageTerminator is the tag a protocol-conformant reply ends with.
const messageTerminator = "</message>"

// TelemetryStage records an inferred stop-sequence activation when the reply
// contains a configured stop sequence, the provider reported a natural stop,
// and the raw content does not end with the expected terminator. Diagnostic
// only; never alters the result.
type TelemetryStage struct {
	Telemetry *kv.StopSequenceTelemetry
}

func (TelemetryStage) Name() string { return "stop-sequence-telemetry" }

func (s TelemetryStage) Run(ctx context.Context, g *GenerationContext) error {
	if g.Response == nil || !g.Response.NaturalStop() {
		return nil
	}
	raw := strings.TrimSpace(g.Response.Content())
	if strings.HasSuffix(raw, messageTerminator) {
		return nil
	}

	for _, seq := range g.Resolved.StopSequences {
		if seq != "" && strings.Contains(raw, seq) {
			s.Telemetry.Record(ctx, g.Resolved.Model)
			g.Log.Debug("inferred stop-sequence activation",
				zap.String("model", g.Resolved.Model))
			return nil
		}
	}
	return nil
}
