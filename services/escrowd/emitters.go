package escrowd

import (
	"log/slog"
	"strconv"

	"github.com/holiman/uint256"

	"opticgov/core/events"
	"opticgov/native/escrow"
	"opticgov/observability/metrics"
)

// metricsEmitter translates engine events into Prometheus counters.
type metricsEmitter struct {
	m *metrics.EscrowMetrics
}

func (e metricsEmitter) Emit(evt events.Event) {
	switch ev := evt.(type) {
	case escrow.ProjectCreated:
		e.m.ObserveProjectCreated(etherFloat(ev.TotalLocked))
	case escrow.EvidenceSubmitted:
		e.m.ObserveEvidence()
	case escrow.ReleaseDecision:
		e.m.ObserveDecision(ev.Verdict.String(), etherFloat(ev.Amount))
	}
}

// logEmitter writes one structured line per engine event.
type logEmitter struct {
	logger *slog.Logger
}

func (e logEmitter) Emit(evt events.Event) {
	attrs := []any{slog.String("event", evt.EventType())}
	if payload, ok := evt.(events.Payload); ok {
		raw := payload.Event()
		if id, ok := raw.Attributes["projectId"]; ok {
			attrs = append(attrs, slog.String("project_id", id))
		}
		if idx, ok := raw.Attributes["milestoneIndex"]; ok {
			attrs = append(attrs, slog.String("milestone_index", idx))
		}
		if verdict, ok := raw.Attributes["verdict"]; ok {
			attrs = append(attrs, slog.String("verdict", verdict))
		}
	}
	e.logger.Info("escrow event", attrs...)
}

func etherFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f, err := strconv.ParseFloat(escrow.FormatEther(v), 64)
	if err != nil {
		return 0
	}
	return f
}
