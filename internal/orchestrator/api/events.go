package api

import (
	"time"

	"github.com/flowforge/orchestrator-core/internal/orchestrator"
	"github.com/flowforge/orchestrator-core/internal/orchestrator/streaming"
	"github.com/flowforge/orchestrator-core/internal/recovery"
)

// hubEventSink adapts orchestrator.EventSink to the streaming hub, and
// additionally samples recovery outcomes into Prometheus counters/gauges so
// the metrics endpoint reflects live error-handling activity.
type hubEventSink struct {
	hub     *streaming.Hub
	metrics *orchestrator.Metrics
}

// NewHubEventSink wires an orchestrator's lifecycle events into hub
// broadcasts and, when metrics is non-nil, into its error/breaker series.
func NewHubEventSink(hub *streaming.Hub, metrics *orchestrator.Metrics) orchestrator.EventSink {
	return &hubEventSink{hub: hub, metrics: metrics}
}

func (s *hubEventSink) Publish(sessionID, eventType string, payload interface{}) {
	s.hub.Broadcast(&streaming.Event{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	})

	if s.metrics == nil || eventType != "recovery" {
		return
	}
	res, ok := payload.(recovery.RecoveryResult)
	if !ok {
		return
	}
	s.metrics.RecordError(string(res.StrategyUsed), res.Outcome)
	s.metrics.SetBreakerState(sessionID, res.Outcome == "short_circuited")
}
