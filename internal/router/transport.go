package router

import (
	"context"

	"github.com/flowforge/orchestrator-core/internal/collaborators"
	"github.com/flowforge/orchestrator-core/internal/common/apperrors"
)

// SessionResolver maps an agentId to its live IPC sessionId.
type SessionResolver interface {
	SessionIDFor(agentID string) (string, bool)
}

// RuntimeTransport delivers AgentMessages to agents over their IPC session
// via the shared process-runtime collaborator.
type RuntimeTransport struct {
	runtime  collaborators.ProcessRuntime
	sessions SessionResolver
}

// NewRuntimeTransport builds a Transport backed by a ProcessRuntime.
func NewRuntimeTransport(runtime collaborators.ProcessRuntime, sessions SessionResolver) *RuntimeTransport {
	return &RuntimeTransport{runtime: runtime, sessions: sessions}
}

// Deliver resolves agentID's sessionId and forwards msg as an agentMessage
// IPC payload.
func (t *RuntimeTransport) Deliver(ctx context.Context, agentID string, msg AgentMessage) error {
	sessionID, ok := t.sessions.SessionIDFor(agentID)
	if !ok {
		return apperrors.UnknownTarget(agentID)
	}
	return t.runtime.SendMessage(ctx, sessionID, collaborators.RuntimeMessageAgent, map[string]interface{}{
		"id":            msg.ID,
		"type":          string(msg.Type),
		"from":          msg.From,
		"to":            msg.To,
		"timestamp":     msg.Timestamp,
		"payload":       msg.Payload,
		"correlationId": msg.CorrelationID,
	})
}
