package reference

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/orchestrator-core/internal/collaborators"
	"github.com/flowforge/orchestrator-core/internal/common/logger"
)

// InProcessRuntime is a ProcessRuntime that never starts a real subprocess:
// it assigns each spawn a session ID and reports it created immediately.
// Intended for local development and tests where Docker is unavailable.
type InProcessRuntime struct {
	mu       sync.Mutex
	sessions map[string]collaborators.SpawnSpec
	logger   *logger.Logger
}

// NewInProcessRuntime creates an InProcessRuntime.
func NewInProcessRuntime(log *logger.Logger) *InProcessRuntime {
	return &InProcessRuntime{
		sessions: map[string]collaborators.SpawnSpec{},
		logger:   log.WithFields(zap.String("component", "inprocess_runtime")),
	}
}

// SpawnProcess registers spec under a new session ID and reports it created.
func (r *InProcessRuntime) SpawnProcess(ctx context.Context, spec collaborators.SpawnSpec, onEvent func(sessionID string, event collaborators.RuntimeEvent)) (string, error) {
	sessionID := uuid.NewString()

	r.mu.Lock()
	r.sessions[sessionID] = spec
	r.mu.Unlock()

	r.logger.Debug("spawned in-process session",
		zap.String("session_id", sessionID),
		zap.String("agent_id", spec.AgentID),
		zap.String("role", spec.Role))

	if onEvent != nil {
		onEvent(sessionID, collaborators.RuntimeEvent{
			Type:    collaborators.StreamEventSessionCreated,
			Payload: map[string]interface{}{"agentId": spec.AgentID, "role": spec.Role},
		})
	}
	return sessionID, nil
}

// SendMessage is a no-op beyond bookkeeping: there is no live process to
// deliver to.
func (r *InProcessRuntime) SendMessage(ctx context.Context, sessionID string, msgType collaborators.RuntimeMessageType, payload map[string]interface{}) error {
	r.mu.Lock()
	_, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	r.logger.Debug("in-process message delivery skipped (no real process)",
		zap.String("session_id", sessionID),
		zap.String("type", string(msgType)))
	return nil
}
