// Package orchestrator composes the Workflow State Machine, Agent Pool
// Manager, Message Router, Error Recovery Manager, Checkpoint service, and
// Context Window Monitor into the single Orchestrator instance that holds
// all of a deployment's mutable state (spec.md §9, "Global state").
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/flowforge/orchestrator-core/internal/checkpoint"
	"github.com/flowforge/orchestrator-core/internal/contextwindow"
	"github.com/flowforge/orchestrator-core/internal/pool"
	"github.com/flowforge/orchestrator-core/internal/recovery"
	"github.com/flowforge/orchestrator-core/internal/router"
	"github.com/flowforge/orchestrator-core/internal/workflow"
)

// Session is one user task's slice of orchestrator state: its own workflow
// machine, checkpoint bridge, context window, and Recovery Manager, sharing
// the deployment's Pool and Router. Per spec.md §9, multi-agent session
// bookkeeping is an Orchestrator concern, not the Pool's.
type Session struct {
	ID string

	machine  *workflow.Machine
	bridge   *checkpoint.Bridge
	window   *contextwindow.Monitor
	recovery *recovery.Manager

	agentIDs map[string]struct{}
	mu       sync.Mutex

	unwireMachine  func()
	unwireWindow   func()
	unwireRecovery func()
	createdAt      time.Time
}

// Status is a point-in-time snapshot of a session for external consumers
// (the control-plane API, MCP tools, WebSocket subscribers).
type Status struct {
	SessionID    string                 `json:"sessionId"`
	State        workflow.State         `json:"state"`
	Progress     int                    `json:"progress"`
	Context      workflow.Context       `json:"context"`
	ActiveAgents []string               `json:"activeAgents"`
	Tokens       contextwindow.Totals   `json:"contextTokens"`
	RecommendedAction contextwindow.RecommendedAction `json:"recommendedAction"`
	CreatedAt    time.Time              `json:"createdAt"`
}

func newSession(id string, machine *workflow.Machine, bridge *checkpoint.Bridge, window *contextwindow.Monitor) *Session {
	return &Session{
		ID:        id,
		machine:   machine,
		bridge:    bridge,
		window:    window,
		agentIDs:  map[string]struct{}{},
		createdAt: time.Now(),
	}
}

// checkpointRollback adapts this session's own bridge to
// recovery.CheckpointRollback without the sessionID round-trip a
// process-wide bridge would need.
type checkpointRollback struct{ s *Session }

func (c checkpointRollback) RollbackToLatest(ctx context.Context, sessionID string) (recovery.RollbackEvent, error) {
	return c.s.bridge.RollbackToLatest(ctx, sessionID)
}

func (c checkpointRollback) RollbackToState(ctx context.Context, sessionID string, state string) (recovery.RollbackEvent, error) {
	return c.s.bridge.RollbackToState(ctx, sessionID, state)
}

func (s *Session) registerAgent(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentIDs[agentID] = struct{}{}
}

func (s *Session) unregisterAgent(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agentIDs, agentID)
}

func (s *Session) activeAgentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.agentIDs))
	for id := range s.agentIDs {
		out = append(out, id)
	}
	return out
}

func (s *Session) status() Status {
	totals := s.window.GetTotals()
	return Status{
		SessionID:         s.ID,
		State:             s.machine.GetState(),
		Progress:          s.machine.GetProgress(),
		Context:           s.machine.GetContext(),
		ActiveAgents:      s.activeAgentIDs(),
		Tokens:            totals,
		RecommendedAction: s.window.GetRecommendedAction(),
		CreatedAt:         s.createdAt,
	}
}

func (s *Session) dispose() {
	if s.unwireMachine != nil {
		s.unwireMachine()
	}
	if s.unwireWindow != nil {
		s.unwireWindow()
	}
	if s.unwireRecovery != nil {
		s.unwireRecovery()
	}
	s.recovery.Dispose()
	s.bridge.Dispose()
	s.machine.Dispose()
}

// sessionDirectory adapts the Orchestrator's per-session agent membership
// into a pool-shaped directory scoped to one session, satisfying
// recovery.AgentDirectory without leaking every session's agents into one
// another's reassignment candidate pool.
type sessionDirectory struct {
	p       *pool.Pool
	session *Session
}

func (d sessionDirectory) ActiveAgentRoles() map[string]string {
	all := d.p.ActiveAgentRoles()
	out := make(map[string]string, len(all))
	for _, id := range d.session.activeAgentIDs() {
		if role, ok := all[id]; ok {
			out[id] = role
		}
	}
	return out
}

func (d sessionDirectory) GetActiveAgentCount() int {
	return len(d.session.activeAgentIDs())
}
