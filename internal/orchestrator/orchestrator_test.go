package orchestrator

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/flowforge/orchestrator-core/internal/collaborators/reference"
	"github.com/flowforge/orchestrator-core/internal/common/logger"
	"github.com/flowforge/orchestrator-core/internal/common/storage"
	"github.com/flowforge/orchestrator-core/internal/pool"
	"github.com/flowforge/orchestrator-core/internal/workflow"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to build test logger: %v", err)
	}
	return log
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	log := newTestLogger(t)
	return New(Config{}, Dependencies{
		Runtime:   reference.NewInProcessRuntime(log),
		Locks:     reference.NewMemoryFileLockService(),
		Roles:     reference.NewStaticRoleRegistry(),
		Settings:  reference.NewStaticProviderSettings(),
		PSM:       reference.NewStaticProviderSettings(),
		Storage:   storage.NewMemory(),
		Artifacts: reference.NewMemoryArtifactStore(),
		Logger:    log,
	})
}

func TestStartTask_EntersPlanning(t *testing.T) {
	orch := newTestOrchestrator(t)
	defer orch.Dispose()

	sessionID, err := orch.StartTask("build a widget")
	if err != nil {
		t.Fatalf("failed to start task: %v", err)
	}

	status, err := orch.GetStatus(sessionID)
	if err != nil {
		t.Fatalf("failed to get status: %v", err)
	}
	if status.State != workflow.StatePlanning {
		t.Errorf("expected PLANNING, got %s", status.State)
	}
	if len(status.ActiveAgents) != 0 {
		t.Errorf("expected no agents yet, got %v", status.ActiveAgents)
	}
}

func TestGetStatus_UnknownSession(t *testing.T) {
	orch := newTestOrchestrator(t)
	defer orch.Dispose()

	if _, err := orch.GetStatus("does-not-exist"); err == nil {
		t.Fatal("expected an error for an unknown session")
	}
}

func TestSpawnAgent_RegistersAgentOnSession(t *testing.T) {
	orch := newTestOrchestrator(t)
	defer orch.Dispose()

	sessionID, err := orch.StartTask("build a widget")
	if err != nil {
		t.Fatalf("failed to start task: %v", err)
	}

	agentID, err := orch.SpawnAgent(context.Background(), sessionID, pool.SpawnConfig{
		AgentID: uuid.NewString(),
		Role:    "engineer",
	})
	if err != nil {
		t.Fatalf("failed to spawn agent: %v", err)
	}

	status, err := orch.GetStatus(sessionID)
	if err != nil {
		t.Fatalf("failed to get status: %v", err)
	}
	if len(status.ActiveAgents) != 1 || status.ActiveAgents[0] != agentID {
		t.Errorf("expected active agents [%s], got %v", agentID, status.ActiveAgents)
	}
}

func TestCreateArtifact_AdvancesWorkflow(t *testing.T) {
	orch := newTestOrchestrator(t)
	defer orch.Dispose()

	sessionID, err := orch.StartTask("build a widget")
	if err != nil {
		t.Fatalf("failed to start task: %v", err)
	}

	artifactID, err := orch.CreateArtifact(context.Background(), sessionID, "implementation_plan", "agent-1", "engineer", "plan body", nil)
	if err != nil {
		t.Fatalf("failed to create artifact: %v", err)
	}
	if artifactID == "" {
		t.Fatal("expected a non-empty artifact id")
	}

	status, err := orch.GetStatus(sessionID)
	if err != nil {
		t.Fatalf("failed to get status: %v", err)
	}
	if status.State != workflow.StatePlanReview {
		t.Errorf("expected PLAN_REVIEW after the implementation_plan artifact, got %s", status.State)
	}
}

func TestCancelTask_TerminatesAgents(t *testing.T) {
	orch := newTestOrchestrator(t)
	defer orch.Dispose()

	sessionID, err := orch.StartTask("build a widget")
	if err != nil {
		t.Fatalf("failed to start task: %v", err)
	}
	if _, err := orch.SpawnAgent(context.Background(), sessionID, pool.SpawnConfig{
		AgentID: uuid.NewString(),
		Role:    "engineer",
	}); err != nil {
		t.Fatalf("failed to spawn agent: %v", err)
	}

	if err := orch.CancelTask(context.Background(), sessionID); err != nil {
		t.Fatalf("failed to cancel task: %v", err)
	}

	status, err := orch.GetStatus(sessionID)
	if err != nil {
		t.Fatalf("failed to get status: %v", err)
	}
	if len(status.ActiveAgents) != 0 {
		t.Errorf("expected no active agents after cancel, got %v", status.ActiveAgents)
	}
}

func TestEndSession_RemovesSessionAndTerminatesAgents(t *testing.T) {
	orch := newTestOrchestrator(t)
	defer orch.Dispose()

	sessionID, err := orch.StartTask("build a widget")
	if err != nil {
		t.Fatalf("failed to start task: %v", err)
	}
	if _, err := orch.SpawnAgent(context.Background(), sessionID, pool.SpawnConfig{
		AgentID: uuid.NewString(),
		Role:    "engineer",
	}); err != nil {
		t.Fatalf("failed to spawn agent: %v", err)
	}

	if err := orch.EndSession(context.Background(), sessionID); err != nil {
		t.Fatalf("failed to end session: %v", err)
	}

	if _, err := orch.GetStatus(sessionID); err == nil {
		t.Fatal("expected session to be gone after EndSession")
	}
	if err := orch.EndSession(context.Background(), sessionID); err == nil {
		t.Fatal("expected EndSession on an already-ended session to fail")
	}
}

func TestListSessions_TracksMultipleSessions(t *testing.T) {
	orch := newTestOrchestrator(t)
	defer orch.Dispose()

	first, err := orch.StartTask("task one")
	if err != nil {
		t.Fatalf("failed to start first task: %v", err)
	}
	second, err := orch.StartTask("task two")
	if err != nil {
		t.Fatalf("failed to start second task: %v", err)
	}

	sessions := orch.ListSessions()
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}

	seen := map[string]bool{}
	for _, s := range sessions {
		seen[s.SessionID] = true
	}
	if !seen[first] || !seen[second] {
		t.Errorf("expected both sessions in the list, got %v", seen)
	}
}

func TestDispose_RejectsFurtherStartTask(t *testing.T) {
	orch := newTestOrchestrator(t)
	orch.Dispose()

	if _, err := orch.StartTask("too late"); err == nil {
		t.Fatal("expected StartTask to fail after Dispose")
	}
}

func TestMetrics_ObserveReflectsActiveAgents(t *testing.T) {
	orch := newTestOrchestrator(t)
	defer orch.Dispose()

	sessionID, err := orch.StartTask("build a widget")
	if err != nil {
		t.Fatalf("failed to start task: %v", err)
	}
	if _, err := orch.SpawnAgent(context.Background(), sessionID, pool.SpawnConfig{
		AgentID: uuid.NewString(),
		Role:    "engineer",
	}); err != nil {
		t.Fatalf("failed to spawn agent: %v", err)
	}

	metrics := NewMetrics()
	metrics.Observe(orch)

	families, err := metrics.Registry().Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	var found bool
	for _, f := range families {
		if f.GetName() == "orchestrator_active_agents" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected orchestrator_active_agents to be registered")
	}
}
