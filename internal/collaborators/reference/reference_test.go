package reference

import (
	"context"
	"testing"

	"github.com/flowforge/orchestrator-core/internal/collaborators"
	"github.com/flowforge/orchestrator-core/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to build test logger: %v", err)
	}
	return log
}

func TestStaticRoleRegistry_BuiltInRoles(t *testing.T) {
	r := NewStaticRoleRegistry()

	profile, err := r.GetProviderProfileForRole("architect")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if profile != "default" {
		t.Errorf("expected provider profile %q, got %q", "default", profile)
	}

	if _, err := r.GetRoleConfiguration("not-a-role"); err == nil {
		t.Fatal("expected an error for an unknown role")
	}
}

func TestStaticRoleRegistry_AddAndDeleteCustomRole(t *testing.T) {
	r := NewStaticRoleRegistry()

	var events []collaborators.RoleRegistryEvent
	unsubscribe := r.Subscribe(func(ev collaborators.RoleRegistryEvent) {
		events = append(events, ev)
	})
	defer unsubscribe()

	if err := r.AddCustomRole(collaborators.RoleConfiguration{RoleID: "reviewer-2", ProviderProfile: "default", Mode: "review"}); err != nil {
		t.Fatalf("unexpected error adding custom role: %v", err)
	}
	if err := r.AddCustomRole(collaborators.RoleConfiguration{RoleID: "reviewer-2"}); err == nil {
		t.Fatal("expected an error registering a duplicate role")
	}

	if err := r.DeleteCustomRole("architect"); err == nil {
		t.Fatal("expected an error deleting a built-in role")
	}
	if err := r.DeleteCustomRole("reviewer-2"); err != nil {
		t.Fatalf("unexpected error deleting custom role: %v", err)
	}
	if _, err := r.GetRoleConfiguration("reviewer-2"); err == nil {
		t.Fatal("expected reviewer-2 to be gone after deletion")
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events (added, deleted), got %d", len(events))
	}
	if events[0].Type != collaborators.CustomRoleAdded || events[1].Type != collaborators.CustomRoleDeleted {
		t.Errorf("unexpected event sequence: %+v", events)
	}
}

func TestStaticProviderSettings_GetProfile(t *testing.T) {
	s := NewStaticProviderSettings()

	profile, err := s.GetProfile(context.Background(), "default")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if profile.Provider != "anthropic" {
		t.Errorf("expected provider anthropic, got %q", profile.Provider)
	}

	if _, err := s.GetProfile(context.Background(), "missing"); err == nil {
		t.Fatal("expected an error for an unknown profile")
	}
}

func TestMemoryFileLockService_WriteLockIsExclusive(t *testing.T) {
	s := NewMemoryFileLockService()

	lock, err := s.AcquireLock(context.Background(), collaborators.AcquireLockRequest{
		FilePath: "main.go", AgentID: "agent-1", Mode: collaborators.LockModeWrite,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := s.AcquireLock(context.Background(), collaborators.AcquireLockRequest{
		FilePath: "main.go", AgentID: "agent-2", Mode: collaborators.LockModeWrite,
	}); err == nil {
		t.Fatal("expected a second write lock on the same file to fail")
	}

	if err := s.ReleaseLock(context.Background(), lock.LockID); err != nil {
		t.Fatalf("unexpected error releasing lock: %v", err)
	}

	if _, err := s.AcquireLock(context.Background(), collaborators.AcquireLockRequest{
		FilePath: "main.go", AgentID: "agent-2", Mode: collaborators.LockModeWrite,
	}); err != nil {
		t.Fatalf("expected lock to be acquirable after release, got: %v", err)
	}
}

func TestMemoryFileLockService_ReadLocksStack(t *testing.T) {
	s := NewMemoryFileLockService()

	if _, err := s.AcquireLock(context.Background(), collaborators.AcquireLockRequest{
		FilePath: "main.go", AgentID: "agent-1", Mode: collaborators.LockModeRead,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.AcquireLock(context.Background(), collaborators.AcquireLockRequest{
		FilePath: "main.go", AgentID: "agent-2", Mode: collaborators.LockModeRead,
	}); err != nil {
		t.Fatalf("expected a second read lock to succeed, got: %v", err)
	}
}

func TestMemoryFileLockService_ReleaseAllLocksForAgent(t *testing.T) {
	s := NewMemoryFileLockService()

	if _, err := s.AcquireLock(context.Background(), collaborators.AcquireLockRequest{
		FilePath: "a.go", AgentID: "agent-1", Mode: collaborators.LockModeWrite,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.AcquireLock(context.Background(), collaborators.AcquireLockRequest{
		FilePath: "b.go", AgentID: "agent-1", Mode: collaborators.LockModeWrite,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	released, err := s.ReleaseAllLocksForAgent(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if released != 2 {
		t.Errorf("expected 2 locks released, got %d", released)
	}
	if s.AgentHasLocks("agent-1") {
		t.Error("expected agent-1 to have no locks after release")
	}
}

func TestMemoryArtifactStore_CreateAndRetrieve(t *testing.T) {
	s := NewMemoryArtifactStore()

	id, err := s.CreateArtifact(context.Background(), "implementation_plan", "agent-1", "architect", "full body", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	content, err := s.GetArtifact(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content != "full body" {
		t.Errorf("expected %q, got %q", "full body", content)
	}

	summary, err := s.GetArtifactSummary(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Type != "implementation_plan" || summary.ProducerRole != "architect" {
		t.Errorf("unexpected summary: %+v", summary)
	}

	if _, err := s.GetArtifact(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected an error for an unknown artifact")
	}
}

func TestMemoryArtifactStore_UpdateStatusAndContent(t *testing.T) {
	s := NewMemoryArtifactStore()

	id, err := s.CreateArtifact(context.Background(), "code", "agent-1", "primary-coder", "v1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := s.UpdateArtifactStatus(context.Background(), id, "reviewed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.UpdateArtifactContent(context.Background(), id, "v2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	summary, err := s.GetArtifactSummary(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Status != "reviewed" {
		t.Errorf("expected status reviewed, got %q", summary.Status)
	}

	content, err := s.GetArtifact(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if content != "v2" {
		t.Errorf("expected updated content v2, got %q", content)
	}
}

func TestInProcessRuntime_SpawnAndSendMessage(t *testing.T) {
	r := NewInProcessRuntime(newTestLogger(t))

	var events []collaborators.RuntimeEvent
	sessionID, err := r.SpawnProcess(context.Background(), collaborators.SpawnSpec{AgentID: "agent-1", Role: "engineer"}, func(_ string, ev collaborators.RuntimeEvent) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sessionID == "" {
		t.Fatal("expected a non-empty session id")
	}
	if len(events) != 1 || events[0].Type != collaborators.StreamEventSessionCreated {
		t.Errorf("expected a session_created event, got %+v", events)
	}

	if err := r.SendMessage(context.Background(), sessionID, "ping", nil); err != nil {
		t.Fatalf("unexpected error sending to a known session: %v", err)
	}
	if err := r.SendMessage(context.Background(), "unknown-session", "ping", nil); err != nil {
		t.Fatalf("expected SendMessage to an unknown session to be a silent no-op, got: %v", err)
	}
}
