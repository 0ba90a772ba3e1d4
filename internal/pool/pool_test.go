package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flowforge/orchestrator-core/internal/collaborators"
	"github.com/flowforge/orchestrator-core/internal/common/apperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	mu        sync.Mutex
	sessions  map[string]string // sessionID -> agentID
	sent      []string
	onCreate  func(agentID string) // optional hook to control session id
	failSpawn bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{sessions: map[string]string{}}
}

func (f *fakeRuntime) SpawnProcess(ctx context.Context, spec collaborators.SpawnSpec, onEvent func(string, collaborators.RuntimeEvent)) (string, error) {
	if f.failSpawn {
		return "", assert.AnError
	}
	sessionID := "session-" + spec.AgentID
	f.mu.Lock()
	f.sessions[sessionID] = spec.AgentID
	f.mu.Unlock()

	go onEvent(sessionID, collaborators.RuntimeEvent{Type: collaborators.StreamEventSessionCreated})
	return sessionID, nil
}

func (f *fakeRuntime) SendMessage(ctx context.Context, sessionID string, msgType collaborators.RuntimeMessageType, payload map[string]interface{}) error {
	f.mu.Lock()
	f.sent = append(f.sent, string(msgType))
	f.mu.Unlock()
	return nil
}

type fakeLocks struct {
	mu       sync.Mutex
	released map[string]int
}

func newFakeLocks() *fakeLocks { return &fakeLocks{released: map[string]int{}} }

func (f *fakeLocks) AcquireLock(ctx context.Context, req collaborators.AcquireLockRequest) (collaborators.LockInfo, error) {
	return collaborators.LockInfo{}, nil
}
func (f *fakeLocks) ReleaseLock(ctx context.Context, lockID string) error { return nil }
func (f *fakeLocks) ReleaseAllLocksForAgent(ctx context.Context, agentID string) (int, error) {
	f.mu.Lock()
	f.released[agentID]++
	f.mu.Unlock()
	return 0, nil
}
func (f *fakeLocks) GetLocksForAgent(agentID string) []collaborators.LockInfo { return nil }
func (f *fakeLocks) AgentHasLocks(agentID string) bool                       { return false }
func (f *fakeLocks) GetLockStatus(filePath string) (collaborators.LockInfo, bool) {
	return collaborators.LockInfo{}, false
}
func (f *fakeLocks) Subscribe(handler func(collaborators.LockEvent)) (unsubscribe func()) {
	return func() {}
}

func (f *fakeLocks) releaseCount(agentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released[agentID]
}

func newTestPool(runtime collaborators.ProcessRuntime, locks collaborators.FileLockService, maxConcurrent int) *Pool {
	cfg := Config{MaxConcurrentAgents: maxConcurrent}
	deps := Dependencies{Runtime: runtime, Locks: locks}
	health := DefaultHealthConfig()
	health.CheckInterval = time.Hour // tests drive events manually, not via the ping loop
	return New(cfg, deps, health)
}

func waitForStatus(t *testing.T, p *Pool, agentID string, status Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		instance, err := p.GetAgent(agentID)
		if err == nil && instance.Status == status {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("agent %s never reached status %s", agentID, status)
}

func TestAdmissionControlRejectsOverCapacity(t *testing.T) {
	runtime := newFakeRuntime()
	p := newTestPool(runtime, newFakeLocks(), 1)
	defer p.Dispose()

	_, err := p.Spawn(context.Background(), SpawnConfig{AgentID: "a1", Role: "primary-coder"})
	require.NoError(t, err)
	waitForStatus(t, p, "a1", StatusReady)

	assert.Equal(t, 1, p.GetActiveAgentCount())

	_, err = p.Spawn(context.Background(), SpawnConfig{AgentID: "a2", Role: "primary-coder"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeMaxConcurrentAgents))
	assert.Equal(t, 1, p.GetActiveAgentCount())
}

func TestSpawnRejectsDuplicateAgentID(t *testing.T) {
	runtime := newFakeRuntime()
	p := newTestPool(runtime, newFakeLocks(), 5)
	defer p.Dispose()

	_, err := p.Spawn(context.Background(), SpawnConfig{AgentID: "a1", Role: "primary-coder"})
	require.NoError(t, err)

	_, err = p.Spawn(context.Background(), SpawnConfig{AgentID: "a1", Role: "primary-coder"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeConflict))
}

func TestAgentEventMachineSessionCreatedToReady(t *testing.T) {
	runtime := newFakeRuntime()
	p := newTestPool(runtime, newFakeLocks(), 5)
	defer p.Dispose()

	_, err := p.Spawn(context.Background(), SpawnConfig{AgentID: "a1", Role: "debugger"})
	require.NoError(t, err)

	waitForStatus(t, p, "a1", StatusReady)
	instance, err := p.GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, instance.HealthStatus)
}

func TestAgentEventMachineErrorReleasesLocksAndRecordsError(t *testing.T) {
	runtime := newFakeRuntime()
	locks := newFakeLocks()
	p := newTestPool(runtime, locks, 5)
	defer p.Dispose()

	_, err := p.Spawn(context.Background(), SpawnConfig{AgentID: "a1", Role: "debugger"})
	require.NoError(t, err)
	waitForStatus(t, p, "a1", StatusReady)

	p.onRuntimeEvent("a1", "session-a1", collaborators.RuntimeEvent{
		Type: collaborators.StreamEventError,
		Err:  assert.AnError,
	})

	waitForStatus(t, p, "a1", StatusError)
	instance, err := p.GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, HealthUnhealthy, instance.HealthStatus)
	assert.NotEmpty(t, instance.LastError)
	assert.Equal(t, 1, locks.releaseCount("a1"))
}

func TestAgentEventMachineInterruptedReleasesLocks(t *testing.T) {
	runtime := newFakeRuntime()
	locks := newFakeLocks()
	p := newTestPool(runtime, locks, 5)
	defer p.Dispose()

	_, err := p.Spawn(context.Background(), SpawnConfig{AgentID: "a1", Role: "debugger"})
	require.NoError(t, err)
	waitForStatus(t, p, "a1", StatusReady)

	p.onRuntimeEvent("a1", "session-a1", collaborators.RuntimeEvent{Type: collaborators.StreamEventInterrupted})

	waitForStatus(t, p, "a1", StatusStopped)
	assert.Equal(t, 1, locks.releaseCount("a1"))
}

func TestPauseOnlyLegalFromReadyOrBusy(t *testing.T) {
	runtime := newFakeRuntime()
	p := newTestPool(runtime, newFakeLocks(), 5)
	defer p.Dispose()

	_, err := p.Spawn(context.Background(), SpawnConfig{AgentID: "a1", Role: "debugger"})
	require.NoError(t, err)

	err = p.Pause(context.Background(), "a1")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidLifecycleOp))

	waitForStatus(t, p, "a1", StatusReady)
	require.NoError(t, p.Pause(context.Background(), "a1"))

	instance, err := p.GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, instance.Status)
}

func TestResumeOnlyLegalFromPaused(t *testing.T) {
	runtime := newFakeRuntime()
	p := newTestPool(runtime, newFakeLocks(), 5)
	defer p.Dispose()

	_, err := p.Spawn(context.Background(), SpawnConfig{AgentID: "a1", Role: "debugger"})
	require.NoError(t, err)
	waitForStatus(t, p, "a1", StatusReady)

	err = p.Resume(context.Background(), "a1")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidLifecycleOp))

	require.NoError(t, p.Pause(context.Background(), "a1"))
	require.NoError(t, p.Resume(context.Background(), "a1"))

	instance, err := p.GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, instance.Status)
}

func TestTerminateReleasesLocksBeforeShutdown(t *testing.T) {
	runtime := newFakeRuntime()
	locks := newFakeLocks()
	p := newTestPool(runtime, locks, 5)
	defer p.Dispose()

	_, err := p.Spawn(context.Background(), SpawnConfig{AgentID: "a1", Role: "debugger"})
	require.NoError(t, err)
	waitForStatus(t, p, "a1", StatusReady)

	require.NoError(t, p.Terminate(context.Background(), "a1"))

	instance, err := p.GetAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, instance.Status)
	assert.Equal(t, 1, locks.releaseCount("a1"))
}

func TestRestartGeneratesNewAgentIDAndFreesAdmissionSlot(t *testing.T) {
	runtime := newFakeRuntime()
	locks := newFakeLocks()
	p := newTestPool(runtime, locks, 1)
	defer p.Dispose()

	_, err := p.Spawn(context.Background(), SpawnConfig{AgentID: "a1", Role: "debugger", Workspace: "/ws"})
	require.NoError(t, err)
	waitForStatus(t, p, "a1", StatusReady)

	ok, err := p.Restart(context.Background(), "a1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = p.GetAgent("a1")
	assert.Error(t, err)

	all := p.GetAllAgents()
	require.Len(t, all, 1)
	assert.NotEqual(t, "a1", all[0].AgentID)
	assert.Equal(t, 1, locks.releaseCount("a1"))
}

func TestGetAgentsByHealthStatus(t *testing.T) {
	runtime := newFakeRuntime()
	p := newTestPool(runtime, newFakeLocks(), 5)
	defer p.Dispose()

	_, err := p.Spawn(context.Background(), SpawnConfig{AgentID: "a1", Role: "debugger"})
	require.NoError(t, err)
	waitForStatus(t, p, "a1", StatusReady)

	healthy := p.GetAgentsByHealthStatus(HealthHealthy)
	require.Len(t, healthy, 1)
	assert.Equal(t, "a1", healthy[0].AgentID)
}

func TestDisposeTerminatesAndReleasesLocks(t *testing.T) {
	runtime := newFakeRuntime()
	locks := newFakeLocks()
	p := newTestPool(runtime, locks, 5)

	_, err := p.Spawn(context.Background(), SpawnConfig{AgentID: "a1", Role: "debugger"})
	require.NoError(t, err)
	waitForStatus(t, p, "a1", StatusReady)

	p.Dispose()

	assert.Equal(t, 1, locks.releaseCount("a1"))

	_, err = p.Spawn(context.Background(), SpawnConfig{AgentID: "a2", Role: "debugger"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeDisposed))
}
