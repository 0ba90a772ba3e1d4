package workflow

import (
	"testing"

	"github.com/flowforge/orchestrator-core/internal/common/apperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartTask(t *testing.T) {
	m := New()
	require.NoError(t, m.StartTask("build a widget"))
	assert.Equal(t, StatePlanning, m.GetState())
	assert.Equal(t, "build a widget", m.GetContext().UserTask)
}

func TestStartTaskFailsWhenNotIdle(t *testing.T) {
	m := New()
	require.NoError(t, m.StartTask("task"))
	err := m.StartTask("another")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidLifecycleOp))
}

// TestHappyPath walks the full PLANNING -> COMPLETED sequence, matching
// scenario S1 (straightforward happy-path task completion).
func TestHappyPath(t *testing.T) {
	m := New()
	require.NoError(t, m.StartTask("task"))

	require.NoError(t, m.HandleArtifactCreated("implementation_plan"))
	assert.Equal(t, StatePlanReview, m.GetState())

	require.NoError(t, m.HandlePlanReview(true))
	assert.Equal(t, StateStructureCreation, m.GetState())

	require.NoError(t, m.HandleArtifactCreated("project_structure"))
	assert.Equal(t, StateCodeImplementation, m.GetState())

	require.NoError(t, m.HandleArtifactCreated("code"))
	assert.Equal(t, StateCodeReview, m.GetState())

	require.NoError(t, m.HandleCodeReview(true))
	assert.Equal(t, StateDocumentation, m.GetState())

	require.NoError(t, m.HandleArtifactCreated("documentation"))
	assert.Equal(t, StateTesting, m.GetState())

	require.NoError(t, m.HandleTestResults(true))
	assert.Equal(t, StateCompleted, m.GetState())
	assert.True(t, m.IsTerminalState())
	assert.Equal(t, 100, m.GetProgress())
}

// TestPlanRevisionLoop matches scenario S2: a plan rejected once before
// approval.
func TestPlanRevisionLoop(t *testing.T) {
	m := New()
	require.NoError(t, m.StartTask("task"))
	require.NoError(t, m.HandleArtifactCreated("implementation_plan"))

	require.NoError(t, m.HandlePlanReview(false))
	assert.Equal(t, StatePlanRevision, m.GetState())

	require.NoError(t, m.HandleArtifactCreated("implementation_plan"))
	assert.Equal(t, StatePlanReview, m.GetState())

	require.NoError(t, m.HandlePlanReview(true))
	assert.Equal(t, StateStructureCreation, m.GetState())
}

// TestCodeFixLoop matches scenario S3: code review rejects, then a failed
// test run routes back through CODE_FIXING again.
func TestCodeFixLoop(t *testing.T) {
	m := New()
	require.NoError(t, m.StartTask("task"))
	require.NoError(t, m.HandleArtifactCreated("implementation_plan"))
	require.NoError(t, m.HandlePlanReview(true))
	require.NoError(t, m.HandleArtifactCreated("project_structure"))
	require.NoError(t, m.HandleArtifactCreated("code"))

	require.NoError(t, m.HandleCodeReview(false))
	assert.Equal(t, StateCodeFixing, m.GetState())

	require.NoError(t, m.HandleArtifactCreated("code"))
	assert.Equal(t, StateCodeReview, m.GetState())

	require.NoError(t, m.HandleCodeReview(true))
	require.NoError(t, m.HandleArtifactCreated("documentation"))

	require.NoError(t, m.HandleTestResults(false))
	assert.Equal(t, StateCodeFixing, m.GetState())
}

func TestInvalidTransitionListsValidTargets(t *testing.T) {
	m := New()
	require.NoError(t, m.StartTask("task"))

	err := m.Transition(StateCompleted, TriggerTestsPassed, nil)
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeInvalidTransition, appErr.Code)
	assert.Contains(t, appErr.Details, "valid_targets")
}

func TestPauseResumePreservesState(t *testing.T) {
	m := New()
	require.NoError(t, m.StartTask("task"))
	require.NoError(t, m.HandleArtifactCreated("implementation_plan"))

	require.NoError(t, m.Pause())
	assert.Equal(t, StatePaused, m.GetState())
	assert.Equal(t, StatePlanReview, m.GetPreviousState())
	assert.Equal(t, -1, m.GetProgress())

	require.NoError(t, m.Resume())
	assert.Equal(t, StatePlanReview, m.GetState())
	assert.Equal(t, State(""), m.GetPreviousState())
}

func TestPauseFailsWhenNotActive(t *testing.T) {
	m := New()
	err := m.Pause()
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidLifecycleOp))
}

func TestRetryFromError(t *testing.T) {
	m := New()
	require.NoError(t, m.StartTask("task"))
	require.NoError(t, m.RaiseError("boom"))
	assert.Equal(t, StateError, m.GetState())
	assert.Equal(t, -1, m.GetProgress())
	assert.Equal(t, "boom", m.GetContext().ErrorMessage)

	require.NoError(t, m.Retry())
	assert.Equal(t, StatePlanning, m.GetState())
	assert.Equal(t, 1, m.GetContext().RetryCount)
	assert.Empty(t, m.GetContext().ErrorMessage)
}

func TestRetryFailsOutsideError(t *testing.T) {
	m := New()
	err := m.Retry()
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidLifecycleOp))
}

func TestCancelFromActiveReturnsToIdle(t *testing.T) {
	m := New()
	require.NoError(t, m.StartTask("task"))
	require.NoError(t, m.Cancel())
	assert.Equal(t, StateIdle, m.GetState())
}

func TestCancelFromPausedReturnsToIdle(t *testing.T) {
	m := New()
	require.NoError(t, m.StartTask("task"))
	require.NoError(t, m.Pause())
	require.NoError(t, m.Cancel())
	assert.Equal(t, StateIdle, m.GetState())
}

func TestStateChangeEventsEmittedInOrder(t *testing.T) {
	m := New()
	var seen []State
	unsubscribe := m.OnStateChange(func(ev StateChangeEvent) {
		seen = append(seen, ev.NewState)
	})
	defer unsubscribe()

	require.NoError(t, m.StartTask("task"))
	require.NoError(t, m.HandleArtifactCreated("implementation_plan"))

	assert.Equal(t, []State{StatePlanning, StatePlanReview}, seen)
}

func TestResetEmitsResetEvent(t *testing.T) {
	m := New()
	fired := false
	m.OnReset(func() { fired = true })

	require.NoError(t, m.StartTask("task"))
	require.NoError(t, m.Reset())

	assert.True(t, fired)
	assert.Equal(t, StateIdle, m.GetState())
	assert.Empty(t, m.GetHistory(0))
}

func TestHistoryEviction(t *testing.T) {
	m := New()
	require.NoError(t, m.StartTask("task"))
	for i := 0; i < maxHistory+10; i++ {
		require.NoError(t, m.RaiseError("err"))
		require.NoError(t, m.Retry())
	}
	assert.LessOrEqual(t, len(m.GetHistory(0)), maxHistory)
}

func TestDisposedRejectsOperations(t *testing.T) {
	m := New()
	m.Dispose()
	err := m.StartTask("task")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeDisposed))
}

type memoryStorage struct {
	data map[string]string
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{data: map[string]string{}}
}

func (s *memoryStorage) GetItem(key string) (string, bool, error) {
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memoryStorage) SetItem(key string, value string) error {
	s.data[key] = value
	return nil
}

func (s *memoryStorage) RemoveItem(key string) error {
	delete(s.data, key)
	return nil
}

func TestPersistenceRoundTrip(t *testing.T) {
	storage := newMemoryStorage()
	m := New(WithStorage(storage, "task-1"))
	require.NoError(t, m.StartTask("persisted task"))
	require.NoError(t, m.HandleArtifactCreated("implementation_plan"))

	restored := New(WithStorage(storage, "task-1"))
	found, err := restored.Restore()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatePlanReview, restored.GetState())
	assert.Equal(t, "persisted task", restored.GetContext().UserTask)
}
