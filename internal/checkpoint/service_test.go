package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/orchestrator-core/internal/common/storage"
)

func newTestService(maxPerSession int) *Service {
	return New(Config{MaxCheckpointsPerSession: maxPerSession}, storage.NewMemory())
}

func TestCreateCheckpointRoundTrip(t *testing.T) {
	svc := newTestService(0)

	ckpt, err := svc.CreateCheckpointFromWorkflow(context.Background(), "s1",
		WorkflowStateSnapshot{State: "PLANNING"},
		WorkflowContextSnapshot{UserTask: "implement auth"},
		[]string{"artifact-1"}, []string{"agent-1"},
		CreateOptions{Name: "manual"},
	)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, ckpt.Status)
	assert.NotEmpty(t, ckpt.ID)

	latest, found, err := svc.GetLatest("s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ckpt.ID, latest.ID)
	assert.Equal(t, "PLANNING", latest.WorkflowState.State)
}

func TestGetLatestReturnsMostRecentlyCreated(t *testing.T) {
	svc := newTestService(0)

	first, err := svc.CreateCheckpointFromWorkflow(context.Background(), "s1", WorkflowStateSnapshot{State: "PLANNING"}, WorkflowContextSnapshot{}, nil, nil, CreateOptions{})
	require.NoError(t, err)
	second, err := svc.CreateCheckpointFromWorkflow(context.Background(), "s1", WorkflowStateSnapshot{State: "PLAN_REVIEW"}, WorkflowContextSnapshot{}, nil, nil, CreateOptions{})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	latest, found, err := svc.GetLatest("s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, second.ID, latest.ID)
}

func TestGetCheckpointsForStateFiltersBySessionAndState(t *testing.T) {
	svc := newTestService(0)
	_, err := svc.CreateCheckpointFromWorkflow(context.Background(), "s1", WorkflowStateSnapshot{State: "PLANNING"}, WorkflowContextSnapshot{}, nil, nil, CreateOptions{})
	require.NoError(t, err)
	_, err = svc.CreateCheckpointFromWorkflow(context.Background(), "s1", WorkflowStateSnapshot{State: "PLAN_REVIEW"}, WorkflowContextSnapshot{}, nil, nil, CreateOptions{})
	require.NoError(t, err)
	_, err = svc.CreateCheckpointFromWorkflow(context.Background(), "s2", WorkflowStateSnapshot{State: "PLANNING"}, WorkflowContextSnapshot{}, nil, nil, CreateOptions{})
	require.NoError(t, err)

	got, err := svc.GetCheckpointsForState("s1", "PLANNING")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].SessionID)
}

func TestListPaginatesAndSorts(t *testing.T) {
	svc := newTestService(0)
	for i := 0; i < 5; i++ {
		_, err := svc.CreateCheckpointFromWorkflow(context.Background(), "s1", WorkflowStateSnapshot{State: "PLANNING"}, WorkflowContextSnapshot{}, nil, nil, CreateOptions{})
		require.NoError(t, err)
	}

	page, err := svc.List(ListOptions{SessionID: "s1", Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.False(t, page[0].CreatedAt.Before(page[1].CreatedAt))
}

func TestRestoreMarksStatusRestored(t *testing.T) {
	svc := newTestService(0)
	ckpt, err := svc.CreateCheckpointFromWorkflow(context.Background(), "s1", WorkflowStateSnapshot{State: "PLANNING"}, WorkflowContextSnapshot{UserTask: "x"}, nil, nil, CreateOptions{})
	require.NoError(t, err)

	restored, err := svc.Restore(ckpt.ID, DefaultRestoreOptions())
	require.NoError(t, err)
	assert.Equal(t, StatusRestored, restored.Status)
	assert.Equal(t, "x", restored.ContextSnapshot.UserTask)

	list, err := svc.List(ListOptions{SessionID: "s1", Status: StatusRestored})
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestRestoreSelectiveFlagsDropFields(t *testing.T) {
	svc := newTestService(0)
	ckpt, err := svc.CreateCheckpointFromWorkflow(context.Background(), "s1",
		WorkflowStateSnapshot{State: "PLANNING"},
		WorkflowContextSnapshot{UserTask: "x"},
		[]string{"a1"}, []string{"ag1"}, CreateOptions{})
	require.NoError(t, err)

	restored, err := svc.Restore(ckpt.ID, RestoreOptions{RestoreContext: true})
	require.NoError(t, err)
	assert.Nil(t, restored.ArtifactRefs)
	assert.Nil(t, restored.AgentRefs)
	assert.Equal(t, "x", restored.ContextSnapshot.UserTask)
}

func TestDeleteRemovesCheckpoint(t *testing.T) {
	svc := newTestService(0)
	ckpt, err := svc.CreateCheckpointFromWorkflow(context.Background(), "s1", WorkflowStateSnapshot{State: "PLANNING"}, WorkflowContextSnapshot{}, nil, nil, CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), ckpt.ID))
	_, found, err := svc.GetLatest("s1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRetentionEnforcesMaxCheckpointsPerSession(t *testing.T) {
	svc := newTestService(2)
	for i := 0; i < 4; i++ {
		_, err := svc.CreateCheckpointFromWorkflow(context.Background(), "s1", WorkflowStateSnapshot{State: "PLANNING"}, WorkflowContextSnapshot{}, nil, nil, CreateOptions{})
		require.NoError(t, err)
	}

	list, err := svc.List(ListOptions{SessionID: "s1"})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(list), 2)
}

func TestCleanupDryRunDoesNotRemove(t *testing.T) {
	svc := newTestService(0)
	_, err := svc.CreateCheckpointFromWorkflow(context.Background(), "s1", WorkflowStateSnapshot{State: "PLANNING"}, WorkflowContextSnapshot{}, nil, nil, CreateOptions{})
	require.NoError(t, err)

	result, err := svc.Cleanup(context.Background(), CleanupOptions{OlderThan: time.Nanosecond, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Removed)

	list, err := svc.List(ListOptions{SessionID: "s1"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestGetStatsCountsByStatus(t *testing.T) {
	svc := newTestService(0)
	_, err := svc.CreateCheckpointFromWorkflow(context.Background(), "s1", WorkflowStateSnapshot{State: "PLANNING"}, WorkflowContextSnapshot{}, nil, nil, CreateOptions{})
	require.NoError(t, err)

	stats := svc.GetStats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[StatusActive])
	assert.Equal(t, 1, stats.BySession["s1"])
}
