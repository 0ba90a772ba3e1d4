package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/orchestrator-core/internal/common/storage"
	"github.com/flowforge/orchestrator-core/internal/workflow"
)

func TestBridgeAutoCheckpointsOnConfiguredState(t *testing.T) {
	svc := New(Config{}, storage.NewMemory())
	machine := workflow.New()
	bridge := NewBridge(BridgeConfig{AutoCheckpoint: true, AutoCheckpointStates: []workflow.State{workflow.StatePlanning}}, svc, machine)
	defer bridge.Dispose()
	bridge.Wire("s1")

	require.NoError(t, machine.StartTask("implement auth"))

	list, err := svc.List(ListOptions{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Auto-checkpoint: PLANNING", list[0].Name)
}

func TestBridgeDoesNotCheckpointUnconfiguredStates(t *testing.T) {
	svc := New(Config{}, storage.NewMemory())
	machine := workflow.New()
	bridge := NewBridge(BridgeConfig{AutoCheckpoint: true, AutoCheckpointStates: []workflow.State{workflow.StateCompleted}}, svc, machine)
	defer bridge.Dispose()
	bridge.Wire("s1")

	require.NoError(t, machine.StartTask("implement auth"))

	list, err := svc.List(ListOptions{SessionID: "s1"})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestBridgeRollbackToLatestAppliesToMachine(t *testing.T) {
	svc := New(Config{}, storage.NewMemory())
	machine := workflow.New()
	bridge := NewBridge(BridgeConfig{}, svc, machine)
	defer bridge.Dispose()

	require.NoError(t, machine.StartTask("implement auth"))
	_, err := bridge.CreateNamed("s1", "manual at planning", nil)
	require.NoError(t, err)

	require.NoError(t, machine.Transition(workflow.StatePlanReview, workflow.TriggerPlanCreated, nil))
	assert.Equal(t, workflow.StatePlanReview, machine.GetState())

	ev, err := bridge.RollbackToLatest(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "PLANNING", ev.RestoredState)
	assert.Equal(t, workflow.StatePlanning, machine.GetState())
}

func TestBridgeRollbackToStateFindsMatchingCheckpoint(t *testing.T) {
	svc := New(Config{}, storage.NewMemory())
	machine := workflow.New()
	bridge := NewBridge(BridgeConfig{}, svc, machine)
	defer bridge.Dispose()

	require.NoError(t, machine.StartTask("implement auth"))
	_, err := bridge.CreateNamed("s1", "at planning", nil)
	require.NoError(t, err)
	require.NoError(t, machine.Transition(workflow.StatePlanReview, workflow.TriggerPlanCreated, nil))
	_, err = bridge.CreateNamed("s1", "at plan review", nil)
	require.NoError(t, err)

	ev, err := bridge.RollbackToState(context.Background(), "s1", "PLANNING")
	require.NoError(t, err)
	assert.Equal(t, "PLANNING", ev.RestoredState)
}

func TestBridgeRollbackToLatestFailsWhenNoCheckpointExists(t *testing.T) {
	svc := New(Config{}, storage.NewMemory())
	machine := workflow.New()
	bridge := NewBridge(BridgeConfig{}, svc, machine)
	defer bridge.Dispose()

	_, err := bridge.RollbackToLatest(context.Background(), "missing-session")
	require.Error(t, err)
}
