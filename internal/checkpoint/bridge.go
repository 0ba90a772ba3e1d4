package checkpoint

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/flowforge/orchestrator-core/internal/common/apperrors"
	"github.com/flowforge/orchestrator-core/internal/common/logger"
	"github.com/flowforge/orchestrator-core/internal/recovery"
	"github.com/flowforge/orchestrator-core/internal/workflow"
)

// BridgeConfig tunes auto-checkpoint behaviour.
type BridgeConfig struct {
	AutoCheckpoint       bool
	AutoCheckpointStates []workflow.State
}

// Bridge wires a checkpoint Service to a workflow Machine: it auto-snapshots
// on configured state transitions, and plays the role of the "consumer"
// that re-applies a restored checkpoint to the WSM via the machine's public
// ApplyRollback, so the service itself never reaches into WSM internals.
type Bridge struct {
	cfg     BridgeConfig
	svc     *Service
	machine *workflow.Machine

	unsubscribe func()
	logger      *logger.Logger
}

// NewBridge creates a Bridge over an existing checkpoint Service and
// workflow Machine.
func NewBridge(cfg BridgeConfig, svc *Service, machine *workflow.Machine) *Bridge {
	return &Bridge{
		cfg:     cfg,
		svc:     svc,
		machine: machine,
		logger:  logger.Default().WithFields(zap.String("component", "checkpoint_bridge")),
	}
}

// Wire subscribes to the machine's stateChange stream and auto-checkpoints
// on every configured state. Returns an unwire func.
func (b *Bridge) Wire(sessionID string) func() {
	unsubscribe := b.machine.OnStateChange(func(ev workflow.StateChangeEvent) {
		if !b.cfg.AutoCheckpoint || !b.inAutoCheckpointStates(ev.NewState) {
			return
		}
		name := fmt.Sprintf("Auto-checkpoint: %s", ev.NewState)
		if _, err := b.snapshot(sessionID, name, nil); err != nil {
			b.logger.Warn("auto-checkpoint failed", zap.String("state", string(ev.NewState)), zap.Error(err))
		}
	})
	b.unsubscribe = unsubscribe
	return unsubscribe
}

func (b *Bridge) inAutoCheckpointStates(s workflow.State) bool {
	for _, candidate := range b.cfg.AutoCheckpointStates {
		if candidate == s {
			return true
		}
	}
	return false
}

// snapshot captures the machine's current state/context/history into a
// checkpoint.
func (b *Bridge) snapshot(sessionID, name string, tags []string) (WorkflowCheckpoint, error) {
	state := b.machine.GetState()
	ctx := b.machine.GetContext()
	history := b.machine.GetHistory(0)

	historySnapshots := make([]HistoryEntrySnapshot, len(history))
	for i, h := range history {
		historySnapshots[i] = HistoryEntrySnapshot{
			State:     string(h.State),
			Timestamp: h.Timestamp,
			Trigger:   string(h.Trigger),
			Metadata:  h.Metadata,
		}
	}

	return b.svc.CreateCheckpointFromWorkflow(context.Background(), sessionID,
		WorkflowStateSnapshot{State: string(state), PreviousState: string(b.machine.GetPreviousState()), History: historySnapshots},
		WorkflowContextSnapshot{
			UserTask:     ctx.UserTask,
			CurrentStep:  ctx.CurrentStep,
			TotalSteps:   ctx.TotalSteps,
			ArtifactIDs:  ctx.ArtifactIDs,
			AgentIDs:     ctx.AgentIDs,
			ErrorMessage: ctx.ErrorMessage,
			RetryCount:   ctx.RetryCount,
			Metadata:     ctx.Metadata,
		},
		ctx.ArtifactIDs, ctx.AgentIDs,
		CreateOptions{Name: name, Tags: tags},
	)
}

// CreateNamed is the externally invocable counterpart to the auto-checkpoint
// path, for explicit user- or orchestrator-requested snapshots.
func (b *Bridge) CreateNamed(sessionID, name string, tags []string) (WorkflowCheckpoint, error) {
	return b.snapshot(sessionID, name, tags)
}

// RollbackToLatest restores the session's most recent active checkpoint and
// applies it to the machine. Satisfies recovery.CheckpointRollback.
func (b *Bridge) RollbackToLatest(ctx context.Context, sessionID string) (recovery.RollbackEvent, error) {
	ckpt, found, err := b.svc.GetLatest(sessionID)
	if err != nil {
		return recovery.RollbackEvent{}, apperrors.InternalError("failed to load latest checkpoint", err)
	}
	if !found {
		return recovery.RollbackEvent{}, apperrors.NotFound("checkpoint", "latest for session "+sessionID)
	}
	return b.applyRestore(ckpt.ID)
}

// RollbackToState restores the most recent checkpoint taken while the
// session was in the given state. Satisfies recovery.CheckpointRollback.
func (b *Bridge) RollbackToState(ctx context.Context, sessionID string, state string) (recovery.RollbackEvent, error) {
	candidates, err := b.svc.GetCheckpointsForState(sessionID, state)
	if err != nil {
		return recovery.RollbackEvent{}, apperrors.InternalError("failed to load checkpoints for state", err)
	}
	if len(candidates) == 0 {
		return recovery.RollbackEvent{}, apperrors.NotFound("checkpoint", "state "+state+" for session "+sessionID)
	}
	return b.applyRestore(candidates[0].ID)
}

// RollbackToCheckpoint restores a specific checkpoint by id.
func (b *Bridge) RollbackToCheckpoint(ctx context.Context, id string) (recovery.RollbackEvent, error) {
	return b.applyRestore(id)
}

func (b *Bridge) applyRestore(id string) (recovery.RollbackEvent, error) {
	restored, err := b.svc.Restore(id, DefaultRestoreOptions())
	if err != nil {
		return recovery.RollbackEvent{}, err
	}

	history := make([]workflow.HistoryEntry, len(restored.WorkflowState.History))
	for i, h := range restored.WorkflowState.History {
		history[i] = workflow.HistoryEntry{State: workflow.State(h.State), Timestamp: h.Timestamp, Trigger: workflow.Trigger(h.Trigger), Metadata: h.Metadata}
	}
	restoredContext := workflow.Context{
		UserTask:     restored.ContextSnapshot.UserTask,
		CurrentStep:  restored.ContextSnapshot.CurrentStep,
		TotalSteps:   restored.ContextSnapshot.TotalSteps,
		ArtifactIDs:  restored.ContextSnapshot.ArtifactIDs,
		AgentIDs:     restored.ContextSnapshot.AgentIDs,
		ErrorMessage: restored.ContextSnapshot.ErrorMessage,
		RetryCount:   restored.ContextSnapshot.RetryCount,
		Metadata:     restored.ContextSnapshot.Metadata,
	}

	if err := b.machine.ApplyRollback(workflow.State(restored.WorkflowState.State), restoredContext, history); err != nil {
		return recovery.RollbackEvent{}, err
	}

	return recovery.RollbackEvent{
		CheckpointID:    restored.ID,
		RestoredState:   restored.WorkflowState.State,
		RestoredContext: contextToMap(restoredContext),
	}, nil
}

func contextToMap(c workflow.Context) map[string]interface{} {
	return map[string]interface{}{
		"userTask":     c.UserTask,
		"currentStep":  c.CurrentStep,
		"totalSteps":   c.TotalSteps,
		"artifactIds":  c.ArtifactIDs,
		"agentIds":     c.AgentIDs,
		"errorMessage": c.ErrorMessage,
		"retryCount":   c.RetryCount,
		"metadata":     c.Metadata,
	}
}

// Dispose unwires the machine subscription, if wired. Idempotent.
func (b *Bridge) Dispose() {
	if b.unsubscribe != nil {
		b.unsubscribe()
		b.unsubscribe = nil
	}
}
