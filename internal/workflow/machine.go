package workflow

import (
	"sync"
	"time"

	"github.com/flowforge/orchestrator-core/internal/common/apperrors"
	"github.com/flowforge/orchestrator-core/internal/common/logger"
	"go.uber.org/zap"
)

// Storage is the minimal async key/value adapter the machine persists its
// state through (spec.md section 6, StorageAdapter). It is optional: a nil
// Storage means no persistence.
type Storage interface {
	GetItem(key string) (string, bool, error)
	SetItem(key string, value string) error
	RemoveItem(key string) error
}

// Machine is the single source of truth for where a task is in its
// lifecycle (spec.md section 4.1).
type Machine struct {
	mu sync.Mutex

	state         State
	previousState State
	context       Context
	history       []HistoryEntry
	disposed      bool

	storage    Storage
	storageKey string
	logger     *logger.Logger

	listeners *listenerRegistry
}

// Option configures a Machine at construction time.
type Option func(*Machine)

// WithStorage attaches a StorageAdapter the machine persists snapshots to
// under storageKey after every committed transition. Persistence is
// best-effort: a write failure is logged, never returned to the caller.
func WithStorage(storage Storage, storageKey string) Option {
	return func(m *Machine) {
		m.storage = storage
		m.storageKey = storageKey
	}
}

// WithLogger attaches a structured logger. Defaults to logger.Default().
func WithLogger(log *logger.Logger) Option {
	return func(m *Machine) {
		m.logger = log.WithFields(zap.String("component", "workflow"))
	}
}

// New creates a Machine in the IDLE state.
func New(opts ...Option) *Machine {
	m := &Machine{
		state:     StateIdle,
		context:   newContext(""),
		listeners: newListenerRegistry(),
		logger:    logger.Default().WithFields(zap.String("component", "workflow")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnStateChange subscribes to committed transitions.
func (m *Machine) OnStateChange(l StateChangeListener) (unsubscribe func()) {
	return m.listeners.OnStateChange(l)
}

// OnReset subscribes to Reset() calls.
func (m *Machine) OnReset(l ResetListener) (unsubscribe func()) {
	return m.listeners.OnReset(l)
}

// StartTask transitions IDLE -> PLANNING, seeding the context with the
// user's task description. Fails with InvalidLifecycleOp if not IDLE.
func (m *Machine) StartTask(userTask string) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return apperrors.Disposed("workflow")
	}
	if m.state != StateIdle {
		m.mu.Unlock()
		return apperrors.InvalidLifecycleOp("start_task", string(m.state))
	}
	m.context = newContext(userTask)
	m.mu.Unlock()

	return m.Transition(StatePlanning, TriggerStartTask, nil)
}

// Transition enforces the canonical transition table. On an edge not
// present in the table it fails with InvalidTransition, listing the legal
// targets from the current state.
func (m *Machine) Transition(target State, trigger Trigger, metadata map[string]interface{}) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return apperrors.Disposed("workflow")
	}

	from := m.state
	resolved, ok := m.resolveTransition(from, trigger, target)
	if !ok {
		valid := m.validTransitionsLocked()
		m.mu.Unlock()
		return apperrors.InvalidTransition(string(from), string(trigger), valid)
	}

	m.previousStateForTrigger(trigger, from)
	m.state = resolved
	m.context.CurrentStep = stepForState(resolved)
	if trigger == TriggerRetryRequested {
		m.context.RetryCount++
		m.context.ErrorMessage = ""
	}
	entry := HistoryEntry{State: resolved, Timestamp: now(), Trigger: trigger, Metadata: metadata}
	m.history = appendHistory(m.history, entry)
	ctxCopy := m.context.Clone()
	m.persistLocked()
	m.mu.Unlock()

	m.logger.Info("state transition",
		zap.String("from", string(from)),
		zap.String("to", string(resolved)),
		zap.String("trigger", string(trigger)))

	m.listeners.emitStateChange(StateChangeEvent{
		PreviousState: from,
		NewState:      resolved,
		Trigger:       trigger,
		Context:       ctxCopy,
	})
	return nil
}

// resolveTransition looks up the table entry for (from, trigger). A
// non-empty caller-supplied target that disagrees with the table's target
// is rejected, so a caller's wrong expectation fails fast; an empty target
// accepts whatever the table names.
func (m *Machine) resolveTransition(from State, trigger Trigger, target State) (State, bool) {
	edges, ok := transitionTable[from]
	if !ok {
		return "", false
	}
	to, ok := edges[trigger]
	if !ok {
		return "", false
	}
	if target != "" && target != to {
		return "", false
	}
	return to, true
}

func (m *Machine) previousStateForTrigger(trigger Trigger, from State) {
	if trigger == TriggerPauseRequested {
		m.previousState = from
	}
	if trigger == TriggerResumeRequested {
		m.previousState = ""
	}
}

func (m *Machine) validTransitionsLocked() []string {
	edges, ok := transitionTable[m.state]
	if !ok {
		return nil
	}
	targets := make(map[State]struct{})
	for _, to := range edges {
		targets[to] = struct{}{}
	}
	out := make([]string, 0, len(targets))
	for t := range targets {
		out = append(out, string(t))
	}
	return out
}

// Pause moves an active state to PAUSED, recording previousState. Fails
// with InvalidLifecycleOp unless the current state is active.
func (m *Machine) Pause() error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return apperrors.Disposed("workflow")
	}
	if !m.state.IsActive() {
		state := m.state
		m.mu.Unlock()
		return apperrors.InvalidLifecycleOp("pause", string(state))
	}
	from := m.state
	m.previousState = from
	m.state = StatePaused
	entry := HistoryEntry{State: StatePaused, Timestamp: now(), Trigger: TriggerPauseRequested}
	m.history = appendHistory(m.history, entry)
	ctxCopy := m.context.Clone()
	m.persistLocked()
	m.mu.Unlock()

	m.listeners.emitStateChange(StateChangeEvent{PreviousState: from, NewState: StatePaused, Trigger: TriggerPauseRequested, Context: ctxCopy})
	return nil
}

// Resume returns PAUSED to the recorded previousState. Fails with
// InvalidLifecycleOp unless the current state is PAUSED.
func (m *Machine) Resume() error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return apperrors.Disposed("workflow")
	}
	if m.state != StatePaused {
		state := m.state
		m.mu.Unlock()
		return apperrors.InvalidLifecycleOp("resume", string(state))
	}
	target := m.previousState
	if target == "" {
		target = StateIdle
	}
	m.previousState = ""
	m.state = target
	entry := HistoryEntry{State: target, Timestamp: now(), Trigger: TriggerResumeRequested}
	m.history = appendHistory(m.history, entry)
	ctxCopy := m.context.Clone()
	m.persistLocked()
	m.mu.Unlock()

	m.listeners.emitStateChange(StateChangeEvent{PreviousState: StatePaused, NewState: target, Trigger: TriggerResumeRequested, Context: ctxCopy})
	return nil
}

// Cancel fires cancel_requested from any state where the table defines it
// (every active state, PAUSED, ERROR, and COMPLETED), resetting to IDLE.
func (m *Machine) Cancel() error {
	m.mu.Lock()
	from := m.state
	if from == StatePaused {
		from = m.previousState
		if from == "" {
			from = StateIdle
		}
	}
	m.mu.Unlock()

	if from == StateIdle {
		return m.Reset()
	}
	return m.Transition(StateIdle, TriggerCancelRequested, nil)
}

// Retry fires retry_requested from ERROR, returning to PLANNING with
// retryCount incremented and errorMessage cleared. Fails with
// InvalidLifecycleOp from any other state.
func (m *Machine) Retry() error {
	m.mu.Lock()
	if m.state != StateError {
		state := m.state
		m.mu.Unlock()
		return apperrors.InvalidLifecycleOp("retry", string(state))
	}
	m.mu.Unlock()
	return m.Transition(StatePlanning, TriggerRetryRequested, nil)
}

// RaiseError fires error_occurred from any active state.
func (m *Machine) RaiseError(message string) error {
	m.mu.Lock()
	if !m.state.IsActive() {
		state := m.state
		m.mu.Unlock()
		return apperrors.InvalidLifecycleOp("raise_error", string(state))
	}
	m.mu.Unlock()

	if err := m.Transition(StateError, TriggerErrorOccurred, map[string]interface{}{"error": message}); err != nil {
		return err
	}
	m.mu.Lock()
	m.context.ErrorMessage = message
	m.mu.Unlock()
	return nil
}

// artifactTransitions maps (currentState, artifactType) to the canonical
// next trigger, per spec.md section 4.1's handleArtifactCreated convenience.
var artifactTransitions = map[State]map[string]Trigger{
	StatePlanning:           {"implementation_plan": TriggerPlanCreated},
	StatePlanRevision:       {"implementation_plan": TriggerPlanRevised},
	StateStructureCreation:  {"project_structure": TriggerStructureCreated},
	StateCodeImplementation: {"code": TriggerCodeImplemented, "pseudocode": TriggerCodeImplemented},
	StateCodeFixing:         {"code": TriggerCodeFixed},
	StateDocumentation:      {"documentation": TriggerDocumentationComplete},
}

// HandleArtifactCreated selects and fires the canonical next-state trigger
// for an artifact produced in the current state.
func (m *Machine) HandleArtifactCreated(artifactType string) error {
	m.mu.Lock()
	triggers, ok := artifactTransitions[m.state]
	if !ok {
		state := m.state
		m.mu.Unlock()
		return apperrors.InvalidTransition(string(state), "artifact:"+artifactType, m.validTransitionsLockedSafe())
	}
	trigger, ok := triggers[artifactType]
	from := m.state
	m.mu.Unlock()
	if !ok {
		return apperrors.InvalidTransition(string(from), "artifact:"+artifactType, nil)
	}
	edges := transitionTable[from]
	return m.Transition(edges[trigger], trigger, map[string]interface{}{"artifactType": artifactType})
}

func (m *Machine) validTransitionsLockedSafe() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validTransitionsLocked()
}

// HandlePlanReview fires plan_approved or plan_needs_revision from PLAN_REVIEW.
func (m *Machine) HandlePlanReview(approved bool) error {
	if approved {
		return m.Transition(StateStructureCreation, TriggerPlanApproved, nil)
	}
	return m.Transition(StatePlanRevision, TriggerPlanNeedsRevision, nil)
}

// HandleCodeReview fires code_approved or code_needs_fixes from CODE_REVIEW.
func (m *Machine) HandleCodeReview(approved bool) error {
	if approved {
		return m.Transition(StateDocumentation, TriggerCodeApproved, nil)
	}
	return m.Transition(StateCodeFixing, TriggerCodeNeedsFixes, nil)
}

// HandleTestResults fires tests_passed or tests_failed from TESTING.
func (m *Machine) HandleTestResults(passed bool) error {
	if passed {
		return m.Transition(StateCompleted, TriggerTestsPassed, nil)
	}
	return m.Transition(StateCodeFixing, TriggerTestsFailed, nil)
}

// GetState returns the current state.
func (m *Machine) GetState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// GetPreviousState returns the state recorded by the most recent pause,
// cleared on resume.
func (m *Machine) GetPreviousState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previousState
}

// GetContext returns a read-only copy of the context.
func (m *Machine) GetContext() Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.context.Clone()
}

// GetHistory returns the most recent `limit` history entries, newest last.
// limit <= 0 returns the full retained history.
func (m *Machine) GetHistory(limit int) []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit >= len(m.history) {
		out := make([]HistoryEntry, len(m.history))
		copy(out, m.history)
		return out
	}
	out := make([]HistoryEntry, limit)
	copy(out, m.history[len(m.history)-limit:])
	return out
}

// GetProgress returns 0-100 along the happy path, or -1 for PAUSED/ERROR.
func (m *Machine) GetProgress() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StatePaused || m.state == StateError {
		return -1
	}
	if p, ok := progressByState[m.state]; ok {
		return p
	}
	return 0
}

// CanTransitionTo reports whether any trigger from the current state leads
// to target.
func (m *Machine) CanTransitionTo(target State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, to := range transitionTable[m.state] {
		if to == target {
			return true
		}
	}
	return false
}

// GetValidTransitions lists every state reachable by one trigger from the
// current state.
func (m *Machine) GetValidTransitions() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[State]struct{}{}
	out := []State{}
	for _, to := range transitionTable[m.state] {
		if _, ok := seen[to]; !ok {
			seen[to] = struct{}{}
			out = append(out, to)
		}
	}
	return out
}

// IsActive reports whether the current state is one of the non-terminal
// working states.
func (m *Machine) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.IsActive()
}

// IsPaused reports whether the current state is PAUSED.
func (m *Machine) IsPaused() bool {
	return m.GetState() == StatePaused
}

// HasError reports whether the current state is ERROR.
func (m *Machine) HasError() bool {
	return m.GetState() == StateError
}

// IsTerminalState reports whether the current state is COMPLETED.
func (m *Machine) IsTerminalState() bool {
	return m.GetState().IsTerminal()
}

// TriggerRollback marks a state forcibly restored from a checkpoint,
// bypassing the transition table.
const TriggerRollback Trigger = "rollback"

// ApplyRollback forcibly sets state, context, and history from a restored
// checkpoint, bypassing the transition table, and emits a stateChange event
// carrying TriggerRollback. The checkpoint bridge calls this as the
// consumer that re-applies a restore; it never mutates the machine's
// unexported fields directly.
func (m *Machine) ApplyRollback(state State, restoredContext Context, history []HistoryEntry) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return apperrors.Disposed("workflow")
	}
	from := m.state
	m.state = state
	m.previousState = ""
	m.context = restoredContext
	m.history = append([]HistoryEntry(nil), history...)
	ctxCopy := m.context.Clone()
	m.persistLocked()
	m.mu.Unlock()

	m.logger.Info("rollback applied", zap.String("from", string(from)), zap.String("to", string(state)))
	m.listeners.emitStateChange(StateChangeEvent{PreviousState: from, NewState: state, Trigger: TriggerRollback, Context: ctxCopy})
	return nil
}

// Reset clears the context and returns the machine to IDLE without
// traversing the transition table, emitting a `reset` event.
func (m *Machine) Reset() error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return apperrors.Disposed("workflow")
	}
	m.state = StateIdle
	m.previousState = ""
	m.context = newContext("")
	m.history = nil
	m.persistLocked()
	m.mu.Unlock()

	m.listeners.emitReset()
	return nil
}

// Dispose marks the machine disposed; subsequent mutating calls fail with
// Disposed. Idempotent.
func (m *Machine) Dispose() {
	m.mu.Lock()
	m.disposed = true
	m.mu.Unlock()
}

func (m *Machine) persistLocked() {
	if m.storage == nil {
		return
	}
	snapshot := Snapshot{
		State:         m.state,
		PreviousState: m.previousState,
		Context:       m.context,
		History:       append([]HistoryEntry(nil), m.history...),
	}
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		m.logger.Warn("failed to encode workflow snapshot", zap.Error(err))
		return
	}
	if err := m.storage.SetItem(m.storageKey, data); err != nil {
		m.logger.Warn("failed to persist workflow snapshot", zap.Error(err))
	}
}

// now is overridable in tests that need deterministic timestamps.
var now = time.Now
