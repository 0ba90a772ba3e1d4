// Package workflow implements the authoritative lifecycle state machine for
// a single orchestrated task (spec.md §4.1).
package workflow

// State is one of the closed set of workflow lifecycle states.
type State string

const (
	StateIdle               State = "IDLE"
	StatePlanning           State = "PLANNING"
	StatePlanReview         State = "PLAN_REVIEW"
	StatePlanRevision       State = "PLAN_REVISION"
	StateStructureCreation  State = "STRUCTURE_CREATION"
	StateCodeImplementation State = "CODE_IMPLEMENTATION"
	StateCodeReview         State = "CODE_REVIEW"
	StateCodeFixing         State = "CODE_FIXING"
	StateDocumentation      State = "DOCUMENTATION"
	StateTesting            State = "TESTING"
	StateCompleted          State = "COMPLETED"
	StatePaused             State = "PAUSED"
	StateError              State = "ERROR"
)

// Trigger names the event that caused a transition.
type Trigger string

const (
	TriggerStartTask            Trigger = "start_task"
	TriggerPlanCreated          Trigger = "plan_created"
	TriggerPlanApproved         Trigger = "plan_approved"
	TriggerPlanNeedsRevision    Trigger = "plan_needs_revision"
	TriggerPlanRevised          Trigger = "plan_revised"
	TriggerStructureCreated     Trigger = "structure_created"
	TriggerCodeImplemented      Trigger = "code_implemented"
	TriggerCodeApproved         Trigger = "code_approved"
	TriggerCodeNeedsFixes       Trigger = "code_needs_fixes"
	TriggerCodeFixed            Trigger = "code_fixed"
	TriggerDocumentationComplete Trigger = "documentation_complete"
	TriggerTestsPassed          Trigger = "tests_passed"
	TriggerTestsFailed          Trigger = "tests_failed"
	TriggerErrorOccurred        Trigger = "error_occurred"
	TriggerRetryRequested       Trigger = "retry_requested"
	TriggerCancelRequested      Trigger = "cancel_requested"
	TriggerPauseRequested       Trigger = "pause_requested"
	TriggerResumeRequested      Trigger = "resume_requested"
)

// edge is one row of the canonical transition table (spec.md §4.1).
type edge struct {
	from    State
	trigger Trigger
	to      State
}

// activeStates are every state `pause_requested`/`cancel_requested`/
// `error_occurred` may fire from, i.e. every non-terminal active state.
// COMPLETED and IDLE are terminal w.r.t. pause/error but COMPLETED still
// accepts cancel_requested per the table, and ERROR has its own edges.
var activeStates = []State{
	StatePlanning, StatePlanReview, StatePlanRevision, StateStructureCreation,
	StateCodeImplementation, StateCodeReview, StateCodeFixing, StateDocumentation,
	StateTesting,
}

func buildTable() map[State]map[Trigger]State {
	table := map[State]map[Trigger]State{}
	add := func(from State, trigger Trigger, to State) {
		if table[from] == nil {
			table[from] = map[Trigger]State{}
		}
		table[from][trigger] = to
	}

	add(StateIdle, TriggerStartTask, StatePlanning)
	add(StatePlanning, TriggerPlanCreated, StatePlanReview)
	add(StatePlanReview, TriggerPlanApproved, StateStructureCreation)
	add(StatePlanReview, TriggerPlanNeedsRevision, StatePlanRevision)
	add(StatePlanRevision, TriggerPlanRevised, StatePlanReview)
	add(StateStructureCreation, TriggerStructureCreated, StateCodeImplementation)
	add(StateCodeImplementation, TriggerCodeImplemented, StateCodeReview)
	add(StateCodeReview, TriggerCodeApproved, StateDocumentation)
	add(StateCodeReview, TriggerCodeNeedsFixes, StateCodeFixing)
	add(StateCodeFixing, TriggerCodeFixed, StateCodeReview)
	add(StateDocumentation, TriggerDocumentationComplete, StateTesting)
	add(StateTesting, TriggerTestsPassed, StateCompleted)
	add(StateTesting, TriggerTestsFailed, StateCodeFixing)

	for _, s := range activeStates {
		add(s, TriggerErrorOccurred, StateError)
		add(s, TriggerCancelRequested, StateIdle)
	}
	add(StatePaused, TriggerCancelRequested, StateIdle)

	add(StateError, TriggerRetryRequested, StatePlanning)
	add(StateError, TriggerCancelRequested, StateIdle)
	add(StateCompleted, TriggerCancelRequested, StateIdle)

	// pause_requested/resume_requested are handled specially in machine.go
	// because their target depends on the recorded previousState, not a
	// fixed table entry; they are still validated against activeStates here.
	return table
}

var transitionTable = buildTable()

// progressByState is the fixed, monotone-non-decreasing progress mapping
// used along the happy path. PAUSED and ERROR report -1 per spec.md §4.1.
var progressByState = map[State]int{
	StateIdle:               0,
	StatePlanning:           10,
	StatePlanReview:         20,
	StatePlanRevision:       15,
	StateStructureCreation:  30,
	StateCodeImplementation: 45,
	StateCodeReview:         60,
	StateCodeFixing:         55,
	StateDocumentation:      80,
	StateTesting:            90,
	StateCompleted:          100,
}

// IsTerminal reports whether a state has no outgoing happy-path transition
// except the explicit recovery edges (COMPLETED, and ERROR is "terminal"
// only in the sense that it requires an explicit retry/cancel to leave).
func (s State) IsTerminal() bool {
	return s == StateCompleted
}

// IsActive reports whether s is one of the non-terminal, non-paused,
// non-error working states.
func (s State) IsActive() bool {
	for _, a := range activeStates {
		if a == s {
			return true
		}
	}
	return false
}
