package workflow

import "time"

// Context is the mutable state of one orchestrated task, owned exclusively
// by the Machine that advances it (spec.md §3).
type Context struct {
	UserTask     string
	CurrentStep  int
	TotalSteps   int
	ArtifactIDs  []string
	AgentIDs     []string
	ErrorMessage string
	RetryCount   int
	Metadata     map[string]interface{}
}

// Clone returns a deep-enough copy safe for a caller to read without racing
// the machine's internal mutations. getContext() returns this copy.
func (c Context) Clone() Context {
	clone := c
	clone.ArtifactIDs = append([]string(nil), c.ArtifactIDs...)
	clone.AgentIDs = append([]string(nil), c.AgentIDs...)
	clone.Metadata = make(map[string]interface{}, len(c.Metadata))
	for k, v := range c.Metadata {
		clone.Metadata[k] = v
	}
	return clone
}

func newContext(userTask string) Context {
	return Context{
		UserTask:   userTask,
		TotalSteps: len(progressOrder),
		Metadata:   map[string]interface{}{},
	}
}

// progressOrder is the happy-path sequence used to compute CurrentStep.
var progressOrder = []State{
	StatePlanning, StatePlanReview, StateStructureCreation, StateCodeImplementation,
	StateCodeReview, StateDocumentation, StateTesting, StateCompleted,
}

func stepForState(s State) int {
	for i, st := range progressOrder {
		if st == s {
			return i + 1
		}
	}
	return 0
}

// HistoryEntry is one append-only audit record of a transition.
type HistoryEntry struct {
	State     State
	Timestamp time.Time
	Trigger   Trigger
	Metadata  map[string]interface{}
}

// maxHistory bounds StateHistoryEntry retention per spec.md §3.
const maxHistory = 100

// appendHistory appends an entry, evicting the oldest on overflow (FIFO).
func appendHistory(history []HistoryEntry, entry HistoryEntry) []HistoryEntry {
	history = append(history, entry)
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	return history
}
