// Package contextwindow bounds the orchestrator's in-memory summary set by
// token budget, triggering compress/archive passes before the budget
// overflows.
package contextwindow

import "time"

// ItemType is an open string so callers can tag domain-specific summaries;
// two values are distinguished by the package itself.
type ItemType string

const (
	// ItemTypeUserTask and ItemTypeWorkflowState are the protected types:
	// always highest priority, never compressible, never archivable.
	ItemTypeUserTask     ItemType = "user_task"
	ItemTypeWorkflowState ItemType = "workflow_state"
)

// protectedPriority is assigned to protected items regardless of what the
// caller requests.
const protectedPriority = 100

// Item is a token-accounted entry held by the Monitor.
type Item struct {
	ID             string
	Type           ItemType
	TokenCount     int
	Priority       int
	Compressible   bool
	Archivable     bool
	LastAccessedAt time.Time
	ReferenceID    string
}

func isProtectedType(t ItemType) bool {
	return t == ItemTypeUserTask || t == ItemTypeWorkflowState
}

// normalize enforces the protected-type invariant on an item before it
// enters the monitor's set.
func normalize(item Item) Item {
	if isProtectedType(item.Type) {
		item.Compressible = false
		item.Archivable = false
		item.Priority = protectedPriority
	}
	return item
}
