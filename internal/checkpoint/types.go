// Package checkpoint implements the Checkpoint service and its bridge to
// the Workflow State Machine: immutable point-in-time snapshots of a
// session's workflow state, context, and artifact/agent references,
// restorable later and optionally auto-created on configured state
// transitions.
package checkpoint

import "time"

// Status is the lifecycle status of a WorkflowCheckpoint.
type Status string

const (
	StatusActive   Status = "active"
	StatusRestored Status = "restored"
	StatusExpired  Status = "expired"
	StatusDeleted  Status = "deleted"
)

// WorkflowStateSnapshot is the WSM-facing portion of a checkpoint.
type WorkflowStateSnapshot struct {
	State         string
	PreviousState string
	History       []HistoryEntrySnapshot
}

// HistoryEntrySnapshot mirrors workflow.HistoryEntry without importing the
// workflow package's concrete type, keeping checkpoint storage-format
// independent of the WSM's in-memory representation.
type HistoryEntrySnapshot struct {
	State     string
	Timestamp time.Time
	Trigger   string
	Metadata  map[string]interface{}
}

// WorkflowContextSnapshot is the WSM context captured at checkpoint time.
type WorkflowContextSnapshot struct {
	UserTask     string
	CurrentStep  int
	TotalSteps   int
	ArtifactIDs  []string
	AgentIDs     []string
	ErrorMessage string
	RetryCount   int
	Metadata     map[string]interface{}
}

// WorkflowCheckpoint is an immutable, write-once snapshot; only Status
// changes after creation.
type WorkflowCheckpoint struct {
	ID                string
	SessionID         string
	Name              string
	WorkflowState     WorkflowStateSnapshot
	ContextSnapshot   WorkflowContextSnapshot
	ArtifactRefs      []string
	AgentRefs         []string
	CreatedAt         time.Time
	ExpiresAt         *time.Time
	Tags              []string
	Metadata          map[string]interface{}
	Status            Status
}

// CreateOptions names the optional metadata attached at creation time.
type CreateOptions struct {
	Name      string
	Tags      []string
	ExpiresAt *time.Time
	Metadata  map[string]interface{}
}

// ListOptions filters and paginates List.
type ListOptions struct {
	SessionID string
	Status    Status
	Tags      []string
	State     string
	Offset    int
	Limit     int
	// SortAscending orders by createdAt ascending when true; the default
	// (false) lists the newest checkpoint first.
	SortAscending bool
}

// RestoreOptions selects which parts of a checkpoint are applied.
type RestoreOptions struct {
	RestoreArtifacts bool
	RestoreAgents    bool
	RestoreContext   bool
	RestoreHistory   bool
}

// DefaultRestoreOptions restores everything a checkpoint carries.
func DefaultRestoreOptions() RestoreOptions {
	return RestoreOptions{RestoreArtifacts: true, RestoreAgents: true, RestoreContext: true, RestoreHistory: true}
}

// CleanupOptions bounds a housekeeping pass.
type CleanupOptions struct {
	OlderThan     time.Duration
	Statuses      []Status
	MaxPerSession int
	DryRun        bool
}

// CleanupResult reports what cleanup did (or would do, under DryRun).
type CleanupResult struct {
	Examined int
	Removed  int
	RemovedIDs []string
}

// Stats summarises the checkpoint store's contents.
type Stats struct {
	Total       int
	ByStatus    map[Status]int
	BySession   map[string]int
	OldestAt    *time.Time
	NewestAt    *time.Time
}
