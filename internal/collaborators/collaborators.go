// Package collaborators defines the narrow interfaces the orchestration
// core consumes from its surrounding system. The core does not implement
// subprocess spawning, artifact storage, file locking, or role/provider
// catalogues; it only depends on these contracts. Concrete reference
// implementations live in the reference subpackage.
package collaborators

import "context"

// LockMode is the access mode requested for a file lock.
type LockMode string

const (
	LockModeRead  LockMode = "read"
	LockModeWrite LockMode = "write"
)

// AcquireLockRequest describes a lock acquisition.
type AcquireLockRequest struct {
	FilePath    string
	AgentID     string
	Mode        LockMode
	TimeoutMs   int
	Description string
}

// LockInfo describes a held lock.
type LockInfo struct {
	LockID      string
	FilePath    string
	AgentID     string
	Mode        LockMode
	Description string
}

// LockEventType names a FileLockService notification.
type LockEventType string

const (
	LockEventAcquired LockEventType = "lock_acquired"
	LockEventReleased LockEventType = "lock_released"
)

// LockEvent is published by FileLockService.Subscribe.
type LockEvent struct {
	Type LockEventType
	Lock LockInfo
}

// FileLockService arbitrates concurrent file access across agents. Owned
// outside the core; the Pool releases an agent's locks on terminate/error/
// restart/interrupted.
type FileLockService interface {
	AcquireLock(ctx context.Context, req AcquireLockRequest) (LockInfo, error)
	ReleaseLock(ctx context.Context, lockID string) error
	ReleaseAllLocksForAgent(ctx context.Context, agentID string) (int, error)
	GetLocksForAgent(agentID string) []LockInfo
	AgentHasLocks(agentID string) bool
	GetLockStatus(filePath string) (LockInfo, bool)
	Subscribe(handler func(LockEvent)) (unsubscribe func())
}

// RuntimeMessageType names a message sent down to a spawned process.
type RuntimeMessageType string

const (
	RuntimeMessagePing     RuntimeMessageType = "ping"
	RuntimeMessagePause    RuntimeMessageType = "pause"
	RuntimeMessageResume   RuntimeMessageType = "resume"
	RuntimeMessageShutdown RuntimeMessageType = "shutdown"
	RuntimeMessageAgent    RuntimeMessageType = "agentMessage"
)

// StreamEventType names an event the runtime reports back for a session.
type StreamEventType string

const (
	StreamEventSessionCreated StreamEventType = "session_created"
	StreamEventComplete       StreamEventType = "complete"
	StreamEventError          StreamEventType = "error"
	StreamEventInterrupted    StreamEventType = "interrupted"
)

// RuntimeEvent is delivered asynchronously by the runtime for a session.
type RuntimeEvent struct {
	Type    StreamEventType
	Payload map[string]interface{}
	Err     error
}

// SpawnSpec is the minimal description of a worker the runtime needs to
// start a process.
type SpawnSpec struct {
	Workspace string
	Task      string
	AgentID   string
	Role      string
	Mode      string
}

// ProcessRuntime owns the actual subprocess lifecycle and its IPC session.
// The Pool stores only the sessionID it returns, never the transport.
type ProcessRuntime interface {
	SpawnProcess(ctx context.Context, spec SpawnSpec, onEvent func(sessionID string, event RuntimeEvent)) (sessionID string, err error)
	SendMessage(ctx context.Context, sessionID string, msgType RuntimeMessageType, payload map[string]interface{}) error
}

// ArtifactSummary is the minimal artifact handle the orchestrator is
// allowed to hold in memory; it never carries full artifact bytes.
type ArtifactSummary struct {
	ID           string
	Type         string
	Brief        string
	Status       string
	ProducerRole string
}

// ArtifactStore owns full artifact content; the orchestrator only reads
// summaries into its context.
type ArtifactStore interface {
	CreateArtifact(ctx context.Context, artifactType, producerID, producerRole, fullContent string, relatedArtifacts []string) (string, error)
	GetArtifact(ctx context.Context, id string) (string, error)
	GetArtifactSummary(ctx context.Context, id string) (ArtifactSummary, error)
	UpdateArtifactStatus(ctx context.Context, id, status string) error
	UpdateArtifactContent(ctx context.Context, id, fullContent string) error
	GetAllSummaries(ctx context.Context) ([]ArtifactSummary, error)
}

// RoleConfiguration describes one entry in the closed role set.
type RoleConfiguration struct {
	RoleID          string
	ProviderProfile string
	Mode            string
	Custom          bool
}

// RoleRegistryEventType names a RoleRegistry notification.
type RoleRegistryEventType string

const (
	RoleConfigChanged  RoleRegistryEventType = "roleConfigChanged"
	CustomRoleAdded    RoleRegistryEventType = "customRoleAdded"
	CustomRoleDeleted  RoleRegistryEventType = "customRoleDeleted"
)

// RoleRegistryEvent is published by RoleRegistry.Subscribe.
type RoleRegistryEvent struct {
	Type RoleRegistryEventType
	Role RoleConfiguration
}

// RoleRegistry resolves a role id to its provider profile and execution
// mode, and manages user-defined roles alongside the built-in closed set.
type RoleRegistry interface {
	GetProviderProfileForRole(role string) (string, error)
	GetModeForRole(role string) (string, error)
	GetRoleConfiguration(roleID string) (RoleConfiguration, error)
	AddCustomRole(cfg RoleConfiguration) error
	DeleteCustomRole(roleID string) error
	Subscribe(handler func(RoleRegistryEvent)) (unsubscribe func())
}

// ProviderProfile is the resolved credentials/model configuration for a role.
type ProviderProfile struct {
	ID       string
	Provider string
	Model    string
}

// ProviderSettingsManager resolves provider profiles by id.
type ProviderSettingsManager interface {
	GetProfile(ctx context.Context, id string) (ProviderProfile, error)
}

// OrchestrationConfigService resolves a role's provider settings via the
// settings manager, accommodating per-role overrides.
type OrchestrationConfigService interface {
	GetProviderSettingsForRole(ctx context.Context, role string, psm ProviderSettingsManager) (ProviderProfile, error)
}

// StorageAdapter is the small async key/value contract used by WSM
// persistence and the checkpoint storage backend.
type StorageAdapter interface {
	GetItem(key string) (string, bool, error)
	SetItem(key string, value string) error
	RemoveItem(key string) error
}
