// Package pool implements the Agent Pool Manager: it supervises at most
// maxConcurrentAgents live workers, tracks their status, and integrates
// with the file-lock service and health monitor.
package pool

import "time"

// Status is the lifecycle status of a supervised agent.
type Status string

const (
	StatusSpawning Status = "spawning"
	StatusReady    Status = "ready"
	StatusBusy     Status = "busy"
	StatusPaused   Status = "paused"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// HealthStatus is the health monitor's assessment of an agent.
type HealthStatus string

const (
	HealthUnknown    HealthStatus = "unknown"
	HealthHealthy    HealthStatus = "healthy"
	HealthUnhealthy  HealthStatus = "unhealthy"
	HealthRecovering HealthStatus = "recovering"
)

// Instance is a live supervised worker.
type Instance struct {
	AgentID         string
	Role            string
	Mode            string
	ProviderProfile string
	Status          Status
	SessionID       string
	SpawnedAt       time.Time
	LastActivityAt  time.Time
	HealthStatus    HealthStatus
	RestartAttempts int
	LastError       string
}

// clone returns a value copy safe to hand to a caller.
func (a Instance) clone() Instance {
	return a
}

// SpawnConfig is the immutable record used to re-spawn an agent on restart.
type SpawnConfig struct {
	AgentID         string
	Role            string
	Mode            string
	ProviderProfile string
	Workspace       string
	Task            string
	SessionID       string
	CustomModes     []string
	AutoApprove     bool
}

// isActive reports whether a status counts toward admission control.
func (s Status) isActive() bool {
	return s == StatusReady || s == StatusBusy
}
