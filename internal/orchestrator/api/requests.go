// Package api provides the orchestrator's HTTP control plane: task
// lifecycle endpoints plus WebSocket event streaming.
package api

import "github.com/flowforge/orchestrator-core/internal/orchestrator"

// StartTaskRequest starts a new session.
type StartTaskRequest struct {
	UserTask string `json:"userTask" binding:"required"`
}

// StartTaskResponse carries the new session's ID.
type StartTaskResponse struct {
	SessionID string `json:"sessionId"`
}

// StatusResponse is the wire form of a session snapshot.
type StatusResponse = orchestrator.Status

// ListSessionsResponse wraps every active session's status.
type ListSessionsResponse struct {
	Sessions []orchestrator.Status `json:"sessions"`
}

// SpawnAgentRequest admits a new agent into a session.
type SpawnAgentRequest struct {
	Role            string `json:"role" binding:"required"`
	Mode            string `json:"mode"`
	ProviderProfile string `json:"providerProfile"`
	Workspace       string `json:"workspace"`
	Task            string `json:"task"`
}

// SpawnAgentResponse carries the new agent's ID.
type SpawnAgentResponse struct {
	AgentID string `json:"agentId"`
}

// RouteMessageRequest is the control-plane's pass-through for
// orchestrator.RouteMessage.
type RouteMessageRequest struct {
	Type          string                 `json:"type" binding:"required"`
	From          string                 `json:"from" binding:"required"`
	To            string                 `json:"to" binding:"required"`
	Payload       map[string]interface{} `json:"payload" binding:"required"`
	CorrelationID string                 `json:"correlationId"`
}

// CreateArtifactRequest stores an agent-produced artifact and advances the
// session's workflow on its creation.
type CreateArtifactRequest struct {
	ArtifactType     string   `json:"artifactType" binding:"required"`
	ProducerID       string   `json:"producerId" binding:"required"`
	ProducerRole     string   `json:"producerRole" binding:"required"`
	FullContent      string   `json:"fullContent"`
	RelatedArtifacts []string `json:"relatedArtifacts"`
}

// CreateArtifactResponse carries the new artifact's ID.
type CreateArtifactResponse struct {
	ArtifactID string `json:"artifactId"`
}
