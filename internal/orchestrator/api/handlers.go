package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/orchestrator-core/internal/common/apperrors"
	"github.com/flowforge/orchestrator-core/internal/common/logger"
	"github.com/flowforge/orchestrator-core/internal/orchestrator"
	"github.com/flowforge/orchestrator-core/internal/pool"
	"github.com/flowforge/orchestrator-core/internal/router"
)

// Handler holds the HTTP handlers for the orchestrator control plane.
type Handler struct {
	orch   *orchestrator.Orchestrator
	logger *logger.Logger
}

// NewHandler creates a Handler bound to orch.
func NewHandler(orch *orchestrator.Orchestrator, log *logger.Logger) *Handler {
	return &Handler{orch: orch, logger: log.WithFields(zap.String("component", "orchestrator-api"))}
}

func respondErr(c *gin.Context, err error) {
	c.JSON(apperrors.GetHTTPStatus(err), gin.H{"error": err.Error()})
}

// StartTask starts a new session.
// POST /sessions
func (h *Handler) StartTask(c *gin.Context) {
	var req StartTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.ValidationError("userTask", err.Error()))
		return
	}

	sessionID, err := h.orch.StartTask(req.UserTask)
	if err != nil {
		h.logger.Error("failed to start task", zap.Error(err))
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, StartTaskResponse{SessionID: sessionID})
}

// ListSessions returns every active session's status.
// GET /sessions
func (h *Handler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, ListSessionsResponse{Sessions: h.orch.ListSessions()})
}

// GetStatus returns one session's status.
// GET /sessions/:sessionId
func (h *Handler) GetStatus(c *gin.Context) {
	status, err := h.orch.GetStatus(c.Param("sessionId"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// CancelTask cancels a session's task and tears down its agents.
// POST /sessions/:sessionId/cancel
func (h *Handler) CancelTask(c *gin.Context) {
	if err := h.orch.CancelTask(c.Request.Context(), c.Param("sessionId")); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// PauseTask pauses a session's workflow and agents.
// POST /sessions/:sessionId/pause
func (h *Handler) PauseTask(c *gin.Context) {
	if err := h.orch.PauseTask(c.Request.Context(), c.Param("sessionId")); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

// ResumeTask resumes a paused session.
// POST /sessions/:sessionId/resume
func (h *Handler) ResumeTask(c *gin.Context) {
	if err := h.orch.ResumeTask(c.Request.Context(), c.Param("sessionId")); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

// SpawnAgent admits a new agent into a session.
// POST /sessions/:sessionId/agents
func (h *Handler) SpawnAgent(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req SpawnAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.ValidationError("role", err.Error()))
		return
	}

	agentID, err := h.orch.SpawnAgent(c.Request.Context(), sessionID, pool.SpawnConfig{
		AgentID:         uuid.NewString(),
		Role:            req.Role,
		Mode:            req.Mode,
		ProviderProfile: req.ProviderProfile,
		Workspace:       req.Workspace,
		Task:            req.Task,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, SpawnAgentResponse{AgentID: agentID})
}

// RouteMessage routes a message between two agents via the shared router.
// POST /messages
func (h *Handler) RouteMessage(c *gin.Context) {
	var req RouteMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.ValidationError("message", err.Error()))
		return
	}

	msg := router.AgentMessage{
		ID:            uuid.NewString(),
		Type:          router.MessageType(req.Type),
		From:          req.From,
		To:            req.To,
		Timestamp:     time.Now().UnixMilli(),
		Payload:       req.Payload,
		CorrelationID: req.CorrelationID,
	}
	if err := h.orch.RouteMessage(c.Request.Context(), msg); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "routed"})
}

// CreateArtifact stores an agent-produced artifact and advances the
// session's workflow accordingly.
// POST /sessions/:sessionId/artifacts
func (h *Handler) CreateArtifact(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var req CreateArtifactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperrors.ValidationError("artifactType", err.Error()))
		return
	}

	artifactID, err := h.orch.CreateArtifact(c.Request.Context(), sessionID, req.ArtifactType, req.ProducerID, req.ProducerRole, req.FullContent, req.RelatedArtifacts)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, CreateArtifactResponse{ArtifactID: artifactID})
}

// EndSession disposes a session and terminates any remaining agents.
// DELETE /sessions/:sessionId
func (h *Handler) EndSession(c *gin.Context) {
	if err := h.orch.EndSession(c.Request.Context(), c.Param("sessionId")); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}
