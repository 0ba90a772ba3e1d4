package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flowforge/orchestrator-core/internal/common/logger"
	"github.com/flowforge/orchestrator-core/internal/orchestrator/streaming"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSHandler upgrades HTTP connections into hub-registered streaming clients.
type WSHandler struct {
	hub    *streaming.Hub
	logger *logger.Logger
}

// NewWSHandler creates a WSHandler bound to hub.
func NewWSHandler(hub *streaming.Hub, log *logger.Logger) *WSHandler {
	return &WSHandler{hub: hub, logger: log.WithFields(zap.String("component", "ws_handler"))}
}

// StreamSession streams one session's events.
// WS /sessions/:sessionId/stream
func (h *WSHandler) StreamSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.String("sessionId", sessionID), zap.Error(err))
		return
	}

	client := streaming.NewClient(uuid.NewString(), conn, h.hub, h.logger)
	h.hub.Register(client)
	client.Subscribe(sessionID)

	go client.WritePump()
	go client.ReadPump()
}

// StreamAll streams every session's events, with dynamic subscription
// messages accepted over the same connection.
// WS /stream
func (h *WSHandler) StreamAll(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	client := streaming.NewClient(uuid.NewString(), conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}
