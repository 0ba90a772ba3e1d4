package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowforge/orchestrator-core/internal/common/httpmw"
	"github.com/flowforge/orchestrator-core/internal/common/logger"
	"github.com/flowforge/orchestrator-core/internal/orchestrator"
	"github.com/flowforge/orchestrator-core/internal/orchestrator/streaming"
)

// NewRouter builds the control-plane's Gin engine: request logging and
// tracing middleware, session lifecycle routes, WebSocket streaming, and a
// Prometheus metrics endpoint.
func NewRouter(orch *orchestrator.Orchestrator, metrics *orchestrator.Metrics, hub *streaming.Hub, log *logger.Logger) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, "orchestrator-api"))
	engine.Use(httpmw.OtelTracing("orchestrator-api"))

	handler := NewHandler(orch, log)
	wsHandler := NewWSHandler(hub, log)

	sessions := engine.Group("/sessions")
	{
		sessions.POST("", handler.StartTask)
		sessions.GET("", handler.ListSessions)
		sessions.GET("/:sessionId", handler.GetStatus)
		sessions.GET("/:sessionId/stream", wsHandler.StreamSession)
		sessions.POST("/:sessionId/cancel", handler.CancelTask)
		sessions.POST("/:sessionId/pause", handler.PauseTask)
		sessions.POST("/:sessionId/resume", handler.ResumeTask)
		sessions.POST("/:sessionId/agents", handler.SpawnAgent)
		sessions.POST("/:sessionId/artifacts", handler.CreateArtifact)
		sessions.DELETE("/:sessionId", handler.EndSession)
	}

	engine.POST("/messages", handler.RouteMessage)
	engine.GET("/stream", wsHandler.StreamAll)

	if metrics != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))
	}

	return engine
}
