package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/flowforge/orchestrator-core/internal/common/logger"
	"github.com/flowforge/orchestrator-core/internal/orchestrator"
)

func registerTools(s *server.MCPServer, orch *orchestrator.Orchestrator, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("start_task",
			mcp.WithDescription("Start a new orchestrated task and return its session ID."),
			mcp.WithString("user_task",
				mcp.Required(),
				mcp.Description("The task description to hand to the workflow state machine"),
			),
		),
		startTaskHandler(orch, log),
	)

	s.AddTool(
		mcp.NewTool("get_workflow_status",
			mcp.WithDescription("Get the current workflow state, progress, active agents, and context token usage for a session."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID returned by start_task"),
			),
		),
		getWorkflowStatusHandler(orch, log),
	)

	s.AddTool(
		mcp.NewTool("cancel_task",
			mcp.WithDescription("Cancel a session's task and terminate its agents."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to cancel"),
			),
		),
		cancelTaskHandler(orch, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 3))
}

func startTaskHandler(orch *orchestrator.Orchestrator, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userTask, err := req.RequireString("user_task")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		sessionID, err := orch.StartTask(userTask)
		if err != nil {
			log.Error("start_task failed", zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}

		body, _ := json.Marshal(map[string]string{"sessionId": sessionID})
		return mcp.NewToolResultText(string(body)), nil
	}
}

func getWorkflowStatusHandler(orch *orchestrator.Orchestrator, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		status, err := orch.GetStatus(sessionID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		body, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}

func cancelTaskHandler(orch *orchestrator.Orchestrator, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if err := orch.CancelTask(ctx, sessionID); err != nil {
			log.Error("cancel_task failed", zap.String("sessionId", sessionID), zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}

		return mcp.NewToolResultText("cancelled"), nil
	}
}
