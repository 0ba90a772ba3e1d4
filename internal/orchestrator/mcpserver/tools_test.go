package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/flowforge/orchestrator-core/internal/collaborators/reference"
	"github.com/flowforge/orchestrator-core/internal/common/logger"
	"github.com/flowforge/orchestrator-core/internal/common/storage"
	"github.com/flowforge/orchestrator-core/internal/orchestrator"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to build test logger: %v", err)
	}
	return log
}

func newTestOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	log := newTestLogger(t)
	return orchestrator.New(orchestrator.Config{}, orchestrator.Dependencies{
		Runtime:   reference.NewInProcessRuntime(log),
		Locks:     reference.NewMemoryFileLockService(),
		Roles:     reference.NewStaticRoleRegistry(),
		Settings:  reference.NewStaticProviderSettings(),
		PSM:       reference.NewStaticProviderSettings(),
		Storage:   storage.NewMemory(),
		Artifacts: reference.NewMemoryArtifactStore(),
		Logger:    log,
	})
}

func callToolRequest(args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("expected tool result to carry content")
	}
	textContent, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return textContent.Text
}

func TestStartTaskHandler(t *testing.T) {
	orch := newTestOrchestrator(t)
	handler := startTaskHandler(orch, newTestLogger(t))

	res, err := handler(context.Background(), callToolRequest(map[string]interface{}{"user_task": "build a widget"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsError {
		t.Fatalf("expected success, got error result: %s", resultText(t, res))
	}

	var body map[string]string
	if err := json.Unmarshal([]byte(resultText(t, res)), &body); err != nil {
		t.Fatalf("failed to parse result body: %v", err)
	}
	if body["sessionId"] == "" {
		t.Fatal("expected a non-empty sessionId")
	}
}

func TestStartTaskHandler_MissingArgument(t *testing.T) {
	orch := newTestOrchestrator(t)
	handler := startTaskHandler(orch, newTestLogger(t))

	res, err := handler(context.Background(), callToolRequest(map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected an error result for a missing user_task argument")
	}
}

func TestGetWorkflowStatusHandler(t *testing.T) {
	orch := newTestOrchestrator(t)
	sessionID, err := orch.StartTask("ship a feature")
	if err != nil {
		t.Fatalf("failed to start task: %v", err)
	}

	handler := getWorkflowStatusHandler(orch, newTestLogger(t))
	res, err := handler(context.Background(), callToolRequest(map[string]interface{}{"session_id": sessionID}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsError {
		t.Fatalf("expected success, got error result: %s", resultText(t, res))
	}

	var status orchestrator.Status
	if err := json.Unmarshal([]byte(resultText(t, res)), &status); err != nil {
		t.Fatalf("failed to parse status body: %v", err)
	}
	if status.SessionID != sessionID {
		t.Errorf("expected sessionId %q, got %q", sessionID, status.SessionID)
	}
}

func TestGetWorkflowStatusHandler_UnknownSession(t *testing.T) {
	orch := newTestOrchestrator(t)
	handler := getWorkflowStatusHandler(orch, newTestLogger(t))

	res, err := handler(context.Background(), callToolRequest(map[string]interface{}{"session_id": "does-not-exist"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected an error result for an unknown session")
	}
}

func TestCancelTaskHandler(t *testing.T) {
	orch := newTestOrchestrator(t)
	sessionID, err := orch.StartTask("clean up")
	if err != nil {
		t.Fatalf("failed to start task: %v", err)
	}

	handler := cancelTaskHandler(orch, newTestLogger(t))
	res, err := handler(context.Background(), callToolRequest(map[string]interface{}{"session_id": sessionID}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsError {
		t.Fatalf("expected success, got error result: %s", resultText(t, res))
	}

	status, err := orch.GetStatus(sessionID)
	if err != nil {
		t.Fatalf("failed to fetch status: %v", err)
	}
	if status.State == "" {
		t.Fatal("expected a non-empty workflow state after cancellation")
	}
}
