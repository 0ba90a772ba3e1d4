package main

import (
	"testing"
	"time"

	"github.com/flowforge/orchestrator-core/internal/common/config"
	"github.com/flowforge/orchestrator-core/internal/workflow"
)

func TestToOrchestratorConfig_MapsEveryField(t *testing.T) {
	cfg := &config.Config{}
	cfg.Workflow.PersistenceEnabled = true

	cfg.Pool.MaxConcurrentAgents = 5
	cfg.Pool.CheckIntervalMs = 1000
	cfg.Pool.PingTimeoutMs = 500
	cfg.Pool.FailureThreshold = 3
	cfg.Pool.RecoveryThreshold = 2
	cfg.Pool.UnresponsiveThresholdMs = 10000
	cfg.Pool.AutoRestart = true
	cfg.Pool.MaxRestartAttempts = 4
	cfg.Pool.RestartCooldownMs = 2000

	cfg.Router.MaxQueueSize = 500
	cfg.Router.QueueProcessingIntervalMs = 250
	cfg.Router.MaxRetryCount = 5
	cfg.Router.DefaultRequestTimeoutMs = 15000
	cfg.Router.MaxIPCMessageSize = 1 << 20
	cfg.Router.MessageLogSize = 200

	cfg.Recovery.Enabled = true
	cfg.Recovery.EnableFallbacks = true
	cfg.Recovery.EnableGracefulDegradation = true
	cfg.Recovery.FailureThreshold = 6
	cfg.Recovery.FailureWindowMs = 60000
	cfg.Recovery.ResetTimeoutMs = 30000
	cfg.Recovery.SuccessThreshold = 2

	cfg.Checkpoint.AutoCheckpoint = true
	cfg.Checkpoint.AutoCheckpointStates = []string{"CODE_REVIEW", "TESTING"}
	cfg.Checkpoint.MaxCheckpointsPerSession = 50

	cfg.ContextMonitor.MaxTokens = 100000
	cfg.ContextMonitor.WarningThreshold = 0.5
	cfg.ContextMonitor.HighThreshold = 0.75
	cfg.ContextMonitor.CriticalThreshold = 0.9

	oc := toOrchestratorConfig(cfg)

	if !oc.Workflow.PersistenceEnabled {
		t.Error("expected Workflow.PersistenceEnabled to carry through")
	}

	if oc.Pool.MaxConcurrentAgents != 5 {
		t.Errorf("expected MaxConcurrentAgents 5, got %d", oc.Pool.MaxConcurrentAgents)
	}
	if oc.Health.CheckInterval != 1000*time.Millisecond {
		t.Errorf("expected CheckInterval 1s, got %s", oc.Health.CheckInterval)
	}
	if oc.Health.PingTimeout != 500*time.Millisecond {
		t.Errorf("expected PingTimeout 500ms, got %s", oc.Health.PingTimeout)
	}
	if oc.Health.FailureThreshold != 3 || oc.Health.RecoveryThreshold != 2 {
		t.Errorf("unexpected health thresholds: %+v", oc.Health)
	}
	if oc.Health.UnresponsiveThreshold != 10*time.Second {
		t.Errorf("expected UnresponsiveThreshold 10s, got %s", oc.Health.UnresponsiveThreshold)
	}
	if !oc.Health.AutoRestart || oc.Health.MaxRestartAttempts != 4 {
		t.Errorf("unexpected restart config: %+v", oc.Health)
	}
	if oc.Health.RestartCooldown != 2*time.Second {
		t.Errorf("expected RestartCooldown 2s, got %s", oc.Health.RestartCooldown)
	}

	if oc.Router.MaxQueueSize != 500 {
		t.Errorf("expected MaxQueueSize 500, got %d", oc.Router.MaxQueueSize)
	}
	if oc.Router.QueueProcessingInterval != 250*time.Millisecond {
		t.Errorf("expected QueueProcessingInterval 250ms, got %s", oc.Router.QueueProcessingInterval)
	}
	if oc.Router.DefaultRequestTimeout != 15*time.Second {
		t.Errorf("expected DefaultRequestTimeout 15s, got %s", oc.Router.DefaultRequestTimeout)
	}
	if oc.Router.MaxIPCMessageSize != 1<<20 {
		t.Errorf("expected MaxIPCMessageSize 1MiB, got %d", oc.Router.MaxIPCMessageSize)
	}

	if !oc.Recovery.Enabled || !oc.Recovery.EnableFallbacks || !oc.Recovery.EnableGracefulDegradation {
		t.Errorf("unexpected recovery flags: %+v", oc.Recovery)
	}
	if oc.Recovery.FailureWindow != time.Minute {
		t.Errorf("expected FailureWindow 1m, got %s", oc.Recovery.FailureWindow)
	}
	if oc.Recovery.ResetTimeout != 30*time.Second {
		t.Errorf("expected ResetTimeout 30s, got %s", oc.Recovery.ResetTimeout)
	}

	if oc.Checkpoint.MaxCheckpointsPerSession != 50 {
		t.Errorf("expected MaxCheckpointsPerSession 50, got %d", oc.Checkpoint.MaxCheckpointsPerSession)
	}
	if !oc.Bridge.AutoCheckpoint {
		t.Error("expected Bridge.AutoCheckpoint to carry through")
	}
	wantStates := []workflow.State{workflow.State("CODE_REVIEW"), workflow.State("TESTING")}
	if len(oc.Bridge.AutoCheckpointStates) != len(wantStates) {
		t.Fatalf("expected %d auto-checkpoint states, got %d", len(wantStates), len(oc.Bridge.AutoCheckpointStates))
	}
	for i, s := range wantStates {
		if oc.Bridge.AutoCheckpointStates[i] != s {
			t.Errorf("expected state %s at index %d, got %s", s, i, oc.Bridge.AutoCheckpointStates[i])
		}
	}

	if oc.ContextWindow.MaxTokens != 100000 {
		t.Errorf("expected MaxTokens 100000, got %d", oc.ContextWindow.MaxTokens)
	}
	if oc.ContextWindow.Thresholds.Warning != 0.5 || oc.ContextWindow.Thresholds.High != 0.75 || oc.ContextWindow.Thresholds.Critical != 0.9 {
		t.Errorf("unexpected thresholds: %+v", oc.ContextWindow.Thresholds)
	}
}

func TestToOrchestratorConfig_EmptyCheckpointStates(t *testing.T) {
	cfg := &config.Config{}
	oc := toOrchestratorConfig(cfg)
	if len(oc.Bridge.AutoCheckpointStates) != 0 {
		t.Errorf("expected no auto-checkpoint states for an empty config, got %v", oc.Bridge.AutoCheckpointStates)
	}
}
