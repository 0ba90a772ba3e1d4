// Package reference provides concrete, swappable implementations of the
// orchestration core's collaborator interfaces: a Docker-backed process
// runtime, and in-memory file-lock, artifact-store, and role-registry
// services suitable for a single-node deployment or tests.
package reference

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/flowforge/orchestrator-core/internal/collaborators"
	"github.com/flowforge/orchestrator-core/internal/common/logger"
	"go.uber.org/zap"
)

// DockerRuntimeConfig configures the container shape spawned per agent.
type DockerRuntimeConfig struct {
	Host        string
	APIVersion  string
	Image       string
	NetworkMode string
	MemoryBytes int64
	CPUQuota    int64
}

// DockerRuntime spawns each agent as a Docker container and reports its
// lifecycle as RuntimeEvents, satisfying collaborators.ProcessRuntime. The
// container's log output is not read.
type DockerRuntime struct {
	cli    *client.Client
	cfg    DockerRuntimeConfig
	logger *logger.Logger

	mu         sync.Mutex
	containers map[string]string // sessionID -> containerID
}

// NewDockerRuntime creates a runtime bound to the local (or cfg.Host)
// Docker daemon.
func NewDockerRuntime(cfg DockerRuntimeConfig, log *logger.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerRuntime{
		cli:        cli,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "docker_runtime")),
		containers: map[string]string{},
	}, nil
}

// SpawnProcess creates and starts a container for the agent, reports
// session_created, then waits on a background goroutine for the container
// to stop: exit code 0 reports complete, a non-zero exit or a wait error
// reports error, and ctx cancellation reports interrupted.
func (r *DockerRuntime) SpawnProcess(ctx context.Context, spec collaborators.SpawnSpec, onEvent func(string, collaborators.RuntimeEvent)) (string, error) {
	sessionID := uuid.New().String()

	containerCfg := &container.Config{
		Image:      r.cfg.Image,
		Cmd:        []string{spec.Task},
		WorkingDir: spec.Workspace,
		Labels: map[string]string{
			"orchestrator.agent_id": spec.AgentID,
			"orchestrator.role":     spec.Role,
			"orchestrator.session":  sessionID,
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(r.cfg.NetworkMode),
		Resources: container.Resources{
			Memory:   r.cfg.MemoryBytes,
			CPUQuota: r.cfg.CPUQuota,
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "agent-"+spec.AgentID)
	if err != nil {
		return "", fmt.Errorf("create container for agent %s: %w", spec.AgentID, err)
	}
	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container for agent %s: %w", spec.AgentID, err)
	}

	r.mu.Lock()
	r.containers[sessionID] = resp.ID
	r.mu.Unlock()

	r.logger.Info("agent container started",
		zap.String("agent_id", spec.AgentID),
		zap.String("container_id", resp.ID),
		zap.String("session_id", sessionID))

	onEvent(sessionID, collaborators.RuntimeEvent{Type: collaborators.StreamEventSessionCreated})

	go r.watch(ctx, sessionID, resp.ID, onEvent)

	return sessionID, nil
}

func (r *DockerRuntime) watch(ctx context.Context, sessionID, containerID string, onEvent func(string, collaborators.RuntimeEvent)) {
	statusCh, errCh := r.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			r.logger.Warn("container wait error", zap.String("container_id", containerID), zap.Error(err))
			onEvent(sessionID, collaborators.RuntimeEvent{Type: collaborators.StreamEventError, Err: err})
		}
	case status := <-statusCh:
		if status.StatusCode == 0 {
			onEvent(sessionID, collaborators.RuntimeEvent{Type: collaborators.StreamEventComplete, Payload: map[string]interface{}{"exit_code": status.StatusCode}})
		} else {
			onEvent(sessionID, collaborators.RuntimeEvent{Type: collaborators.StreamEventError, Payload: map[string]interface{}{"exit_code": status.StatusCode}})
		}
	case <-ctx.Done():
		onEvent(sessionID, collaborators.RuntimeEvent{Type: collaborators.StreamEventInterrupted})
	}
}

// SendMessage maps control messages onto container lifecycle calls:
// shutdown stops the container (10s timeout), ping inspects it, and pause
// and resume pause and unpause it. Other message types are accepted and
// ignored. An unknown session returns an error.
func (r *DockerRuntime) SendMessage(ctx context.Context, sessionID string, msgType collaborators.RuntimeMessageType, payload map[string]interface{}) error {
	r.mu.Lock()
	containerID, ok := r.containers[sessionID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown session %q", sessionID)
	}

	switch msgType {
	case collaborators.RuntimeMessageShutdown:
		timeout := 10 * time.Second
		timeoutSeconds := int(timeout.Seconds())
		return r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSeconds})
	case collaborators.RuntimeMessagePing:
		_, err := r.cli.ContainerInspect(ctx, containerID)
		return err
	case collaborators.RuntimeMessagePause:
		return r.cli.ContainerPause(ctx, containerID)
	case collaborators.RuntimeMessageResume:
		return r.cli.ContainerUnpause(ctx, containerID)
	default:
		return nil
	}
}
