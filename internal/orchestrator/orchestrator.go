package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/orchestrator-core/internal/checkpoint"
	"github.com/flowforge/orchestrator-core/internal/collaborators"
	"github.com/flowforge/orchestrator-core/internal/common/apperrors"
	"github.com/flowforge/orchestrator-core/internal/common/logger"
	"github.com/flowforge/orchestrator-core/internal/contextwindow"
	"github.com/flowforge/orchestrator-core/internal/pool"
	"github.com/flowforge/orchestrator-core/internal/recovery"
	"github.com/flowforge/orchestrator-core/internal/router"
	"github.com/flowforge/orchestrator-core/internal/workflow"
)

// Config bundles every subsystem's tunables, mirroring config.Config's
// orchestration-core sections.
type Config struct {
	Workflow struct {
		PersistenceEnabled bool
	}
	Pool       pool.Config
	Health     pool.HealthConfig
	Router     router.Config
	Recovery   recovery.Config
	Checkpoint checkpoint.Config
	Bridge     checkpoint.BridgeConfig
	ContextWindow struct {
		MaxTokens  int
		Thresholds contextwindow.Thresholds
	}
	DefaultTaskTimeout time.Duration
}

// Dependencies bundles the collaborators the Orchestrator wires into its
// subsystems. All are required except Transport, which defaults to a
// runtime-backed transport when Runtime is set, and Events, which defaults
// to no-op fan-out.
type Dependencies struct {
	Runtime   collaborators.ProcessRuntime
	Locks     collaborators.FileLockService
	Roles     collaborators.RoleRegistry
	Settings  collaborators.OrchestrationConfigService
	PSM       collaborators.ProviderSettingsManager
	Storage   collaborators.StorageAdapter
	Artifacts collaborators.ArtifactStore
	Transport router.Transport
	Events    EventSink
	Logger    *logger.Logger
}

// EventSink receives one fan-out event per session lifecycle occurrence:
// workflow transitions, context window thresholds, and recovery outcomes.
// Satisfied by the control-plane API's streaming hub. Left nil, nothing is
// published: workflow transitions and context window thresholds are still
// logged, recovery outcomes are not.
type EventSink interface {
	Publish(sessionID, eventType string, payload interface{})
}

// Orchestrator is the single instance holding all mutable deployment state:
// one shared Pool, Router, and checkpoint Service, plus one Session (workflow
// machine + checkpoint bridge + context window + Recovery Manager) per
// in-flight user task.
type Orchestrator struct {
	mu       sync.Mutex
	sessions map[string]*Session

	cfg  Config
	deps Dependencies

	pool       *pool.Pool
	router     *router.Router
	checkpoint *checkpoint.Service

	logger *logger.Logger

	disposed bool
}

// New wires every subsystem together and returns a ready Orchestrator. The
// Pool, Router, and Checkpoint storage are process-wide singletons (the
// admission-control and queue invariants in spec.md §5 are process-wide
// too); each session gets its own Recovery Manager scoped to its own agents
// and checkpoint bridge, since reassignment/rollback must never cross
// sessions.
func New(cfg Config, deps Dependencies) *Orchestrator {
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "orchestrator"))

	o := &Orchestrator{
		sessions: map[string]*Session{},
		cfg:      cfg,
		deps:     deps,
		logger:   log,
	}

	o.pool = pool.New(cfg.Pool, pool.Dependencies{
		Runtime:  deps.Runtime,
		Locks:    deps.Locks,
		Roles:    deps.Roles,
		Settings: deps.Settings,
		PSM:      deps.PSM,
	}, cfg.Health)

	transport := deps.Transport
	if transport == nil {
		transport = router.NewRuntimeTransport(deps.Runtime, o.pool)
	}
	o.router = router.New(cfg.Router, o.pool, transport)

	o.checkpoint = checkpoint.New(cfg.Checkpoint, deps.Storage)

	o.pool.OnEvent(o.onPoolEvent)

	return o
}

// onPoolEvent keeps each session's agent membership in sync with agents the
// Pool spawns or removes on its own initiative (health-monitor auto-restart,
// recovery-manager reassign/restart), which bypass SpawnAgent/EndSession.
func (o *Orchestrator) onPoolEvent(ev pool.Event) {
	s, ok := o.session(ev.Instance.SessionID)
	if !ok {
		return
	}
	switch ev.Name {
	case pool.EventAgentSpawned:
		s.registerAgent(ev.Instance.AgentID)
	case pool.EventAgentTerminated:
		s.unregisterAgent(ev.Instance.AgentID)
	}
}

func (o *Orchestrator) session(id string) (*Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[id]
	return s, ok
}

func (o *Orchestrator) publish(sessionID, eventType string, payload interface{}) {
	if o.deps.Events == nil {
		return
	}
	o.deps.Events.Publish(sessionID, eventType, payload)
}

// StartTask creates a new session, wires its workflow machine, context
// window, and checkpoint bridge, and drives it from IDLE to PLANNING.
func (o *Orchestrator) StartTask(userTask string) (string, error) {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return "", apperrors.Disposed("orchestrator")
	}
	sessionID := uuid.NewString()
	o.mu.Unlock()

	var machineOpts []workflow.Option
	if o.cfg.Workflow.PersistenceEnabled && o.deps.Storage != nil {
		machineOpts = append(machineOpts, workflow.WithStorage(o.deps.Storage, fmt.Sprintf("workflow:%s", sessionID)))
	}
	machine := workflow.New(machineOpts...)

	bridge := checkpoint.NewBridge(o.cfg.Bridge, o.checkpoint, machine)
	bridge.Wire(sessionID)

	window := contextwindow.New(o.cfg.ContextWindow.MaxTokens, o.cfg.ContextWindow.Thresholds)

	s := newSession(sessionID, machine, bridge, window)
	s.recovery = recovery.New(o.cfg.Recovery, recovery.Dependencies{
		Directory:           sessionDirectory{p: o.pool, session: s},
		Restarter:           o.pool,
		Pauser:              o.pool,
		Terminator:          o.pool,
		Router:              o.router,
		Checkpoint:          checkpointRollback{s: s},
		MaxConcurrentAgents: o.cfg.Pool.MaxConcurrentAgents,
	})
	s.unwireMachine = machine.OnStateChange(func(ev workflow.StateChangeEvent) {
		o.logger.Info("workflow state changed",
			zap.String("sessionId", sessionID),
			zap.String("from", string(ev.PreviousState)),
			zap.String("to", string(ev.NewState)),
			zap.String("trigger", string(ev.Trigger)))
		o.publish(sessionID, "stateChange", ev)
	})
	s.unwireWindow = window.OnEvent(func(ev contextwindow.Event) {
		o.logger.Warn("context window threshold",
			zap.String("sessionId", sessionID),
			zap.String("level", string(ev.Level)))
		o.publish(sessionID, "contextWindow", ev)
	})
	s.unwireRecovery = s.recovery.OnEvent(func(res recovery.RecoveryResult) {
		o.publish(sessionID, "recovery", res)
	})

	o.mu.Lock()
	o.sessions[sessionID] = s
	o.mu.Unlock()

	if err := machine.StartTask(userTask); err != nil {
		o.mu.Lock()
		delete(o.sessions, sessionID)
		o.mu.Unlock()
		s.dispose()
		return "", err
	}

	return sessionID, nil
}

// GetStatus returns a point-in-time snapshot of a session.
func (o *Orchestrator) GetStatus(sessionID string) (Status, error) {
	s, ok := o.session(sessionID)
	if !ok {
		return Status{}, apperrors.NotFound("session", sessionID)
	}
	return s.status(), nil
}

// CancelTask transitions a session's workflow to CANCELLED-equivalent (the
// WSM's Cancel operation) and tears down its agents.
func (o *Orchestrator) CancelTask(ctx context.Context, sessionID string) error {
	s, ok := o.session(sessionID)
	if !ok {
		return apperrors.NotFound("session", sessionID)
	}
	if err := s.machine.Cancel(); err != nil {
		return err
	}
	for _, agentID := range s.activeAgentIDs() {
		_ = o.pool.Terminate(ctx, agentID)
		s.unregisterAgent(agentID)
	}
	return nil
}

// PauseTask pauses a session's workflow and every one of its agents.
func (o *Orchestrator) PauseTask(ctx context.Context, sessionID string) error {
	s, ok := o.session(sessionID)
	if !ok {
		return apperrors.NotFound("session", sessionID)
	}
	if err := s.machine.Pause(); err != nil {
		return err
	}
	for _, agentID := range s.activeAgentIDs() {
		_ = o.pool.Pause(ctx, agentID)
	}
	return nil
}

// ResumeTask resumes a previously paused session and its agents.
func (o *Orchestrator) ResumeTask(ctx context.Context, sessionID string) error {
	s, ok := o.session(sessionID)
	if !ok {
		return apperrors.NotFound("session", sessionID)
	}
	if err := s.machine.Resume(); err != nil {
		return err
	}
	for _, agentID := range s.activeAgentIDs() {
		_ = o.pool.Resume(ctx, agentID)
	}
	return nil
}

// SpawnAgent admits a new agent into the shared Pool and associates it with
// a session for the lifetime of the agent.
func (o *Orchestrator) SpawnAgent(ctx context.Context, sessionID string, spawn pool.SpawnConfig) (string, error) {
	s, ok := o.session(sessionID)
	if !ok {
		return "", apperrors.NotFound("session", sessionID)
	}
	spawn.SessionID = sessionID
	agentID, err := o.pool.Spawn(ctx, spawn)
	if err != nil {
		return "", err
	}
	s.registerAgent(agentID)
	return agentID, nil
}

// RouteMessage routes a message between two agents (or broadcasts) via the
// shared Router.
func (o *Orchestrator) RouteMessage(ctx context.Context, msg router.AgentMessage) error {
	return o.router.RouteMessage(ctx, msg)
}

// HandleArtifactCreated advances a session's workflow when an artifact is
// produced, mirroring handleArtifactCreated's role in spec.md §4.1.
func (o *Orchestrator) HandleArtifactCreated(sessionID, artifactType string) error {
	s, ok := o.session(sessionID)
	if !ok {
		return apperrors.NotFound("session", sessionID)
	}
	return s.machine.HandleArtifactCreated(artifactType)
}

// CreateArtifact persists an agent-produced artifact's full content and
// advances the owning session's workflow accordingly. The workflow only
// ever sees artifactType; full content stays in the ArtifactStore, per
// spec.md's non-goal of content storage/diffing living elsewhere.
func (o *Orchestrator) CreateArtifact(ctx context.Context, sessionID, artifactType, producerID, producerRole, fullContent string, relatedArtifacts []string) (string, error) {
	if o.deps.Artifacts == nil {
		return "", apperrors.ServiceUnavailable("artifact store")
	}
	if _, ok := o.session(sessionID); !ok {
		return "", apperrors.NotFound("session", sessionID)
	}

	artifactID, err := o.deps.Artifacts.CreateArtifact(ctx, artifactType, producerID, producerRole, fullContent, relatedArtifacts)
	if err != nil {
		return "", apperrors.Wrap(err, "failed to create artifact")
	}

	if err := o.HandleArtifactCreated(sessionID, artifactType); err != nil {
		return artifactID, err
	}
	return artifactID, nil
}

// HandleError funnels a collaborator failure through the session's own
// Recovery Manager, so reassignment/rollback target only that session's
// agents and checkpoints.
func (o *Orchestrator) HandleError(ctx context.Context, sessionID string, ec recovery.ErrorContext) recovery.RecoveryResult {
	s, ok := o.session(sessionID)
	if !ok {
		return recovery.RecoveryResult{Outcome: "exhausted", Err: apperrors.NotFound("session", sessionID)}
	}
	ec.SessionID = sessionID
	if ec.WorkflowState == "" {
		ec.WorkflowState = string(s.machine.GetState())
	}
	return s.recovery.HandleError(ctx, ec)
}

// EndSession disposes a session's workflow machine, checkpoint bridge, and
// context window, and terminates any agents still registered to it.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	s, ok := o.sessions[sessionID]
	if ok {
		delete(o.sessions, sessionID)
	}
	o.mu.Unlock()
	if !ok {
		return apperrors.NotFound("session", sessionID)
	}
	for _, agentID := range s.activeAgentIDs() {
		_ = o.pool.Terminate(ctx, agentID)
		s.unregisterAgent(agentID)
	}
	s.dispose()
	return nil
}

// ListSessions returns every active session's status.
func (o *Orchestrator) ListSessions() []Status {
	o.mu.Lock()
	sessions := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()

	out := make([]Status, len(sessions))
	for i, s := range sessions {
		out[i] = s.status()
	}
	return out
}

// Pool exposes the shared Agent Pool Manager for the control-plane API and
// MCP tool surfaces that need agent-level detail beyond a session summary.
func (o *Orchestrator) Pool() *pool.Pool { return o.pool }

// Router exposes the shared Message Router.
func (o *Orchestrator) Router() *router.Router { return o.router }

// Recovery returns a session's Error Recovery Manager, primarily for its
// statistics and event subscription.
func (o *Orchestrator) Recovery(sessionID string) (*recovery.Manager, error) {
	s, ok := o.session(sessionID)
	if !ok {
		return nil, apperrors.NotFound("session", sessionID)
	}
	return s.recovery, nil
}

// Dispose tears down every session and the shared subsystems. Idempotent.
func (o *Orchestrator) Dispose() {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}
	o.disposed = true
	sessions := o.sessions
	o.sessions = map[string]*Session{}
	o.mu.Unlock()

	for _, s := range sessions {
		s.dispose()
	}
	o.router.Dispose()
	o.pool.Dispose()
}
