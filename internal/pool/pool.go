package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowforge/orchestrator-core/internal/collaborators"
	"github.com/flowforge/orchestrator-core/internal/common/apperrors"
	"github.com/flowforge/orchestrator-core/internal/common/logger"
	"go.uber.org/zap"
)

// Event names emitted by the Pool itself (distinct from the collocated
// health monitor's events in health.go).
const (
	EventAgentSpawned   = "agent_spawned"
	EventAgentStatus    = "agent_status_changed"
	EventAgentTerminated = "agent_terminated"
)

// Event carries the agent snapshot relevant to a Pool notification.
type Event struct {
	Name     string
	Instance Instance
}

// Listener observes Pool events.
type Listener func(Event)

// Config bounds admission control and restart naming.
type Config struct {
	MaxConcurrentAgents int
}

// Pool supervises agent instances within MaxConcurrentAgents.
type Pool struct {
	mu sync.Mutex

	cfg Config

	agents  map[string]*Instance
	configs map[string]SpawnConfig

	runtime  collaborators.ProcessRuntime
	locks    collaborators.FileLockService
	roles    collaborators.RoleRegistry
	settings collaborators.OrchestrationConfigService
	psm      collaborators.ProviderSettingsManager

	listeners map[int]Listener
	nextID    int

	disposed bool

	logger *logger.Logger

	health *HealthMonitor
}

// Dependencies bundles the Pool's collaborators, all required.
type Dependencies struct {
	Runtime  collaborators.ProcessRuntime
	Locks    collaborators.FileLockService
	Roles    collaborators.RoleRegistry
	Settings collaborators.OrchestrationConfigService
	PSM      collaborators.ProviderSettingsManager
}

// New creates a Pool and starts its collocated health monitor. A
// non-positive MaxConcurrentAgents falls back to 5.
func New(cfg Config, deps Dependencies, healthCfg HealthConfig) *Pool {
	if cfg.MaxConcurrentAgents <= 0 {
		cfg.MaxConcurrentAgents = 5
	}
	p := &Pool{
		cfg:       cfg,
		agents:    map[string]*Instance{},
		configs:   map[string]SpawnConfig{},
		runtime:   deps.Runtime,
		locks:     deps.Locks,
		roles:     deps.Roles,
		settings:  deps.Settings,
		psm:       deps.PSM,
		listeners: map[int]Listener{},
		logger:    logger.Default().WithFields(zap.String("component", "pool")),
	}
	p.health = newHealthMonitor(healthCfg, p)
	p.health.start()
	return p
}

// OnEvent subscribes to Pool events; call the returned func to unsubscribe.
func (p *Pool) OnEvent(l Listener) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = l
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *Pool) emit(ev Event) {
	p.mu.Lock()
	listeners := make([]Listener, 0, len(p.listeners))
	for _, l := range p.listeners {
		listeners = append(listeners, l)
	}
	p.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

// activeCountLocked counts only ready/busy instances, per admission control.
func (p *Pool) activeCountLocked() int {
	count := 0
	for _, a := range p.agents {
		if a.Status.isActive() {
			count++
		}
	}
	return count
}

// Spawn creates a new agent under admission control and delegates process
// creation to the runtime collaborator.
func (p *Pool) Spawn(ctx context.Context, cfg SpawnConfig) (string, error) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return "", apperrors.Disposed("pool")
	}
	if _, exists := p.agents[cfg.AgentID]; exists {
		p.mu.Unlock()
		return "", apperrors.Conflict(fmt.Sprintf("agent %q already known", cfg.AgentID))
	}
	if p.activeCountLocked() >= p.cfg.MaxConcurrentAgents {
		p.mu.Unlock()
		return "", apperrors.MaxConcurrentAgents(p.cfg.MaxConcurrentAgents)
	}

	instance := &Instance{
		AgentID:        cfg.AgentID,
		Role:           cfg.Role,
		Mode:           cfg.Mode,
		Status:         StatusSpawning,
		HealthStatus:   HealthUnknown,
		SpawnedAt:      now(),
		LastActivityAt: now(),
	}
	p.agents[cfg.AgentID] = instance
	p.configs[cfg.AgentID] = cfg
	p.mu.Unlock()

	profile, err := p.resolveProviderProfile(ctx, cfg.Role)
	if err != nil {
		p.logger.Warn("failed to resolve provider profile, continuing with empty profile",
			zap.String("role", cfg.Role), zap.Error(err))
	} else {
		p.mu.Lock()
		instance.ProviderProfile = profile
		p.mu.Unlock()
	}

	agentID := cfg.AgentID
	sessionID, err := p.runtime.SpawnProcess(ctx, collaborators.SpawnSpec{
		Workspace: cfg.Workspace,
		Task:      cfg.Task,
		AgentID:   cfg.AgentID,
		Role:      cfg.Role,
		Mode:      cfg.Mode,
	}, func(sessionID string, event collaborators.RuntimeEvent) {
		p.onRuntimeEvent(agentID, sessionID, event)
	})
	if err != nil {
		p.mu.Lock()
		delete(p.agents, cfg.AgentID)
		delete(p.configs, cfg.AgentID)
		p.mu.Unlock()
		return "", apperrors.InternalError("failed to spawn agent process", err)
	}

	p.mu.Lock()
	instance.SessionID = sessionID
	p.health.register(cfg.AgentID)
	snapshot := instance.clone()
	p.mu.Unlock()

	p.logger.Info("agent spawned", zap.String("agent_id", cfg.AgentID), zap.String("role", cfg.Role))
	p.emit(Event{Name: EventAgentSpawned, Instance: snapshot})
	return cfg.AgentID, nil
}

func (p *Pool) resolveProviderProfile(ctx context.Context, role string) (string, error) {
	if p.roles == nil || p.settings == nil || p.psm == nil {
		return "", nil
	}
	if _, err := p.roles.GetProviderProfileForRole(role); err != nil {
		return "", err
	}
	profile, err := p.settings.GetProviderSettingsForRole(ctx, role, p.psm)
	if err != nil {
		return "", err
	}
	return profile.ID, nil
}

// onRuntimeEvent drives the agent event state machine. It is bound to the
// agentId known at spawn time rather than matching by sessionId, so an event
// firing before the sessionId is recorded on the instance is never dropped.
func (p *Pool) onRuntimeEvent(agentID string, sessionID string, event collaborators.RuntimeEvent) {
	p.mu.Lock()
	instance, ok := p.agents[agentID]
	if !ok {
		p.mu.Unlock()
		return
	}
	if instance.SessionID == "" {
		instance.SessionID = sessionID
	}

	switch event.Type {
	case collaborators.StreamEventSessionCreated:
		instance.Status = StatusReady
		instance.HealthStatus = HealthHealthy
		instance.LastActivityAt = now()
	case collaborators.StreamEventComplete:
		instance.Status = StatusReady
		instance.LastActivityAt = now()
	case collaborators.StreamEventError:
		instance.Status = StatusError
		instance.HealthStatus = HealthUnhealthy
		if event.Err != nil {
			instance.LastError = event.Err.Error()
		}
	case collaborators.StreamEventInterrupted:
		instance.Status = StatusStopped
	}
	needsLockRelease := event.Type == collaborators.StreamEventError || event.Type == collaborators.StreamEventInterrupted
	snapshot := instance.clone()
	p.mu.Unlock()

	if needsLockRelease && p.locks != nil {
		if _, err := p.locks.ReleaseAllLocksForAgent(context.Background(), agentID); err != nil {
			p.logger.Warn("failed to release locks after agent event", zap.String("agent_id", agentID), zap.Error(err))
		}
	}

	p.emit(Event{Name: EventAgentStatus, Instance: snapshot})
}

// Terminate releases the agent's locks and signals shutdown over IPC.
func (p *Pool) Terminate(ctx context.Context, agentID string) error {
	instance, err := p.requireAgent(agentID)
	if err != nil {
		return err
	}

	if p.locks != nil {
		if _, err := p.locks.ReleaseAllLocksForAgent(ctx, agentID); err != nil {
			p.logger.Warn("failed to release locks on terminate", zap.String("agent_id", agentID), zap.Error(err))
		}
	}

	if err := p.runtime.SendMessage(ctx, instance.SessionID, collaborators.RuntimeMessageShutdown, nil); err != nil {
		return apperrors.InternalError("failed to signal shutdown", err)
	}

	p.mu.Lock()
	instance.Status = StatusStopped
	snapshot := instance.clone()
	p.mu.Unlock()

	p.emit(Event{Name: EventAgentTerminated, Instance: snapshot})
	return nil
}

// Pause is only legal from ready/busy.
func (p *Pool) Pause(ctx context.Context, agentID string) error {
	instance, err := p.requireAgent(agentID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if instance.Status != StatusReady && instance.Status != StatusBusy {
		status := instance.Status
		p.mu.Unlock()
		return apperrors.InvalidLifecycleOp("pause agent", string(status))
	}
	p.mu.Unlock()

	if err := p.runtime.SendMessage(ctx, instance.SessionID, collaborators.RuntimeMessagePause, nil); err != nil {
		return apperrors.InternalError("failed to pause agent", err)
	}

	p.mu.Lock()
	instance.Status = StatusPaused
	snapshot := instance.clone()
	p.mu.Unlock()
	p.emit(Event{Name: EventAgentStatus, Instance: snapshot})
	return nil
}

// Resume is only legal from paused.
func (p *Pool) Resume(ctx context.Context, agentID string) error {
	instance, err := p.requireAgent(agentID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if instance.Status != StatusPaused {
		status := instance.Status
		p.mu.Unlock()
		return apperrors.InvalidLifecycleOp("resume agent", string(status))
	}
	p.mu.Unlock()

	if err := p.runtime.SendMessage(ctx, instance.SessionID, collaborators.RuntimeMessageResume, nil); err != nil {
		return apperrors.InternalError("failed to resume agent", err)
	}

	p.mu.Lock()
	instance.Status = StatusReady
	snapshot := instance.clone()
	p.mu.Unlock()
	p.emit(Event{Name: EventAgentStatus, Instance: snapshot})
	return nil
}

// Restart releases locks, shuts down the old session, and re-spawns with
// the stored config under a freshly generated agentId.
func (p *Pool) Restart(ctx context.Context, agentID string) (bool, error) {
	p.mu.Lock()
	instance, ok := p.agents[agentID]
	cfg, hasCfg := p.configs[agentID]
	if !ok || !hasCfg {
		p.mu.Unlock()
		return false, apperrors.NotFound("agent", agentID)
	}
	p.mu.Unlock()

	if p.locks != nil {
		_, _ = p.locks.ReleaseAllLocksForAgent(ctx, agentID)
	}
	_ = p.runtime.SendMessage(ctx, instance.SessionID, collaborators.RuntimeMessageShutdown, nil)

	p.mu.Lock()
	p.health.unregister(agentID)
	delete(p.agents, agentID)
	delete(p.configs, agentID)
	restartAttempts := instance.RestartAttempts + 1
	p.mu.Unlock()

	newAgentID := fmt.Sprintf("%s_%d", cfg.Role, now().UnixNano())
	newCfg := cfg
	newCfg.AgentID = newAgentID

	if _, err := p.Spawn(ctx, newCfg); err != nil {
		return false, err
	}

	p.mu.Lock()
	if newInstance, ok := p.agents[newAgentID]; ok {
		newInstance.RestartAttempts = restartAttempts
	}
	p.mu.Unlock()

	return true, nil
}

func (p *Pool) requireAgent(agentID string) (*Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return nil, apperrors.Disposed("pool")
	}
	instance, ok := p.agents[agentID]
	if !ok {
		return nil, apperrors.NotFound("agent", agentID)
	}
	return instance, nil
}

// GetAgent returns a snapshot of one agent.
func (p *Pool) GetAgent(agentID string) (Instance, error) {
	instance, err := p.requireAgent(agentID)
	if err != nil {
		return Instance{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return instance.clone(), nil
}

// GetAllAgents returns a snapshot of every known agent.
func (p *Pool) GetAllAgents() []Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Instance, 0, len(p.agents))
	for _, a := range p.agents {
		out = append(out, a.clone())
	}
	return out
}

// GetActiveAgents returns every ready/busy agent.
func (p *Pool) GetActiveAgents() []Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Instance, 0)
	for _, a := range p.agents {
		if a.Status.isActive() {
			out = append(out, a.clone())
		}
	}
	return out
}

// GetActiveAgentCount returns the number of ready/busy agents.
func (p *Pool) GetActiveAgentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeCountLocked()
}

// GetAgentsByHealthStatus filters agents by health status.
func (p *Pool) GetAgentsByHealthStatus(status HealthStatus) []Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Instance, 0)
	for _, a := range p.agents {
		if a.HealthStatus == status {
			out = append(out, a.clone())
		}
	}
	return out
}

// AgentExists reports whether agentID is known to the pool, regardless of
// status. Satisfies router.AgentDirectory.
func (p *Pool) AgentExists(agentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.agents[agentID]
	return ok
}

// IsAgentActive reports whether agentID is currently ready or busy.
// Satisfies router.AgentDirectory.
func (p *Pool) IsAgentActive(agentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[agentID]
	return ok && a.Status.isActive()
}

// ActiveAgentIDs returns the ids of every ready/busy agent. Satisfies
// router.AgentDirectory.
func (p *Pool) ActiveAgentIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0)
	for id, a := range p.agents {
		if a.Status.isActive() {
			out = append(out, id)
		}
	}
	return out
}

// SessionIDFor returns agentID's current IPC sessionId. Satisfies
// router.SessionResolver.
func (p *Pool) SessionIDFor(agentID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[agentID]
	if !ok || a.SessionID == "" {
		return "", false
	}
	return a.SessionID, true
}

// ActiveAgentRoles maps every ready/busy agentId to its role, for reassignment
// candidate selection. Satisfies recovery.AgentDirectory.
func (p *Pool) ActiveAgentRoles() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.agents))
	for id, a := range p.agents {
		if a.Status.isActive() {
			out[id] = a.Role
		}
	}
	return out
}

// AgentHasFileLocks reports whether the agent currently holds any locks.
func (p *Pool) AgentHasFileLocks(agentID string) bool {
	if p.locks == nil {
		return false
	}
	return p.locks.AgentHasLocks(agentID)
}

// GetAgentFileLocks returns the locks currently held by the agent.
func (p *Pool) GetAgentFileLocks(agentID string) []collaborators.LockInfo {
	if p.locks == nil {
		return nil
	}
	return p.locks.GetLocksForAgent(agentID)
}

// Dispose stops the health monitor and fire-and-forget terminates every
// live agent, releasing its locks first. Idempotent.
func (p *Pool) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	agentIDs := make([]string, 0, len(p.agents))
	sessionIDs := make([]string, 0, len(p.agents))
	for id, a := range p.agents {
		agentIDs = append(agentIDs, id)
		if a.SessionID != "" && a.Status != StatusStopped {
			sessionIDs = append(sessionIDs, a.SessionID)
		}
	}
	p.agents = map[string]*Instance{}
	p.configs = map[string]SpawnConfig{}
	p.listeners = map[int]Listener{}
	p.mu.Unlock()

	p.health.stop()

	for _, agentID := range agentIDs {
		if p.locks != nil {
			_, _ = p.locks.ReleaseAllLocksForAgent(context.Background(), agentID)
		}
	}
	for _, sessionID := range sessionIDs {
		_ = p.runtime.SendMessage(context.Background(), sessionID, collaborators.RuntimeMessageShutdown, nil)
	}
}

// now is overridable in tests that need deterministic timestamps.
var now = time.Now
