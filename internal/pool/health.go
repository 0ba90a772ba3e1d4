package pool

import (
	"context"
	"sync"
	"time"

	"github.com/flowforge/orchestrator-core/internal/common/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Health monitor event names, fired on the owning Pool's event bus.
const (
	EventAgentHealthy          = "agent_healthy"
	EventAgentUnhealthy        = "agent_unhealthy"
	EventAgentRecovering       = "agent_recovering"
	EventHealthCheckCompleted  = "health_check_completed"
	EventAgentRestartAttempt   = "agent_restart_attempt"
	EventAgentRestartSuccess   = "agent_restart_success"
	EventAgentRestartFailed    = "agent_restart_failed"
	EventAgentMaxRestartsReached = "agent_max_restarts_reached"
)

// HealthConfig tunes the ping loop and auto-restart policy.
type HealthConfig struct {
	CheckInterval           time.Duration
	PingTimeout             time.Duration
	FailureThreshold        int
	RecoveryThreshold       int
	UnresponsiveThreshold   time.Duration
	AutoRestart             bool
	MaxRestartAttempts      int
	RestartCooldown         time.Duration
	MaxConcurrentPings      int64
}

// DefaultHealthConfig mirrors the domain defaults used across the codebase.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		CheckInterval:         10 * time.Second,
		PingTimeout:           5 * time.Second,
		FailureThreshold:      3,
		RecoveryThreshold:     2,
		UnresponsiveThreshold: 60 * time.Second,
		AutoRestart:           true,
		MaxRestartAttempts:    3,
		RestartCooldown:       5 * time.Second,
		MaxConcurrentPings:    8,
	}
}

type agentHealthState struct {
	consecutiveFailures  int
	consecutiveSuccesses int
	recovering           bool
	lastRestartAt        time.Time
}

// HealthMonitor periodically pings every active agent and drives the
// health state machine (healthy -> unhealthy -> recovering -> healthy),
// optionally restarting an unhealthy agent while its RestartAttempts is
// below MaxRestartAttempts.
type HealthMonitor struct {
	cfg  HealthConfig
	pool *Pool

	mu     sync.Mutex
	states map[string]*agentHealthState

	sem *semaphore.Weighted

	stopCh chan struct{}
	doneCh chan struct{}

	logger *logger.Logger
}

func newHealthMonitor(cfg HealthConfig, p *Pool) *HealthMonitor {
	if cfg.CheckInterval <= 0 {
		cfg = DefaultHealthConfig()
	}
	maxPings := cfg.MaxConcurrentPings
	if maxPings <= 0 {
		maxPings = 8
	}
	return &HealthMonitor{
		cfg:    cfg,
		pool:   p,
		states: map[string]*agentHealthState{},
		sem:    semaphore.NewWeighted(maxPings),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: logger.Default().WithFields(zap.String("component", "pool.health")),
	}
}

func (h *HealthMonitor) register(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states[agentID] = &agentHealthState{}
}

func (h *HealthMonitor) unregister(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.states, agentID)
}

func (h *HealthMonitor) start() {
	go h.loop()
}

func (h *HealthMonitor) stop() {
	select {
	case <-h.stopCh:
		// already stopped
	default:
		close(h.stopCh)
	}
	<-h.doneCh
}

func (h *HealthMonitor) loop() {
	defer close(h.doneCh)
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.runCheckRound()
		}
	}
}

// runCheckRound fans a bounded-concurrency ping out across every currently
// active agent, then evaluates staleness and the failure/recovery state
// machine for each.
func (h *HealthMonitor) runCheckRound() {
	agents := h.pool.GetActiveAgents()
	if len(agents) == 0 {
		return
	}

	var wg sync.WaitGroup
	ctx := context.Background()
	for _, agent := range agents {
		agent := agent
		if err := h.sem.Acquire(ctx, 1); err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer h.sem.Release(1)
			h.checkOne(agent)
		}()
	}
	wg.Wait()

	h.pool.emit(Event{Name: EventHealthCheckCompleted})
}

func (h *HealthMonitor) checkOne(agent Instance) {
	if time.Since(agent.LastActivityAt) > h.cfg.UnresponsiveThreshold {
		h.recordFailure(agent.AgentID)
		return
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), h.cfg.PingTimeout)
	defer cancel()

	err := h.pool.runtime.SendMessage(pingCtx, agent.SessionID, "ping", nil)
	if err != nil {
		h.recordFailure(agent.AgentID)
		return
	}
	h.recordSuccess(agent.AgentID)
}

func (h *HealthMonitor) recordFailure(agentID string) {
	h.mu.Lock()
	state, ok := h.states[agentID]
	if !ok {
		h.mu.Unlock()
		return
	}
	state.consecutiveSuccesses = 0
	state.consecutiveFailures++
	shouldMarkUnhealthy := state.consecutiveFailures >= h.cfg.FailureThreshold
	h.mu.Unlock()

	if !shouldMarkUnhealthy {
		return
	}

	instance, err := h.pool.GetAgent(agentID)
	if err != nil {
		return
	}
	if instance.HealthStatus == HealthUnhealthy {
		h.maybeRestart(agentID)
		return
	}

	h.pool.mu.Lock()
	if inst, ok := h.pool.agents[agentID]; ok {
		inst.HealthStatus = HealthUnhealthy
	}
	h.pool.mu.Unlock()

	snapshot, _ := h.pool.GetAgent(agentID)
	h.pool.emit(Event{Name: EventAgentUnhealthy, Instance: snapshot})

	h.maybeRestart(agentID)
}

func (h *HealthMonitor) recordSuccess(agentID string) {
	h.mu.Lock()
	state, ok := h.states[agentID]
	if !ok {
		h.mu.Unlock()
		return
	}
	state.consecutiveFailures = 0
	state.consecutiveSuccesses++
	wasRecovering := state.recovering
	crossedRecoveryThreshold := state.consecutiveSuccesses >= h.cfg.RecoveryThreshold
	h.mu.Unlock()

	h.pool.mu.Lock()
	inst, ok := h.pool.agents[agentID]
	if !ok {
		h.pool.mu.Unlock()
		return
	}
	currentlyUnhealthy := inst.HealthStatus == HealthUnhealthy || inst.HealthStatus == HealthRecovering
	h.pool.mu.Unlock()

	if !currentlyUnhealthy {
		return
	}

	if !crossedRecoveryThreshold {
		if !wasRecovering {
			h.mu.Lock()
			state.recovering = true
			h.mu.Unlock()

			h.pool.mu.Lock()
			inst.HealthStatus = HealthRecovering
			h.pool.mu.Unlock()

			snapshot, _ := h.pool.GetAgent(agentID)
			h.pool.emit(Event{Name: EventAgentRecovering, Instance: snapshot})
		}
		return
	}

	h.mu.Lock()
	state.recovering = false
	h.mu.Unlock()

	h.pool.mu.Lock()
	inst.HealthStatus = HealthHealthy
	h.pool.mu.Unlock()

	snapshot, _ := h.pool.GetAgent(agentID)
	h.pool.emit(Event{Name: EventAgentHealthy, Instance: snapshot})
}

// maybeRestart auto-restarts an unhealthy agent subject to MaxRestartAttempts
// and RestartCooldown, when AutoRestart is enabled.
func (h *HealthMonitor) maybeRestart(agentID string) {
	if !h.cfg.AutoRestart {
		return
	}

	h.mu.Lock()
	state, ok := h.states[agentID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if time.Since(state.lastRestartAt) < h.cfg.RestartCooldown {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	instance, err := h.pool.GetAgent(agentID)
	if err != nil {
		return
	}
	if instance.RestartAttempts >= h.cfg.MaxRestartAttempts {
		h.pool.emit(Event{Name: EventAgentMaxRestartsReached, Instance: instance})
		return
	}

	h.mu.Lock()
	state.lastRestartAt = time.Now()
	h.mu.Unlock()

	h.pool.emit(Event{Name: EventAgentRestartAttempt, Instance: instance})

	ok2, err := h.pool.Restart(context.Background(), agentID)
	if err != nil || !ok2 {
		h.logger.Warn("auto-restart failed", zap.String("agent_id", agentID), zap.Error(err))
		h.pool.emit(Event{Name: EventAgentRestartFailed, Instance: instance})
		return
	}
	h.pool.emit(Event{Name: EventAgentRestartSuccess, Instance: instance})
}
