package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowforge/orchestrator-core/internal/common/apperrors"
	"github.com/flowforge/orchestrator-core/internal/common/logger"
	"github.com/flowforge/orchestrator-core/internal/router"
)

// AgentDirectory is the narrow pool view the manager needs for reassignment
// and graceful degradation candidate selection.
type AgentDirectory interface {
	ActiveAgentRoles() map[string]string
	GetActiveAgentCount() int
}

// Restarter restarts a misbehaving agent under a freshly generated id.
type Restarter interface {
	Restart(ctx context.Context, agentID string) (bool, error)
}

// Pauser pauses an agent, used by graceful_degradation to shed load.
type Pauser interface {
	Pause(ctx context.Context, agentID string) error
}

// Terminator stops an agent, used by abort.
type Terminator interface {
	Terminate(ctx context.Context, agentID string) error
}

// MessageRouter routes a message, used by retry and reassign.
type MessageRouter interface {
	RouteMessage(ctx context.Context, msg router.AgentMessage) error
}

// CheckpointRollback restores the most recent checkpoint for a session.
// Implemented by the checkpoint package's WSM bridge.
type CheckpointRollback interface {
	RollbackToLatest(ctx context.Context, sessionID string) (RollbackEvent, error)
	RollbackToState(ctx context.Context, sessionID string, state string) (RollbackEvent, error)
}

// RollbackEvent is re-emitted by a checkpoint restore; consumers re-apply it
// to their own workflow state machine.
type RollbackEvent struct {
	CheckpointID    string
	RestoredState   string
	RestoredContext map[string]interface{}
}

// Dependencies bundles the manager's collaborators. Any may be nil; the
// strategies that need a missing collaborator fall through immediately.
type Dependencies struct {
	Directory  AgentDirectory
	Restarter  Restarter
	Pauser     Pauser
	Terminator Terminator
	Router     MessageRouter
	Checkpoint CheckpointRollback
	MaxConcurrentAgents int
}

// Config tunes circuit-breaker thresholds and global on/off switches.
type Config struct {
	Enabled                   bool
	EnableFallbacks           bool
	EnableGracefulDegradation bool
	FailureThreshold          int
	FailureWindow             time.Duration
	ResetTimeout              time.Duration
	SuccessThreshold          int
}

// Listener observes manager events: recovery completions and user
// notifications.
type Listener func(RecoveryResult)

// Manager is the Error Recovery Manager.
type Manager struct {
	mu sync.Mutex

	cfg  Config
	deps Dependencies

	breakers *breakerRegistry
	stats    *Statistics

	listeners map[int]Listener
	nextID    int

	disposed bool

	logger *logger.Logger
}

// New creates a Manager.
func New(cfg Config, deps Dependencies) *Manager {
	return &Manager{
		cfg:  cfg,
		deps: deps,
		breakers: newBreakerRegistry(BreakerConfig{
			FailureThreshold: cfg.FailureThreshold,
			FailureWindow:    cfg.FailureWindow,
			ResetTimeout:     cfg.ResetTimeout,
			SuccessThreshold: cfg.SuccessThreshold,
		}),
		stats:     newStatistics(),
		listeners: map[int]Listener{},
		logger:    logger.Default().WithFields(zap.String("component", "recovery")),
	}
}

// OnEvent subscribes to recovery outcomes; call the returned func to
// unsubscribe.
func (m *Manager) OnEvent(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Manager) emit(res RecoveryResult) {
	m.mu.Lock()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()
	for _, l := range listeners {
		l(res)
	}
}

// GetStatistics returns a snapshot of accumulated recovery activity.
func (m *Manager) GetStatistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := *m.stats
	snapshot.ErrorsByType = cloneIntMap(m.stats.ErrorsByType)
	snapshot.ErrorsBySeverity = cloneSeverityMap(m.stats.ErrorsBySeverity)
	snapshot.History = append([]ErrorContext(nil), m.stats.History...)
	return snapshot
}

func cloneIntMap(src map[ErrorType]int) map[ErrorType]int {
	out := make(map[ErrorType]int, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func cloneSeverityMap(src map[Severity]int) map[Severity]int {
	out := make(map[Severity]int, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// HandleError is the ERM's sole entry point. It never returns an error to
// the caller; failures are captured in the returned RecoveryResult.
func (m *Manager) HandleError(ctx context.Context, ec ErrorContext) RecoveryResult {
	m.mu.Lock()
	disposed := m.disposed
	m.mu.Unlock()
	if disposed {
		return RecoveryResult{Outcome: "fatal", Err: apperrors.Disposed("recovery manager")}
	}
	if !m.cfg.Enabled {
		return RecoveryResult{Outcome: "fatal", Err: fmt.Errorf("recovery disabled by configuration")}
	}

	m.mu.Lock()
	m.stats.record(ec)
	m.mu.Unlock()

	key := ec.breakerKey()
	if !m.breakers.allow(key) {
		m.mu.Lock()
		m.stats.CircuitBreakerOpens++
		m.mu.Unlock()
		m.logger.Warn("circuit breaker open, short-circuiting recovery", zap.String("key", key))
		return m.shortCircuit(ctx, ec)
	}

	strategies := ec.Strategies
	if strategies == nil {
		strategies = defaultStrategies[ec.ErrorType]
	}
	if len(strategies) == 0 {
		return RecoveryResult{Outcome: "fatal", Err: fmt.Errorf("no recovery strategy for error type %q", ec.ErrorType)}
	}

	return m.runChain(ctx, ec, strategies, 0)
}

// shortCircuit answers an open-breaker error without invoking strategies,
// per the breaker-causality property.
func (m *Manager) shortCircuit(ctx context.Context, ec ErrorContext) RecoveryResult {
	breakerErr := apperrors.CircuitOpen(ec.breakerKey())
	if m.cfg.EnableGracefulDegradation {
		res := m.applyGracefulDegradation(ctx, ec)
		res.Outcome = "short_circuited"
		res.Err = breakerErr
		return res
	}
	res := m.applyAbort(ctx, ec)
	res.Outcome = "short_circuited"
	res.Err = breakerErr
	return res
}

// runChain executes the matching strategies in order until one recovers.
// When all of them fail and fallbacks are enabled, it continues with the
// fallback chain of the last strategy in the list; the fallback chains of
// earlier strategies are not followed.
func (m *Manager) runChain(ctx context.Context, ec ErrorContext, strategies []Strategy, depth int) RecoveryResult {
	if depth > 8 {
		return RecoveryResult{Outcome: "exhausted", Err: fmt.Errorf("recovery fallback chain too deep")}
	}

	var last RecoveryResult
	attempted := false
	for _, strategy := range strategies {
		if !strategy.matches(ec) {
			continue
		}
		attempted = true
		last = m.executeStrategy(ctx, ec, strategy)
		if last.Outcome == "recovered" {
			m.breakers.recordSuccess(ec.breakerKey())
			m.mu.Lock()
			m.stats.SuccessfulRecoveries++
			m.mu.Unlock()
			m.emit(last)
			return last
		}
		m.breakers.recordFailure(ec.breakerKey())
	}

	if !attempted {
		last = RecoveryResult{Outcome: "exhausted", Err: fmt.Errorf("no strategy in chain matched error context conditions")}
		m.mu.Lock()
		m.stats.FailedRecoveries++
		m.mu.Unlock()
		m.emit(last)
		return last
	}

	m.mu.Lock()
	m.stats.FailedRecoveries++
	m.mu.Unlock()

	if !m.cfg.EnableFallbacks {
		last.Outcome = "exhausted"
		m.emit(last)
		return last
	}

	fallbacks, ok := fallbackChain[strategies[len(strategies)-1].Name]
	if !ok || len(fallbacks) == 0 {
		last.Outcome = "exhausted"
		m.emit(last)
		return last
	}

	next := make([]Strategy, len(fallbacks))
	for i, name := range fallbacks {
		next[i] = Strategy{Name: name}
	}
	return m.runChain(ctx, ec, next, depth+1)
}

// executeStrategy runs one strategy to its own completion (including its
// internal retry attempts), returning "recovered" or "exhausted".
func (m *Manager) executeStrategy(ctx context.Context, ec ErrorContext, strategy Strategy) RecoveryResult {
	m.mu.Lock()
	m.stats.TotalRecoveryAttempts++
	m.mu.Unlock()

	switch strategy.Name {
	case StrategyRetry:
		return m.applyRetry(ctx, ec, strategy.Policy)
	case StrategyReassign:
		return m.applyReassign(ctx, ec)
	case StrategyRollback:
		return m.applyRollback(ctx, ec)
	case StrategyRestartAgent:
		return m.applyRestartAgent(ctx, ec, strategy.Policy)
	case StrategyGracefulDegradation:
		return m.applyGracefulDegradation(ctx, ec)
	case StrategyAbort:
		return m.applyAbort(ctx, ec)
	case StrategyNotifyUser:
		return m.applyNotifyUser(ctx, ec)
	default:
		return RecoveryResult{Outcome: "exhausted", StrategyUsed: strategy.Name, Err: fmt.Errorf("unknown strategy %q", strategy.Name)}
	}
}

func (m *Manager) applyRetry(ctx context.Context, ec ErrorContext, policy RetryPolicy) RecoveryResult {
	if m.deps.Router == nil {
		return RecoveryResult{Outcome: "exhausted", StrategyUsed: StrategyRetry, Err: fmt.Errorf("no router configured for retry")}
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(policy.delay(attempt - 1)):
			case <-ctx.Done():
				return RecoveryResult{Outcome: "exhausted", StrategyUsed: StrategyRetry, AttemptsMade: attempt - 1, Err: ctx.Err()}
			}
		}
		payload := ec.MessageContext
		if payload == nil {
			payload = map[string]interface{}{}
		}
		msg := router.AgentMessage{
			ID:        fmt.Sprintf("%s_retry_%d", ec.ErrorID, attempt),
			Type:      router.MessageTypeNotification,
			From:      "recovery",
			To:        ec.AgentID,
			Timestamp: time.Now().UnixMilli(),
			Payload:   payload,
		}
		lastErr = m.deps.Router.RouteMessage(ctx, msg)
		if lastErr == nil {
			return RecoveryResult{Outcome: "recovered", StrategyUsed: StrategyRetry, AttemptsMade: attempt}
		}
	}
	return RecoveryResult{Outcome: "exhausted", StrategyUsed: StrategyRetry, AttemptsMade: maxAttempts, Err: lastErr}
}

func (m *Manager) applyReassign(ctx context.Context, ec ErrorContext) RecoveryResult {
	if m.deps.Directory == nil {
		return RecoveryResult{Outcome: "exhausted", StrategyUsed: StrategyReassign, Err: fmt.Errorf("no agent directory configured for reassign")}
	}
	roles := m.deps.Directory.ActiveAgentRoles()
	var fallback string
	for id, role := range roles {
		if id == ec.AgentID {
			continue
		}
		if fallback == "" {
			fallback = id
		}
		if ec.PreferredRole != "" && role == ec.PreferredRole {
			return RecoveryResult{Outcome: "recovered", StrategyUsed: StrategyReassign, AttemptsMade: 1, NewAgentID: id}
		}
	}
	if fallback != "" {
		return RecoveryResult{Outcome: "recovered", StrategyUsed: StrategyReassign, AttemptsMade: 1, NewAgentID: fallback}
	}
	return RecoveryResult{Outcome: "exhausted", StrategyUsed: StrategyReassign, AttemptsMade: 1, Err: apperrors.NotFound("agent", "no eligible agent for reassignment")}
}

func (m *Manager) applyRollback(ctx context.Context, ec ErrorContext) RecoveryResult {
	if m.deps.Checkpoint == nil {
		return RecoveryResult{Outcome: "exhausted", StrategyUsed: StrategyRollback, Err: fmt.Errorf("no checkpoint service configured for rollback")}
	}
	var (
		ev  RollbackEvent
		err error
	)
	if ec.WorkflowState != "" {
		ev, err = m.deps.Checkpoint.RollbackToState(ctx, ec.SessionID, ec.WorkflowState)
	} else {
		ev, err = m.deps.Checkpoint.RollbackToLatest(ctx, ec.SessionID)
	}
	if err != nil {
		return RecoveryResult{Outcome: "exhausted", StrategyUsed: StrategyRollback, AttemptsMade: 1, Err: err}
	}
	return RecoveryResult{Outcome: "recovered", StrategyUsed: StrategyRollback, AttemptsMade: 1, RolledBackCheckpointID: ev.CheckpointID}
}

func (m *Manager) applyRestartAgent(ctx context.Context, ec ErrorContext, policy RetryPolicy) RecoveryResult {
	if m.deps.Restarter == nil {
		return RecoveryResult{Outcome: "exhausted", StrategyUsed: StrategyRestartAgent, Err: fmt.Errorf("no restarter configured for restart_agent")}
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(policy.delay(attempt - 1)):
			case <-ctx.Done():
				return RecoveryResult{Outcome: "exhausted", StrategyUsed: StrategyRestartAgent, AttemptsMade: attempt - 1, Err: ctx.Err()}
			}
		}
		ok, err := m.deps.Restarter.Restart(ctx, ec.AgentID)
		if err == nil && ok {
			return RecoveryResult{Outcome: "recovered", StrategyUsed: StrategyRestartAgent, AttemptsMade: attempt}
		}
		lastErr = err
	}
	return RecoveryResult{Outcome: "exhausted", StrategyUsed: StrategyRestartAgent, AttemptsMade: maxAttempts, Err: lastErr}
}

func (m *Manager) applyGracefulDegradation(ctx context.Context, ec ErrorContext) RecoveryResult {
	if !m.cfg.EnableGracefulDegradation {
		return RecoveryResult{Outcome: "exhausted", StrategyUsed: StrategyGracefulDegradation, Err: fmt.Errorf("graceful degradation disabled by configuration")}
	}
	m.mu.Lock()
	m.stats.GracefulDegradationActivations++
	m.mu.Unlock()

	if m.deps.Pauser != nil && m.deps.Directory != nil && m.deps.MaxConcurrentAgents > 0 {
		roles := m.deps.Directory.ActiveAgentRoles()
		excess := m.deps.Directory.GetActiveAgentCount() - m.deps.MaxConcurrentAgents
		if excess > 0 {
			paused := 0
			for id := range roles {
				if paused >= excess {
					break
				}
				if err := m.deps.Pauser.Pause(ctx, id); err == nil {
					paused++
				}
			}
		}
	}
	return RecoveryResult{Outcome: "recovered", StrategyUsed: StrategyGracefulDegradation, AttemptsMade: 1}
}

func (m *Manager) applyAbort(ctx context.Context, ec ErrorContext) RecoveryResult {
	if m.deps.Terminator != nil && m.deps.Directory != nil {
		for id := range m.deps.Directory.ActiveAgentRoles() {
			_ = m.deps.Terminator.Terminate(ctx, id)
		}
	}
	return RecoveryResult{Outcome: "recovered", StrategyUsed: StrategyAbort, AttemptsMade: 1}
}

func (m *Manager) applyNotifyUser(ctx context.Context, ec ErrorContext) RecoveryResult {
	m.mu.Lock()
	m.stats.UserNotificationsSent++
	m.mu.Unlock()
	notification := &UserNotification{
		Severity:      ec.resolvedSeverity(),
		Title:         fmt.Sprintf("Recovery needed: %s", ec.ErrorType),
		Message:       ec.Message,
		RequireAction: ec.resolvedSeverity() == SeverityHigh || ec.resolvedSeverity() == SeverityCritical,
		ErrorContext:  ec,
	}
	return RecoveryResult{Outcome: "recovered", StrategyUsed: StrategyNotifyUser, AttemptsMade: 1, Notification: notification}
}

// Dispose marks the manager disposed; in-flight HandleError calls already
// past their disposal check run to completion, matching the other
// subsystems' cooperative cancellation model.
func (m *Manager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disposed = true
}
