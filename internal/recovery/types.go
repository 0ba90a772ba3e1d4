// Package recovery implements the Error Recovery Manager: a per-key
// circuit-breaker gated strategy executor that turns collaborator failures
// into bounded retry, reassignment, rollback, restart, or user-notification
// outcomes without ever propagating to the caller.
package recovery

import (
	"fmt"
	"time"
)

// ErrorType is the closed taxonomy the manager accepts.
type ErrorType string

const (
	ErrorAgentFailure        ErrorType = "agent_failure"
	ErrorAgentTimeout        ErrorType = "agent_timeout"
	ErrorAgentUnhealthy      ErrorType = "agent_unhealthy"
	ErrorTaskExecution       ErrorType = "task_execution_error"
	ErrorMessageDelivery     ErrorType = "message_delivery_error"
	ErrorCheckpoint          ErrorType = "checkpoint_error"
	ErrorResourceExhausted   ErrorType = "resource_exhausted"
	ErrorRateLimitExceeded   ErrorType = "rate_limit_exceeded"
	ErrorProvider            ErrorType = "provider_error"
	ErrorValidation          ErrorType = "validation_error"
	ErrorUnknown             ErrorType = "unknown_error"
)

// Severity ranks how urgently an error needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// defaultSeverity is consulted when an ErrorContext omits Severity.
var defaultSeverity = map[ErrorType]Severity{
	ErrorAgentFailure:      SeverityHigh,
	ErrorAgentUnhealthy:    SeverityHigh,
	ErrorProvider:          SeverityHigh,
	ErrorCheckpoint:        SeverityHigh,
	ErrorResourceExhausted: SeverityCritical,
	ErrorAgentTimeout:      SeverityMedium,
	ErrorTaskExecution:     SeverityMedium,
	ErrorMessageDelivery:   SeverityMedium,
	ErrorUnknown:           SeverityMedium,
	ErrorRateLimitExceeded: SeverityLow,
	ErrorValidation:        SeverityLow,
}

// StrategyName is one step in a recovery chain.
type StrategyName string

const (
	StrategyRetry               StrategyName = "retry"
	StrategyReassign            StrategyName = "reassign"
	StrategyRollback            StrategyName = "rollback"
	StrategyRestartAgent        StrategyName = "restart_agent"
	StrategyGracefulDegradation StrategyName = "graceful_degradation"
	StrategyAbort               StrategyName = "abort"
	StrategyNotifyUser          StrategyName = "notify_user"
)

// RetryPolicy configures a retry or restart_agent strategy's backoff.
type RetryPolicy struct {
	MaxAttempts int
	DelayMs     int64
	Multiplier  float64
	MaxDelayMs  int64
}

// delay returns the backoff before attempt n (1-indexed), capped at MaxDelayMs.
func (p RetryPolicy) delay(attempt int) time.Duration {
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	d := float64(p.DelayMs)
	for i := 1; i < attempt; i++ {
		d *= multiplier
	}
	if p.MaxDelayMs > 0 && d > float64(p.MaxDelayMs) {
		d = float64(p.MaxDelayMs)
	}
	return time.Duration(d) * time.Millisecond
}

// ConditionOperator is the comparison a Condition applies between an
// ErrorContext field and its configured value.
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "equals"
	OpNotEquals   ConditionOperator = "not_equals"
	OpGreaterThan ConditionOperator = "greater_than"
	OpLessThan    ConditionOperator = "less_than"
	OpIn          ConditionOperator = "in"
	OpNotIn       ConditionOperator = "not_in"
)

// ConditionField names the ErrorContext attribute a Condition inspects.
type ConditionField string

const (
	FieldErrorType   ConditionField = "error_type"
	FieldSeverity    ConditionField = "severity"
	FieldRetryCount  ConditionField = "retry_count"
	FieldAgentStatus ConditionField = "agent_status"
	FieldMetadata    ConditionField = "metadata"
)

// Condition gates whether a Strategy is eligible for a given ErrorContext.
// A Strategy with no Conditions is always eligible. Field FieldMetadata
// reads ErrorContext.MessageContext[Key]; every other field ignores Key.
type Condition struct {
	Field    ConditionField
	Key      string
	Operator ConditionOperator
	Value    interface{}   // equals, not_equals, greater_than, less_than
	Values   []interface{} // in, not_in
}

func (c Condition) actual(ec ErrorContext) (interface{}, bool) {
	switch c.Field {
	case FieldErrorType:
		return string(ec.ErrorType), true
	case FieldSeverity:
		return string(ec.resolvedSeverity()), true
	case FieldRetryCount:
		return ec.RetryCount, true
	case FieldAgentStatus:
		return ec.AgentStatus, true
	case FieldMetadata:
		if ec.MessageContext == nil {
			return nil, false
		}
		v, ok := ec.MessageContext[c.Key]
		return v, ok
	default:
		return nil, false
	}
}

func (c Condition) matches(ec ErrorContext) bool {
	actual, ok := c.actual(ec)
	if !ok {
		return false
	}
	switch c.Operator {
	case OpEquals:
		return conditionEqual(actual, c.Value)
	case OpNotEquals:
		return !conditionEqual(actual, c.Value)
	case OpGreaterThan:
		a, aok := conditionFloat(actual)
		b, bok := conditionFloat(c.Value)
		return aok && bok && a > b
	case OpLessThan:
		a, aok := conditionFloat(actual)
		b, bok := conditionFloat(c.Value)
		return aok && bok && a < b
	case OpIn:
		for _, v := range c.Values {
			if conditionEqual(actual, v) {
				return true
			}
		}
		return false
	case OpNotIn:
		for _, v := range c.Values {
			if conditionEqual(actual, v) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func conditionEqual(a, b interface{}) bool {
	if af, aok := conditionFloat(a); aok {
		if bf, bok := conditionFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func conditionFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// Strategy pairs a strategy name with its retry policy (ignored by
// strategies that don't retry) and the Conditions gating its eligibility.
type Strategy struct {
	Name       StrategyName
	Policy     RetryPolicy
	Conditions []Condition
}

// matches reports whether every one of s.Conditions holds against ec. A
// strategy with no conditions is always eligible.
func (s Strategy) matches(ec ErrorContext) bool {
	for _, c := range s.Conditions {
		if !c.matches(ec) {
			return false
		}
	}
	return true
}

// defaultStrategies is the per-errorType strategy chain consulted when an
// ErrorContext omits an explicit chain.
var defaultStrategies = map[ErrorType][]Strategy{
	ErrorAgentFailure: {
		{Name: StrategyRestartAgent, Policy: RetryPolicy{MaxAttempts: 2}},
		{Name: StrategyReassign, Policy: RetryPolicy{MaxAttempts: 1}},
	},
	ErrorAgentTimeout: {
		{Name: StrategyRetry, Policy: RetryPolicy{MaxAttempts: 3, DelayMs: 1000, Multiplier: 2}},
	},
	ErrorAgentUnhealthy: {
		{Name: StrategyRestartAgent, Policy: RetryPolicy{MaxAttempts: 3, DelayMs: 5000, Multiplier: 2}},
	},
	ErrorTaskExecution: {
		{Name: StrategyRetry, Policy: RetryPolicy{MaxAttempts: 3, DelayMs: 1000, Multiplier: 2}},
		{Name: StrategyRollback},
	},
	ErrorMessageDelivery: {
		{Name: StrategyRetry, Policy: RetryPolicy{MaxAttempts: 3, DelayMs: 500, Multiplier: 2}},
	},
	ErrorCheckpoint: {
		{Name: StrategyNotifyUser},
	},
	ErrorResourceExhausted: {
		{Name: StrategyGracefulDegradation},
	},
	ErrorRateLimitExceeded: {
		{Name: StrategyRetry, Policy: RetryPolicy{MaxAttempts: 5, DelayMs: 1000, Multiplier: 2, MaxDelayMs: 60000}},
	},
	ErrorProvider: {
		{Name: StrategyRetry, Policy: RetryPolicy{MaxAttempts: 3, DelayMs: 2000, Multiplier: 2}},
	},
	ErrorValidation: {
		{Name: StrategyNotifyUser},
	},
	ErrorUnknown: {
		{Name: StrategyRollback},
		{Name: StrategyNotifyUser},
	},
}

// fallbackChain names what to try next when a strategy exhausts its own
// attempts without success.
var fallbackChain = map[StrategyName][]StrategyName{
	StrategyRetry:               {StrategyReassign, StrategyRollback, StrategyNotifyUser},
	StrategyReassign:            {StrategyRollback, StrategyNotifyUser},
	StrategyRollback:            {StrategyNotifyUser},
	StrategyRestartAgent:        {StrategyReassign, StrategyRollback},
	StrategyGracefulDegradation: {StrategyNotifyUser},
	StrategyAbort:               {StrategyNotifyUser},
	StrategyNotifyUser:          {},
}

// ErrorContext describes one failure the manager is asked to recover from.
type ErrorContext struct {
	ErrorID       string
	ErrorType     ErrorType
	Severity      Severity
	Message       string
	AgentID       string
	AgentStatus   string
	SessionID     string
	WorkflowState string
	PreferredRole string
	MessageContext map[string]interface{}
	RetryCount    int
	Strategies    []Strategy // overrides defaultStrategies[ErrorType] when non-nil
}

// resolvedSeverity returns ec.Severity, falling back to the default map.
func (ec ErrorContext) resolvedSeverity() Severity {
	if ec.Severity != "" {
		return ec.Severity
	}
	if s, ok := defaultSeverity[ec.ErrorType]; ok {
		return s
	}
	return SeverityMedium
}

// breakerKey is the circuit-breaker key for this error: agentId, falling
// back to errorType.
func (ec ErrorContext) breakerKey() string {
	if ec.AgentID != "" {
		return ec.AgentID
	}
	return string(ec.ErrorType)
}

// RecoveryResult is the ERM's synchronous answer to handleError; the manager
// never itself throws to callers.
type RecoveryResult struct {
	Outcome           string // "recovered" | "exhausted" | "short_circuited" | "fatal"
	StrategyUsed      StrategyName
	AttemptsMade      int
	NewAgentID        string
	RolledBackCheckpointID string
	Notification      *UserNotification
	Err               error
}

// UserNotification is emitted by the notify_user strategy.
type UserNotification struct {
	Severity      Severity
	Title         string
	Message       string
	RequireAction bool
	Actions       []string
	TimeoutMs     int64
	ErrorContext  ErrorContext
}

// Statistics accumulates recovery activity for observability.
type Statistics struct {
	TotalErrors                    int
	ErrorsByType                   map[ErrorType]int
	ErrorsBySeverity                map[Severity]int
	TotalRecoveryAttempts          int
	SuccessfulRecoveries           int
	FailedRecoveries               int
	CircuitBreakerOpens            int
	GracefulDegradationActivations int
	UserNotificationsSent          int
	LastErrorTimestamp             int64
	History                        []ErrorContext // newest first, bounded
}

func newStatistics() *Statistics {
	return &Statistics{
		ErrorsByType:     map[ErrorType]int{},
		ErrorsBySeverity: map[Severity]int{},
	}
}

const maxHistory = 200

func (s *Statistics) record(ec ErrorContext) {
	s.TotalErrors++
	s.ErrorsByType[ec.ErrorType]++
	s.ErrorsBySeverity[ec.resolvedSeverity()]++
	s.LastErrorTimestamp = timeNowUnixMilli()
	s.History = append([]ErrorContext{ec}, s.History...)
	if len(s.History) > maxHistory {
		s.History = s.History[:maxHistory]
	}
}

var timeNowUnixMilli = func() int64 { return time.Now().UnixMilli() }
