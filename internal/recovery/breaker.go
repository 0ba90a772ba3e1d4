package recovery

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the per-key circuit breakers.
type BreakerConfig struct {
	FailureThreshold int
	FailureWindow    time.Duration
	ResetTimeout     time.Duration
	SuccessThreshold int
}

// breakerRegistry lazily creates and caches a gobreaker instance per key
// (agentId, falling back to errorType), so that breaker state transitions
// for unrelated keys never block one another.
type breakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerRegistry(cfg BreakerConfig) *breakerRegistry {
	return &breakerRegistry{cfg: cfg, breakers: map[string]*gobreaker.CircuitBreaker{}}
}

func (r *breakerRegistry) get(key string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	threshold := uint32(r.cfg.FailureThreshold)
	successThreshold := uint32(r.cfg.SuccessThreshold)
	if successThreshold == 0 {
		successThreshold = 1
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: successThreshold,
		Interval:    r.cfg.FailureWindow,
		Timeout:     r.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
	r.breakers[key] = cb
	return cb
}

// state reports the breaker's current state for a key without tripping it.
func (r *breakerRegistry) state(key string) gobreaker.State {
	return r.get(key).State()
}

// allow reports whether a call against key may proceed, and if not, records
// nothing (gobreaker already refuses the Execute call itself).
func (r *breakerRegistry) allow(key string) bool {
	return r.state(key) != gobreaker.StateOpen
}

// recordSuccess and recordFailure drive the breaker via a synthetic
// Execute call, since the manager's own strategies run outside gobreaker's
// call wrapper (they may retry, sleep, or delegate to other subsystems).
func (r *breakerRegistry) recordSuccess(key string) {
	cb := r.get(key)
	_, _ = cb.Execute(func() (any, error) { return nil, nil })
}

func (r *breakerRegistry) recordFailure(key string) {
	cb := r.get(key)
	_, _ = cb.Execute(func() (any, error) { return nil, errBreakerRecordedFailure })
}

var errBreakerRecordedFailure = breakerRecordError{}

type breakerRecordError struct{}

func (breakerRecordError) Error() string { return "recovery: recorded failure" }
