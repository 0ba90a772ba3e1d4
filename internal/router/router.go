package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/orchestrator-core/internal/collaborators"
	"github.com/flowforge/orchestrator-core/internal/common/apperrors"
	"github.com/flowforge/orchestrator-core/internal/common/logger"
)

// AgentDirectory is the narrow view of the agent pool the router needs to
// decide between immediate IPC delivery and queuing.
type AgentDirectory interface {
	AgentExists(agentID string) bool
	IsAgentActive(agentID string) bool
	ActiveAgentIDs() []string
}

// Transport delivers a message to a known, active agent over IPC. Swappable
// for an in-process fan-out or a NATS-backed implementation.
type Transport interface {
	Deliver(ctx context.Context, agentID string, msg AgentMessage) error
}

// Config tunes the router's queue, retry, size, and logging behaviour.
type Config struct {
	MaxQueueSize            int
	QueueProcessingInterval time.Duration
	MaxRetryCount           int
	DefaultRequestTimeout   time.Duration
	MaxIPCMessageSize       int64
	MessageLogSize          int
}

// DefaultConfig mirrors the domain defaults used across the codebase.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:            1000,
		QueueProcessingInterval: 100 * time.Millisecond,
		MaxRetryCount:           3,
		DefaultRequestTimeout:   30 * time.Second,
		MaxIPCMessageSize:       1 << 20,
		MessageLogSize:          100,
	}
}

// Router delivers AgentMessages between agents and the orchestrator.
type Router struct {
	mu sync.Mutex

	cfg       Config
	directory AgentDirectory
	transport Transport

	subs    map[string]*subscription
	pending map[string]*pendingRequest

	queue *outboundQueue
	log   *messageLog

	disposed bool
	stopCh   chan struct{}
	doneCh   chan struct{}

	unwireLocks func()

	logger *logger.Logger
}

// New creates a Router and starts its queue-processing tick.
func New(cfg Config, directory AgentDirectory, transport Transport) *Router {
	if cfg.QueueProcessingInterval <= 0 {
		cfg.QueueProcessingInterval = DefaultConfig().QueueProcessingInterval
	}
	r := &Router{
		cfg:       cfg,
		directory: directory,
		transport: transport,
		subs:      map[string]*subscription{},
		pending:   map[string]*pendingRequest{},
		queue:     newOutboundQueue(cfg.MaxQueueSize),
		log:       newMessageLog(cfg.MessageLogSize),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		logger:    logger.Default().WithFields(zap.String("component", "router")),
	}
	go r.processingLoop()
	return r
}

// RouteMessage validates and delivers msg, broadcasting when To is the
// reserved broadcast target, queuing for retry when the recipient exists
// but is not currently ready/busy.
func (r *Router) RouteMessage(ctx context.Context, msg AgentMessage) error {
	if err := validate(msg); err != nil {
		return err
	}
	msg = r.applySizePolicy(msg)

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return apperrors.Disposed("router")
	}
	r.log.record(msg)
	r.mu.Unlock()

	if msg.To == BroadcastTarget {
		for _, agentID := range r.directory.ActiveAgentIDs() {
			if agentID == msg.From {
				continue
			}
			fanOut := msg
			fanOut.To = agentID
			if err := r.transport.Deliver(ctx, agentID, fanOut); err != nil {
				r.logger.Warn("broadcast delivery failed", zap.String("agent_id", agentID), zap.Error(err))
			}
		}
		return nil
	}

	if !r.directory.AgentExists(msg.To) {
		return apperrors.UnknownTarget(msg.To)
	}

	if r.directory.IsAgentActive(msg.To) {
		if err := r.transport.Deliver(ctx, msg.To, msg); err != nil {
			r.enqueue(msg)
		}
		return nil
	}

	r.enqueue(msg)
	return nil
}

func (r *Router) enqueue(msg AgentMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue.push(msg)
}

// applySizePolicy substitutes a truncated placeholder payload when the
// serialised message exceeds MaxIPCMessageSize, preserving routing fields.
func (r *Router) applySizePolicy(msg AgentMessage) AgentMessage {
	if r.cfg.MaxIPCMessageSize <= 0 {
		return msg
	}
	encoded, err := json.Marshal(msg.Payload)
	if err != nil {
		return msg
	}
	if int64(len(encoded)) <= r.cfg.MaxIPCMessageSize {
		return msg
	}
	truncated := msg
	truncated.Payload = map[string]interface{}{
		"_truncated":    true,
		"_originalSize": len(encoded),
	}
	return truncated
}

// Subscribe registers a handler for an agent, one subscription per agent;
// a second call replaces the first.
func (r *Router) Subscribe(agentID string, handler Handler, filter *Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[agentID] = &subscription{agentID: agentID, handler: handler, filter: filter}
}

// Unsubscribe removes an agent's subscription, if any.
func (r *Router) Unsubscribe(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, agentID)
}

// SendRequest routes a request message and blocks until a correlated
// response arrives or timeout elapses. A zero timeout uses the configured
// default.
func (r *Router) SendRequest(ctx context.Context, to string, payload map[string]interface{}, timeout time.Duration) (AgentMessage, error) {
	if timeout <= 0 {
		timeout = r.cfg.DefaultRequestTimeout
	}
	correlationID := uuid.New().String()

	resultCh := make(chan AgentMessage, 1)
	errCh := make(chan error, 1)

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return AgentMessage{}, apperrors.Disposed("router")
	}
	timer := time.AfterFunc(timeout, func() {
		r.mu.Lock()
		_, stillPending := r.pending[correlationID]
		delete(r.pending, correlationID)
		r.mu.Unlock()
		if stillPending {
			errCh <- apperrors.ServiceUnavailable("agent " + to + " (request timed out)")
		}
	})
	r.pending[correlationID] = &pendingRequest{
		resolve: func(msg AgentMessage) { resultCh <- msg },
		reject:  func(err error) { errCh <- err },
		timer:   timer,
	}
	r.mu.Unlock()

	msg := AgentMessage{
		ID:            uuid.New().String(),
		Type:          MessageTypeRequest,
		From:          "orchestrator",
		To:            to,
		Timestamp:     time.Now().UnixMilli(),
		Payload:       payload,
		CorrelationID: correlationID,
	}
	if err := r.RouteMessage(ctx, msg); err != nil {
		r.mu.Lock()
		if p, ok := r.pending[correlationID]; ok {
			p.timer.Stop()
			delete(r.pending, correlationID)
		}
		r.mu.Unlock()
		return AgentMessage{}, err
	}

	select {
	case resp := <-resultCh:
		return resp, nil
	case err := <-errCh:
		return AgentMessage{}, err
	case <-ctx.Done():
		r.mu.Lock()
		if p, ok := r.pending[correlationID]; ok {
			p.timer.Stop()
			delete(r.pending, correlationID)
		}
		r.mu.Unlock()
		return AgentMessage{}, ctx.Err()
	}
}

// SendResponse routes a response message correlated to an earlier request,
// identifying the responder as from rather than the recipient to.
func (r *Router) SendResponse(ctx context.Context, from string, to string, payload map[string]interface{}, correlationID string) error {
	msg := AgentMessage{
		ID:            uuid.New().String(),
		Type:          MessageTypeResponse,
		From:          from,
		To:            to,
		Timestamp:     time.Now().UnixMilli(),
		Payload:       payload,
		CorrelationID: correlationID,
	}
	return r.RouteMessage(ctx, msg)
}

// HandleIncomingMessage resolves a pending request on a correlated
// response, or dispatches to the recipient's subscription if its filter
// matches.
func (r *Router) HandleIncomingMessage(msg AgentMessage) {
	if msg.Type == MessageTypeResponse && msg.CorrelationID != "" {
		r.mu.Lock()
		pending, ok := r.pending[msg.CorrelationID]
		if ok {
			pending.timer.Stop()
			delete(r.pending, msg.CorrelationID)
		}
		r.mu.Unlock()
		if ok {
			pending.resolve(msg)
			return
		}
	}

	r.mu.Lock()
	sub, ok := r.subs[msg.To]
	r.mu.Unlock()
	if !ok || !sub.filter.matches(msg) {
		return
	}
	go sub.handler(msg)
}

// GetMessageLog returns up to limit routed messages, newest first. limit<=0
// returns the full log.
func (r *Router) GetMessageLog(limit int) []AgentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.newestFirst(limit)
}

// QueueDepth returns the number of messages currently parked in the
// outbound queue awaiting a processing tick.
func (r *Router) QueueDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.len()
}

// WireLockEvents subscribes to a file-lock service and re-emits its events
// as broadcast notification messages, returning an unsubscribe func.
func (r *Router) WireLockEvents(service collaborators.FileLockService) func() {
	unsubscribe := service.Subscribe(func(ev collaborators.LockEvent) {
		msg := AgentMessage{
			ID:        uuid.New().String(),
			Type:      MessageTypeNotification,
			From:      "orchestrator",
			To:        BroadcastTarget,
			Timestamp: time.Now().UnixMilli(),
			Payload: map[string]interface{}{
				"lockEventType": string(ev.Type),
				"lockId":        ev.Lock.LockID,
				"filePath":      ev.Lock.FilePath,
				"agentId":       ev.Lock.AgentID,
				"mode":          string(ev.Lock.Mode),
			},
		}
		if err := r.RouteMessage(context.Background(), msg); err != nil {
			r.logger.Warn("failed to fan out lock event", zap.Error(err))
		}
	})
	r.mu.Lock()
	r.unwireLocks = unsubscribe
	r.mu.Unlock()
	return unsubscribe
}

func (r *Router) processingLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.cfg.QueueProcessingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.processQueueTick()
		}
	}
}

func (r *Router) processQueueTick() {
	r.mu.Lock()
	entries := r.queue.drain()
	r.mu.Unlock()

	for _, entry := range entries {
		target := entry.msg.To
		if !r.directory.AgentExists(target) {
			continue // unknown target entries are dropped
		}
		if r.directory.IsAgentActive(target) {
			if err := r.transport.Deliver(context.Background(), target, entry.msg); err != nil {
				r.requeueOrDrop(entry)
			}
			continue
		}
		r.requeueOrDrop(entry)
	}
}

func (r *Router) requeueOrDrop(entry queueEntry) {
	if entry.msg.retryCount >= r.cfg.MaxRetryCount {
		return
	}
	entry.msg.retryCount++
	r.mu.Lock()
	r.queue.requeue(entry)
	r.mu.Unlock()
}

// Dispose stops the queue-processing tick, rejects every pending request,
// and clears subscriptions and lock-event wiring. Idempotent.
func (r *Router) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	pending := r.pending
	r.pending = map[string]*pendingRequest{}
	r.subs = map[string]*subscription{}
	unwire := r.unwireLocks
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh

	for _, p := range pending {
		p.timer.Stop()
		p.reject(apperrors.Disposed("router"))
	}
	if unwire != nil {
		unwire()
	}
}
