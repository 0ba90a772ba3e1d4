// Package router implements the Message Router: typed delivery between
// agents and the orchestrator with correlation-ID request/response, a
// bounded pending-delivery queue for not-yet-ready recipients, broadcast
// with per-subscriber filters, and a ring-buffer message log.
package router

import (
	"time"

	"github.com/flowforge/orchestrator-core/internal/common/apperrors"
)

// MessageType names the kind of an AgentMessage.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeStatus       MessageType = "status"
	MessageTypeArtifact     MessageType = "artifact"
	MessageTypeError        MessageType = "error"
	MessageTypeControl      MessageType = "control"
)

// BroadcastTarget is the reserved "to" value meaning every active agent
// except the sender.
const BroadcastTarget = "broadcast"

// AgentMessage is the wire envelope routed between agents and the
// orchestrator.
type AgentMessage struct {
	ID            string                 `json:"id"`
	Type          MessageType            `json:"type"`
	From          string                 `json:"from"`
	To            string                 `json:"to"`
	Timestamp     int64                  `json:"timestamp"`
	Payload       map[string]interface{} `json:"payload"`
	CorrelationID string                 `json:"correlationId,omitempty"`

	// retryCount is internal queue bookkeeping, never serialised to wire
	// peers; it does not count toward the public contract's message shape.
	retryCount int
}

// validate checks the field-level contract routeMessage enforces before
// attempting delivery.
func validate(msg AgentMessage) error {
	if msg.ID == "" {
		return apperrors.InvalidMessage("id", "must not be empty")
	}
	if msg.Type == "" {
		return apperrors.InvalidMessage("type", "must not be empty")
	}
	if msg.From == "" {
		return apperrors.InvalidMessage("from", "must not be empty")
	}
	if msg.To == "" {
		return apperrors.InvalidMessage("to", "must not be empty")
	}
	if msg.Timestamp == 0 {
		return apperrors.InvalidMessage("timestamp", "must not be zero")
	}
	if msg.Payload == nil {
		return apperrors.InvalidMessage("payload", "must not be nil")
	}
	return nil
}

// Filter restricts a subscription to an allow-list of message types and/or
// an exact sender.
type Filter struct {
	MessageTypes []string
	From         string
}

func (f *Filter) matches(msg AgentMessage) bool {
	if f == nil {
		return true
	}
	if len(f.MessageTypes) > 0 {
		allowed := false
		for _, t := range f.MessageTypes {
			if t == string(msg.Type) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	if f.From != "" && f.From != msg.From {
		return false
	}
	return true
}

// Handler receives a routed message.
type Handler func(msg AgentMessage)

type subscription struct {
	agentID string
	handler Handler
	filter  *Filter
}

type pendingRequest struct {
	resolve func(AgentMessage)
	reject  func(error)
	timer   *time.Timer
}
