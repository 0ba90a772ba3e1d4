// Package streaming fans out orchestrator lifecycle events to WebSocket
// subscribers, one event stream per session plus an all-sessions firehose.
package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flowforge/orchestrator-core/internal/common/logger"
)

// Event is the wire envelope for everything the hub broadcasts: workflow
// state transitions, context window thresholds, and recovery outcomes.
type Event struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId"`
	Timestamp int64       `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Client is a registered WebSocket connection.
type Client struct {
	ID         string
	conn       *websocket.Conn
	sessionIDs map[string]bool
	send       chan []byte
	hub        *Hub
	mu         sync.RWMutex
	logger     *logger.Logger
}

// NewClient wraps a connection for hub registration. Subscribe/SubscribeAll
// must be called separately to start receiving events.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:         id,
		conn:       conn,
		sessionIDs: make(map[string]bool),
		send:       make(chan []byte, 256),
		hub:        hub,
		logger:     log.WithFields(zap.String("client_id", id)),
	}
}

// Hub is the broadcast registry: clients register, subscribe to sessions
// (or all sessions), and receive events pushed through one serialized loop.
type Hub struct {
	clients        map[*Client]bool
	sessionClients map[string]map[*Client]bool
	allClients     map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Event

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates an idle hub; call Run to start its processing loop.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:        make(map[*Client]bool),
		sessionClients: make(map[string]map[*Client]bool),
		allClients:     make(map[*Client]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *Event, 256),
		logger:         log.WithFields(zap.String("component", "streaming_hub")),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("streaming hub started")
	defer h.logger.Info("streaming hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]bool)
			h.sessionClients = make(map[string]map[*Client]bool)
			h.allClients = make(map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				delete(h.allClients, client)
				close(client.send)
				for sessionID := range client.sessionIDs {
					if clients, ok := h.sessionClients[sessionID]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.sessionClients, sessionID)
						}
					}
				}
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			h.dispatch(ev)
		}
	}
}

func (h *Hub) dispatch(ev *Event) {
	h.mu.RLock()
	recipients := make(map[*Client]bool, len(h.sessionClients[ev.SessionID])+len(h.allClients))
	for c := range h.sessionClients[ev.SessionID] {
		recipients[c] = true
	}
	for c := range h.allClients {
		recipients[c] = true
	}
	h.mu.RUnlock()
	if len(recipients) == 0 {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal event", zap.Error(err))
		return
	}

	for client := range recipients {
		select {
		case client.send <- data:
		default:
			h.Unregister(client)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// Broadcast publishes an event to every subscriber of its session plus
// every all-sessions subscriber.
func (h *Hub) Broadcast(ev *Event) { h.broadcast <- ev }

// SubscribeClient subscribes a client to one session's events.
func (h *Hub) SubscribeClient(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessionClients[sessionID]; !ok {
		h.sessionClients[sessionID] = make(map[*Client]bool)
	}
	h.sessionClients[sessionID][client] = true
}

// UnsubscribeClient removes a client's subscription to one session.
func (h *Hub) UnsubscribeClient(client *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.sessionClients[sessionID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.sessionClients, sessionID)
		}
	}
}

// SubscribeClientAll subscribes a client to every session's events.
func (h *Hub) SubscribeClientAll(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.allClients[client] = true
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SessionSubscriberCount returns how many clients are watching one session.
func (h *Hub) SessionSubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessionClients[sessionID])
}
