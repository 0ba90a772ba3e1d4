package streaming

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/flowforge/orchestrator-core/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to build test logger: %v", err)
	}
	return log
}

// newTestClient builds a Client with no underlying socket, suitable for
// exercising hub registration, subscription, and dispatch without a real
// WebSocket connection: nothing in this test path touches conn.
func newTestClient(t *testing.T, id string, hub *Hub) *Client {
	t.Helper()
	return NewClient(id, nil, hub, newTestLogger(t))
}

func runTestHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub(newTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	return hub, cancel
}

func recvEvent(t *testing.T, client *Client) Event {
	t.Helper()
	select {
	case data := <-client.send:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("failed to unmarshal event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestHub_BroadcastToSessionSubscriber(t *testing.T) {
	hub, cancel := runTestHub(t)
	defer cancel()

	client := newTestClient(t, "client-1", hub)
	hub.Register(client)
	client.Subscribe("session-1")

	hub.Broadcast(&Event{Type: "stateChange", SessionID: "session-1", Payload: "planning"})

	ev := recvEvent(t, client)
	if ev.SessionID != "session-1" || ev.Type != "stateChange" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestHub_BroadcastIgnoresOtherSessions(t *testing.T) {
	hub, cancel := runTestHub(t)
	defer cancel()

	client := newTestClient(t, "client-1", hub)
	hub.Register(client)
	client.Subscribe("session-1")

	hub.Broadcast(&Event{Type: "stateChange", SessionID: "session-2", Payload: "planning"})

	select {
	case data := <-client.send:
		t.Fatalf("expected no event, got %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_SubscribeAllReceivesEveryEvent(t *testing.T) {
	hub, cancel := runTestHub(t)
	defer cancel()

	client := newTestClient(t, "firehose", hub)
	hub.Register(client)
	client.SubscribeAll()

	hub.Broadcast(&Event{Type: "contextWindow", SessionID: "session-a"})
	hub.Broadcast(&Event{Type: "contextWindow", SessionID: "session-b"})

	first := recvEvent(t, client)
	second := recvEvent(t, client)
	if first.SessionID != "session-a" || second.SessionID != "session-b" {
		t.Errorf("expected events for both sessions, got %+v then %+v", first, second)
	}
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	hub, cancel := runTestHub(t)
	defer cancel()

	client := newTestClient(t, "client-1", hub)
	hub.Register(client)
	client.Subscribe("session-1")
	client.Unsubscribe("session-1")

	hub.Broadcast(&Event{Type: "stateChange", SessionID: "session-1"})

	select {
	case data := <-client.send:
		t.Fatalf("expected no event after unsubscribe, got %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_SessionSubscriberCount(t *testing.T) {
	hub, cancel := runTestHub(t)
	defer cancel()

	a := newTestClient(t, "a", hub)
	b := newTestClient(t, "b", hub)
	hub.Register(a)
	hub.Register(b)
	a.Subscribe("session-1")
	b.Subscribe("session-1")

	if got := hub.SessionSubscriberCount("session-1"); got != 2 {
		t.Errorf("expected 2 subscribers, got %d", got)
	}
}

func TestHub_UnregisterClosesSendChannel(t *testing.T) {
	hub, cancel := runTestHub(t)
	defer cancel()

	client := newTestClient(t, "client-1", hub)
	hub.Register(client)
	client.Subscribe("session-1")

	hub.Unregister(client)

	select {
	case _, ok := <-client.send:
		if ok {
			t.Fatal("expected send channel to be closed, got a value instead")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for send channel to close")
	}
}
