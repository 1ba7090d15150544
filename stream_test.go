package graphmesh

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestEventHubFanout(t *testing.T) {
	hub := NewSyncEventHub(DefaultStreamConfig())

	a := hub.Subscribe(EventFilter{})
	b := hub.Subscribe(EventFilter{})
	defer a.Close()
	defer b.Close()

	if hub.Count() != 2 {
		t.Fatalf("Count = %d, want 2", hub.Count())
	}

	hub.Publish(SyncEvent{Type: EventSyncStarted, SessionID: "sess-1", GraphName: "main"})

	for _, sub := range []*EventSubscription{a, b} {
		select {
		case event := <-sub.C():
			if event.Type != EventSyncStarted {
				t.Errorf("event type = %q, want %q", event.Type, EventSyncStarted)
			}
			if event.At.IsZero() {
				t.Error("publish should stamp the event time")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestEventHubFilter(t *testing.T) {
	hub := NewSyncEventHub(DefaultStreamConfig())

	sub := hub.Subscribe(EventFilter{
		SessionID: "sess-1",
		Types:     []SyncEventType{EventConflictDetected},
	})
	defer sub.Close()

	hub.Publish(SyncEvent{Type: EventConflictDetected, SessionID: "sess-2"})
	hub.Publish(SyncEvent{Type: EventSyncCompleted, SessionID: "sess-1"})
	hub.Publish(SyncEvent{Type: EventConflictDetected, SessionID: "sess-1", EntityID: "n1"})

	select {
	case event := <-sub.C():
		if event.EntityID != "n1" {
			t.Errorf("got %+v, want the sess-1 conflict", event)
		}
	case <-time.After(time.Second):
		t.Fatal("matching event not delivered")
	}

	select {
	case event := <-sub.C():
		t.Fatalf("unexpected extra event %+v", event)
	default:
	}
}

func TestEventFilterMatching(t *testing.T) {
	event := SyncEvent{Type: EventConflictDetected, SessionID: "sess-1", GraphName: "main"}

	tests := []struct {
		name   string
		filter EventFilter
		want   bool
	}{
		{"empty filter matches", EventFilter{}, true},
		{"session match", EventFilter{SessionID: "sess-1"}, true},
		{"session mismatch", EventFilter{SessionID: "sess-2"}, false},
		{"graph mismatch", EventFilter{GraphName: "other"}, false},
		{"type match", EventFilter{Types: []SyncEventType{EventSyncFailed, EventConflictDetected}}, true},
		{"type mismatch", EventFilter{Types: []SyncEventType{EventSyncFailed}}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := matchesFilter(tc.filter, event); got != tc.want {
				t.Errorf("matchesFilter = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEventHubOverflowDrops(t *testing.T) {
	hub := NewSyncEventHub(StreamConfig{Enabled: true, BufferSize: 1})

	sub := hub.Subscribe(EventFilter{})
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			hub.Publish(SyncEvent{Type: EventSyncStarted, EntityID: fmt.Sprintf("e%d", i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}

	event := <-sub.C()
	if event.EntityID != "e0" {
		t.Errorf("kept event = %q, want e0", event.EntityID)
	}
	select {
	case extra := <-sub.C():
		t.Fatalf("unexpected buffered event %+v", extra)
	default:
	}
}

func TestEventHubUnsubscribe(t *testing.T) {
	hub := NewSyncEventHub(DefaultStreamConfig())

	sub := hub.Subscribe(EventFilter{})
	hub.Unsubscribe(sub.ID)

	if hub.Count() != 0 {
		t.Fatalf("Count = %d after unsubscribe, want 0", hub.Count())
	}
	if _, ok := <-sub.C(); ok {
		t.Error("channel should be closed after unsubscribe")
	}

	// Closing again is safe.
	sub.Close()
	hub.Unsubscribe(sub.ID)
}

func TestEventStreamWebSocket(t *testing.T) {
	hub := NewSyncEventHub(DefaultStreamConfig())
	srv := httptest.NewServer(hub.WebSocketHandler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(StreamMessage{Type: "subscribe", Filter: &EventFilter{SessionID: "sess-1"}}); err != nil {
		t.Fatalf("send subscribe: %v", err)
	}
	var reply StreamMessage
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read subscribe reply: %v", err)
	}
	if reply.Type != "subscribed" || reply.SubID == "" {
		t.Fatalf("subscribe reply = %+v", reply)
	}

	hub.Publish(SyncEvent{Type: EventSyncCompleted, SessionID: "sess-1", GraphName: "main"})

	var msg StreamMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if msg.Type != "event" || msg.Event == nil || msg.Event.Type != EventSyncCompleted {
		t.Fatalf("event message = %+v", msg)
	}

	if err := conn.WriteJSON(StreamMessage{Type: "unsubscribe", SubID: reply.SubID}); err != nil {
		t.Fatalf("send unsubscribe: %v", err)
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read unsubscribe reply: %v", err)
	}
	if msg.Type != "unsubscribed" {
		t.Fatalf("reply type = %q, want unsubscribed", msg.Type)
	}

	if err := conn.WriteJSON(StreamMessage{Type: "bogus"}); err != nil {
		t.Fatalf("send bogus: %v", err)
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read error reply: %v", err)
	}
	if msg.Type != "error" || !strings.Contains(msg.Error, "unknown command") {
		t.Fatalf("error reply = %+v", msg)
	}
}
