package graphmesh

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SyncEventType tags a sync lifecycle or conflict event.
type SyncEventType string

const (
	EventSyncStarted       SyncEventType = "sync_started"
	EventSyncCompleted     SyncEventType = "sync_completed"
	EventSyncFailed        SyncEventType = "sync_failed"
	EventConflictDetected  SyncEventType = "conflict_detected"
	EventConflictEscalated SyncEventType = "conflict_escalated"
)

// SyncEvent is one entry on the live event stream.
type SyncEvent struct {
	Type       SyncEventType `json:"type"`
	SessionID  string        `json:"session_id"`
	GraphName  string        `json:"graph_name,omitempty"`
	Peer       string        `json:"peer,omitempty"`
	EntityType EntityType    `json:"entity_type,omitempty"`
	EntityID   string        `json:"entity_id,omitempty"`
	Message    string        `json:"message,omitempty"`
	Stats      *SyncStats    `json:"stats,omitempty"`
	At         time.Time     `json:"at"`
}

// StreamConfig configures the event stream.
type StreamConfig struct {
	// Enabled turns on WebSocket streaming
	Enabled bool
	// BufferSize is the channel buffer size per subscription
	BufferSize int
	// WriteTimeout for WebSocket writes
	WriteTimeout time.Duration
}

// DefaultStreamConfig returns default stream configuration.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Enabled:      true,
		BufferSize:   256,
		WriteTimeout: 10 * time.Second,
	}
}

// EventFilter narrows a subscription. Empty fields match everything.
type EventFilter struct {
	SessionID string          `json:"session_id,omitempty"`
	GraphName string          `json:"graph_name,omitempty"`
	Types     []SyncEventType `json:"types,omitempty"`
}

// EventSubscription represents an active stream subscription.
type EventSubscription struct {
	ID      string
	Filter  EventFilter
	ch      chan SyncEvent
	done    chan struct{}
	closed  bool
	mu      sync.Mutex
	created time.Time
}

// C returns the channel for receiving events.
func (s *EventSubscription) C() <-chan SyncEvent {
	return s.ch
}

// Close closes the subscription.
func (s *EventSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}

// SyncEventHub fans sync events out to live subscribers. Publishing never
// blocks; a subscriber that falls behind loses events.
type SyncEventHub struct {
	config StreamConfig
	mu     sync.RWMutex
	subs   map[string]*EventSubscription
	nextID uint64
}

// NewSyncEventHub creates a new event hub.
func NewSyncEventHub(cfg StreamConfig) *SyncEventHub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	return &SyncEventHub{
		config: cfg,
		subs:   make(map[string]*EventSubscription),
	}
}

// Subscribe creates a new subscription for events matching filter.
func (h *SyncEventHub) Subscribe(filter EventFilter) *EventSubscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := fmt.Sprintf("sub-%d", h.nextID)

	sub := &EventSubscription{
		ID:      id,
		Filter:  filter,
		ch:      make(chan SyncEvent, h.config.BufferSize),
		done:    make(chan struct{}),
		created: time.Now(),
	}

	h.subs[id] = sub
	return sub
}

// Unsubscribe removes a subscription.
func (h *SyncEventHub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if ok {
		sub.Close()
	}
}

// Publish sends an event to all matching subscriptions.
func (h *SyncEventHub) Publish(event SyncEvent) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matchesFilter(sub.Filter, event) {
			continue
		}

		select {
		case sub.ch <- event:
		default:
			// Buffer full, drop the event
		}
	}
}

// matchesFilter checks if an event matches a subscription filter.
func matchesFilter(f EventFilter, event SyncEvent) bool {
	if f.SessionID != "" && f.SessionID != event.SessionID {
		return false
	}
	if f.GraphName != "" && f.GraphName != event.GraphName {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == event.Type {
			return true
		}
	}
	return false
}

// Count returns the number of active subscriptions.
func (h *SyncEventHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// List returns all active subscription IDs.
func (h *SyncEventHub) List() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	return ids
}

// WebSocket handling

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamMessage is the JSON format for WebSocket messages.
type StreamMessage struct {
	Type   string       `json:"type"`
	Filter *EventFilter `json:"filter,omitempty"`
	Event  *SyncEvent   `json:"event,omitempty"`
	SubID  string       `json:"sub_id,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// WebSocketHandler returns an HTTP handler for WebSocket connections.
func (h *SyncEventHub) WebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer func() { _ = conn.Close() }()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Map of active subscriptions for this connection
		connSubs := make(map[string]*EventSubscription)
		var connMu sync.Mutex

		// Read commands from client
		go func() {
			defer cancel()
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}

				var cmd StreamMessage
				if err := json.Unmarshal(msg, &cmd); err != nil {
					h.sendError(conn, "invalid message format")
					continue
				}

				switch cmd.Type {
				case "subscribe":
					var filter EventFilter
					if cmd.Filter != nil {
						filter = *cmd.Filter
					}
					sub := h.Subscribe(filter)
					connMu.Lock()
					connSubs[sub.ID] = sub
					connMu.Unlock()

					resp, _ := json.Marshal(StreamMessage{
						Type:  "subscribed",
						SubID: sub.ID,
					})
					_ = conn.WriteMessage(websocket.TextMessage, resp)

					// Start forwarding events for this subscription
					go h.forwardEvents(ctx, conn, sub)

				case "unsubscribe":
					connMu.Lock()
					if sub, ok := connSubs[cmd.SubID]; ok {
						delete(connSubs, cmd.SubID)
						h.Unsubscribe(sub.ID)
					}
					connMu.Unlock()

					resp, _ := json.Marshal(StreamMessage{
						Type:  "unsubscribed",
						SubID: cmd.SubID,
					})
					_ = conn.WriteMessage(websocket.TextMessage, resp)

				default:
					h.sendError(conn, "unknown command: "+cmd.Type)
				}
			}
		}()

		// Wait for context cancellation
		<-ctx.Done()

		// Cleanup subscriptions
		connMu.Lock()
		for _, sub := range connSubs {
			h.Unsubscribe(sub.ID)
		}
		connMu.Unlock()
	}
}

func (h *SyncEventHub) forwardEvents(ctx context.Context, conn *websocket.Conn, sub *EventSubscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case event, ok := <-sub.ch:
			if !ok {
				return
			}
			msg, _ := json.Marshal(StreamMessage{
				Type:  "event",
				SubID: sub.ID,
				Event: &event,
			})
			if h.config.WriteTimeout > 0 {
				_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (h *SyncEventHub) sendError(conn *websocket.Conn, msg string) {
	resp, _ := json.Marshal(StreamMessage{
		Type:  "error",
		Error: msg,
	})
	_ = conn.WriteMessage(websocket.TextMessage, resp)
}
