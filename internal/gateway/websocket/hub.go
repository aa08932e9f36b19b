package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"salvage/internal/recovery"
	"salvage/pkg/logger"
)

// SnapshotFunc returns a session's recovery state.
type SnapshotFunc func(sessionID string) (recovery.Snapshot, bool)

// Hub maintains the set of active clients and fans messages out to them.
// It implements recovery.Notifier and recovery.Recorder.
type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Session to clients mapping for targeted broadcasts.
	sessions map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	mu sync.RWMutex

	snapshot SnapshotFunc
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		sessions:   make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
	}
}

// SetSnapshotFunc sets the lookup used to answer snapshot requests.
func (h *Hub) SetSnapshotFunc(fn SnapshotFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshot = fn
}

// Snapshot returns the session's recovery state, if a lookup is set.
func (h *Hub) Snapshot(sessionID string) (recovery.Snapshot, bool) {
	h.mu.RLock()
	fn := h.snapshot
	h.mu.RUnlock()

	if fn == nil {
		return recovery.Snapshot{}, false
	}
	return fn(sessionID)
}

// Run processes registrations and broadcasts until ctx is done, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				h.removeLocked(client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			logger.Info().Str("client_id", client.id).Msg("WebSocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()
			logger.Info().Str("client_id", client.id).Msg("WebSocket client disconnected")

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.targetsLocked(msg.Session) {
				select {
				case client.send <- msg.Data:
				default:
					// Slow client, drop the message
				}
			}
			h.mu.RUnlock()
		}
	}
}

// removeLocked must be called with mu held.
func (h *Hub) removeLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	for session := range client.sessions {
		if clients, ok := h.sessions[session]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.sessions, session)
			}
		}
	}
}

// targetsLocked returns the clients that should receive a message for
// session. An empty session means every client. Must be called with mu held.
func (h *Hub) targetsLocked(session string) map[*Client]bool {
	if session == "" {
		return h.clients
	}

	targets := make(map[*Client]bool)
	for client := range h.sessions[session] {
		targets[client] = true
	}
	for client := range h.sessions[AllSessions] {
		targets[client] = true
	}
	return targets
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe adds a client to a session's subscriber list.
func (h *Hub) Subscribe(client *Client, session string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.sessions[session] = true
	if h.sessions[session] == nil {
		h.sessions[session] = make(map[*Client]bool)
	}
	h.sessions[session][client] = true

	logger.Debug().
		Str("client_id", client.id).
		Str("session_id", session).
		Msg("Client subscribed to session")
}

// Unsubscribe removes a client from a session's subscriber list.
func (h *Hub) Unsubscribe(client *Client, session string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.sessions, session)
	if clients, ok := h.sessions[session]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.sessions, session)
		}
	}
}

// Broadcast queues data for the session's subscribers. It never blocks: when
// the queue is full the message is dropped.
func (h *Hub) Broadcast(session string, data []byte) {
	select {
	case h.broadcast <- &BroadcastMessage{Session: session, Data: data}:
	default:
		logger.Warn().Str("session_id", session).Msg("WebSocket broadcast queue full, dropping message")
	}
}

// BroadcastAll queues data for every client.
func (h *Hub) BroadcastAll(data []byte) {
	h.Broadcast("", data)
}

// Send marshals msg and broadcasts it to msg.Session (or everyone).
func (h *Hub) Send(msg WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return err
	}
	h.Broadcast(msg.Session, data)
	return nil
}

// ShowToast implements recovery.Notifier by mirroring the toast to
// subscribers of its session.
func (h *Hub) ShowToast(_ context.Context, toast recovery.Toast) error {
	return h.Send(WSMessage{
		Type:    TypeToast,
		Session: toast.SessionID,
		Toast: &ToastPayload{
			Title:      toast.Title,
			Message:    toast.Message,
			Severity:   string(toast.Severity),
			DurationMS: toast.DurationMS(),
		},
	})
}

// Record implements recovery.Recorder.
func (h *Hub) Record(_ context.Context, step recovery.Step) {
	if step.SessionID == "" {
		return
	}
	_ = h.Send(WSMessage{
		Type:    TypeRecovery,
		Session: step.SessionID,
		Step: &StepPayload{
			Kind:          string(step.Kind),
			Time:          step.Time.UTC().Format(time.RFC3339Nano),
			Attempt:       step.Attempt,
			RevertAttempt: step.RevertAttempt,
			DelayMS:       step.Delay.Milliseconds(),
			DurationMS:    step.Duration.Milliseconds(),
			MessageID:     step.MessageID,
			Reason:        step.Reason,
		},
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
