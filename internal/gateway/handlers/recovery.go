package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"salvage/internal/hooks"
	"salvage/internal/recovery"
	"salvage/internal/storage"
)

// maxEventBytes bounds a posted event body.
const maxEventBytes = 4 << 20

// EventSink accepts decoded host events for asynchronous dispatch.
type EventSink interface {
	Ingest(ctx context.Context, ev hooks.Event) error
}

// SnapshotSource exposes the controller's read-only views.
type SnapshotSource interface {
	Snapshot(sessionID string) (recovery.Snapshot, bool)
	Snapshots() []recovery.Snapshot
}

// JournalSource lists persisted recovery steps.
type JournalSource interface {
	List(ctx context.Context, sessionID string, limit int) ([]*storage.JournalEntry, error)
}

// ErrOverloaded is returned by an EventSink that cannot take more work.
var ErrOverloaded = errors.New("event queue full")

// Recovery serves the event and recovery endpoints.
type Recovery struct {
	Events    EventSink
	Snapshots SnapshotSource
	Journal   JournalSource
}

// RecoveryList is the body of GET /recovery.
type RecoveryList struct {
	Sessions []recovery.Snapshot `json:"sessions"`
	Count    int                 `json:"count"`
}

// JournalList is the body of GET /sessions/{sessionID}/journal.
type JournalList struct {
	SessionID string                  `json:"session_id"`
	Entries   []*storage.JournalEntry `json:"entries"`
}

// Register mounts the routes on r.
func (h *Recovery) Register(r *mux.Router) {
	r.HandleFunc("/events", h.PostEvent).Methods(http.MethodPost)
	r.HandleFunc("/recovery", h.ListRecovery).Methods(http.MethodGet)
	r.HandleFunc("/recovery/{sessionID}", h.GetRecovery).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{sessionID}/journal", h.GetJournal).Methods(http.MethodGet)
}

// PostEvent ingests one `{type, properties}` event.
func (h *Recovery) PostEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes+1))
	if err != nil {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "failed to read body")
		return
	}
	if len(body) > maxEventBytes {
		SendError(w, http.StatusRequestEntityTooLarge, ErrCodeInvalidRequest, "event too large")
		return
	}

	ev, err := hooks.DecodeEvent(body)
	if err != nil {
		SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	if err := h.Events.Ingest(r.Context(), ev); err != nil {
		switch {
		case errors.Is(err, ErrOverloaded):
			SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, err.Error())
			return
		case errors.Is(err, hooks.ErrEventMalformed):
			SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
			return
		}
		SendError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	SendJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "type": string(ev.Type)})
}

// ListRecovery returns every session currently in recovery.
func (h *Recovery) ListRecovery(w http.ResponseWriter, _ *http.Request) {
	snaps := h.Snapshots.Snapshots()
	if snaps == nil {
		snaps = []recovery.Snapshot{}
	}
	SendJSON(w, http.StatusOK, RecoveryList{Sessions: snaps, Count: len(snaps)})
}

// GetRecovery returns one session's recovery state, or 404 when idle.
func (h *Recovery) GetRecovery(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["sessionID"]
	snap, ok := h.Snapshots.Snapshot(id)
	if !ok {
		SendError(w, http.StatusNotFound, ErrCodeNotFound, "session is not in recovery")
		return
	}
	SendJSON(w, http.StatusOK, snap)
}

// GetJournal returns a session's persisted recovery steps.
func (h *Recovery) GetJournal(w http.ResponseWriter, r *http.Request) {
	if h.Journal == nil {
		SendError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "journal disabled")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			SendError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	id := mux.Vars(r)["sessionID"]
	entries, err := h.Journal.List(r.Context(), id, limit)
	if err != nil {
		SendError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if entries == nil {
		entries = []*storage.JournalEntry{}
	}
	SendJSON(w, http.StatusOK, JournalList{SessionID: id, Entries: entries})
}
