// Package scheduler serializes per-session work and tracks the host
// sessions salvage has seen.
package scheduler

import (
	"errors"
	"time"
)

// Sentinel errors for the scheduler package.
var (
	// ErrSessionNotFound is returned when a session is not tracked.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed is returned when enqueueing onto a cancelled session queue.
	ErrSessionClosed = errors.New("session closed")

	// ErrQueueFull is returned when a session queue is at capacity.
	ErrQueueFull = errors.New("run queue full")

	// ErrQueueClosed is returned after Shutdown.
	ErrQueueClosed = errors.New("run queue closed")

	// ErrRunCancelled is reported for tasks dropped by Cancel or Shutdown,
	// and for tasks that panicked.
	ErrRunCancelled = errors.New("run cancelled")
)

// SessionInfo is what salvage knows about a host session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Directory string    `json:"directory,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`

	// LastSeen is when the latest event for the session arrived.
	LastSeen time.Time `json:"last_seen"`

	// Events counts the events observed for the session.
	Events int64 `json:"events"`
}
