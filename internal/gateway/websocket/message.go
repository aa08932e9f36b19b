// Package websocket pushes recovery activity to dashboard clients.
package websocket

import (
	"salvage/internal/recovery"
)

// WSMessage is the envelope for every message on the socket.
type WSMessage struct {
	Type    string `json:"type"`
	Session string `json:"session,omitempty"`
	Path    string `json:"path,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	Toast    *ToastPayload      `json:"toast,omitempty"`
	Step     *StepPayload       `json:"step,omitempty"`
	Snapshot *recovery.Snapshot `json:"snapshot,omitempty"`
}

// ToastPayload mirrors a toast shown to the user.
type ToastPayload struct {
	Title      string `json:"title"`
	Message    string `json:"message"`
	Severity   string `json:"severity"`
	DurationMS int64  `json:"duration_ms"`
}

// StepPayload is a recovery step as pushed to clients.
type StepPayload struct {
	Kind          string `json:"kind"`
	Time          string `json:"time"`
	Attempt       int    `json:"attempt,omitempty"`
	RevertAttempt int    `json:"revert_attempt,omitempty"`
	DelayMS       int64  `json:"delay_ms,omitempty"`
	DurationMS    int64  `json:"duration_ms,omitempty"`
	MessageID     string `json:"message_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// BroadcastMessage wraps a message with its target session.
type BroadcastMessage struct {
	Session string
	Data    []byte
}

// AllSessions subscribes a client to every session.
const AllSessions = "*"

// Message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeSnapshot    = "snapshot"
	TypeToast       = "toast"
	TypeRecovery    = "recovery"
	TypeReload      = "reload"
	TypeError       = "error"
)
