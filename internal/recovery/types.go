// Package recovery detects context-overflow failures reported by the host runtime
// and drives each affected session back to a usable state by compacting it,
// retrying with backoff, and trimming the latest exchange when compaction keeps failing.
package recovery

import (
	"time"
)

// ErrorTypeTokenLimit is the category used when the provider did not report one.
const ErrorTypeTokenLimit = "token_limit_exceeded"

// TokenLimitError is the normalized form of a provider's "context too long" rejection.
type TokenLimitError struct {
	CurrentTokens int    `json:"current_tokens"`
	MaxTokens     int    `json:"max_tokens"`
	RequestID     string `json:"request_id,omitempty"`
	ErrorType     string `json:"error_type"`
	ProviderID    string `json:"provider_id,omitempty"`
	ModelID       string `json:"model_id,omitempty"`
}

// WithModel returns a copy enriched with provider and model identifiers.
// Empty arguments keep the values already present.
func (e TokenLimitError) WithModel(providerID, modelID string) TokenLimitError {
	if providerID != "" {
		e.ProviderID = providerID
	}
	if modelID != "" {
		e.ModelID = modelID
	}
	return e
}

// HasModel reports whether both provider and model are known.
func (e TokenLimitError) HasModel() bool {
	return e.ProviderID != "" && e.ModelID != ""
}

// RetryState tracks compaction attempts for one session.
type RetryState struct {
	Attempt         int       `json:"attempt"`
	LastAttemptTime time.Time `json:"last_attempt_time"`
}

// FallbackState tracks history trims for one session.
type FallbackState struct {
	RevertAttempt         int    `json:"revert_attempt"`
	LastRevertedMessageID string `json:"last_reverted_message_id,omitempty"`
}

// Phase is where a session sits in the recovery state machine.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhasePending        Phase = "pending"
	PhaseCompacting     Phase = "compacting"
	PhaseRetryScheduled Phase = "retry_scheduled"
	PhaseReverting      Phase = "reverting"
)

// Role values used by the host for message authors.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MessageInfo is the metadata the host attaches to every stored message.
type MessageInfo struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionID"`
	Role       string    `json:"role"`
	ProviderID string    `json:"providerID,omitempty"`
	ModelID    string    `json:"modelID,omitempty"`
	Summary    bool      `json:"summary,omitempty"`
	Error      any       `json:"error,omitempty"`
	Created    time.Time `json:"-"`
}

// Message is one entry of a session's ordered history.
type Message struct {
	Info MessageInfo `json:"info"`
}

// Snapshot is a read-only copy of a session's recovery state.
type Snapshot struct {
	SessionID string           `json:"session_id"`
	Phase     Phase            `json:"phase"`
	Error     *TokenLimitError `json:"error,omitempty"`
	Retry     *RetryState      `json:"retry,omitempty"`
	Fallback  *FallbackState   `json:"fallback,omitempty"`
}
