package recovery

import "errors"

// Recovery errors.
var (
	// ErrNoMessagePair is returned when a session has no user message that can be trimmed.
	ErrNoMessagePair = errors.New("recovery: no eligible message pair")

	// ErrMissingModel is returned when a compaction attempt lacks provider or model.
	ErrMissingModel = errors.New("recovery: provider and model are required")

	// ErrNoClient is returned when the controller is built without a session client.
	ErrNoClient = errors.New("recovery: session client is required")

	// ErrSessionRequired is returned when an operation receives an empty session ID.
	ErrSessionRequired = errors.New("recovery: session ID is required")
)
