package hostapi

import "errors"

// Host API errors.
var (
	// ErrUnexpectedStatus is returned when the host answers with a non-2xx status.
	ErrUnexpectedStatus = errors.New("hostapi: unexpected status")

	// ErrIncompatibleHost is returned when the host version is below the configured minimum.
	ErrIncompatibleHost = errors.New("hostapi: incompatible host version")

	// ErrUnhealthy is returned when the host reports itself unhealthy.
	ErrUnhealthy = errors.New("hostapi: host unhealthy")

	// ErrStreamClosed is returned when the event stream ends.
	ErrStreamClosed = errors.New("hostapi: event stream closed")
)
