// Package cron runs periodic maintenance jobs.
package cron

import (
	"errors"
	"fmt"
)

// Sentinel errors for cron operations.
var (
	// ErrJobNotFound indicates the requested job does not exist.
	ErrJobNotFound = errors.New("cron: job not found")

	// ErrJobExists indicates a job with the same name already exists.
	ErrJobExists = errors.New("cron: job already exists")

	// ErrJobRunning indicates the previous run of a job has not finished.
	ErrJobRunning = errors.New("cron: job already running")
)

// InvalidScheduleError indicates an invalid cron schedule expression.
type InvalidScheduleError struct {
	Schedule string
	Cause    error
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("cron: invalid schedule '%s': %v", e.Schedule, e.Cause)
}

func (e *InvalidScheduleError) Unwrap() error {
	return e.Cause
}
