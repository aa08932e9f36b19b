package recovery

import (
	"context"
	"errors"
	"time"
)

// Severity is the toast variant understood by the host.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Toast is a user-facing notification.
type Toast struct {
	SessionID string        `json:"session_id,omitempty"`
	Title     string        `json:"title"`
	Message   string        `json:"message"`
	Severity  Severity      `json:"severity"`
	Duration  time.Duration `json:"-"`
}

// DurationMS returns the display duration in milliseconds.
func (t Toast) DurationMS() int64 {
	return t.Duration.Milliseconds()
}

// Notifier delivers toasts to the user.
type Notifier interface {
	ShowToast(ctx context.Context, toast Toast) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, toast Toast) error

// ShowToast implements Notifier.
func (f NotifierFunc) ShowToast(ctx context.Context, toast Toast) error {
	return f(ctx, toast)
}

// MultiNotifier fans a toast out to every notifier and joins their errors.
type MultiNotifier []Notifier

// ShowToast implements Notifier.
func (m MultiNotifier) ShowToast(ctx context.Context, toast Toast) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.ShowToast(ctx, toast); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
