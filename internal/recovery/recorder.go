package recovery

import (
	"context"
	"time"
)

// StepKind names a transition of the recovery state machine.
type StepKind string

const (
	StepDetected       StepKind = "detected"
	StepCompacting     StepKind = "compacting"
	StepCompacted      StepKind = "compacted"
	StepRetryScheduled StepKind = "retry_scheduled"
	StepReverted       StepKind = "reverted"
	StepRevertFailed   StepKind = "revert_failed"
	StepFailed         StepKind = "failed"
	StepAbandoned      StepKind = "abandoned"
	StepPurged         StepKind = "purged"
	StepResubmitted    StepKind = "resubmitted"
)

// AllStepKinds returns every step kind.
func AllStepKinds() []StepKind {
	return []StepKind{
		StepDetected,
		StepCompacting,
		StepCompacted,
		StepRetryScheduled,
		StepReverted,
		StepRevertFailed,
		StepFailed,
		StepAbandoned,
		StepPurged,
		StepResubmitted,
	}
}

// Step describes one transition, for metrics and the journal.
type Step struct {
	SessionID     string
	Kind          StepKind
	Time          time.Time
	Attempt       int
	RevertAttempt int
	Delay         time.Duration
	Duration      time.Duration
	MessageID     string
	Error         *TokenLimitError
	Reason        string
}

// Recorder observes recovery steps. Implementations must not block for long
// and must not call back into the controller.
type Recorder interface {
	Record(ctx context.Context, step Step)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, step Step)

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, step Step) {
	f(ctx, step)
}

// Recorders fans a step out to several recorders.
type Recorders []Recorder

// Record implements Recorder.
func (rs Recorders) Record(ctx context.Context, step Step) {
	for _, r := range rs {
		if r != nil {
			r.Record(ctx, step)
		}
	}
}
