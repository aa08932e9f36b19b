package recovery

import (
	"context"
	"time"
)

// Timer is a pending deferred callback.
type Timer interface {
	// Stop prevents the callback from running. It returns false if the
	// callback already ran or was stopped.
	Stop() bool
}

// Scheduler arms one-shot callbacks on behalf of a session. Implementations
// decide which goroutine and context the callback runs with.
type Scheduler interface {
	Schedule(sessionID string, delay time.Duration, fn func(ctx context.Context)) Timer
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// AfterFuncScheduler runs callbacks on their own goroutine via time.AfterFunc.
// It does not serialize callbacks per session.
type AfterFuncScheduler struct {
	ctx context.Context
}

// NewAfterFuncScheduler creates a scheduler whose callbacks receive ctx.
func NewAfterFuncScheduler(ctx context.Context) *AfterFuncScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &AfterFuncScheduler{ctx: ctx}
}

// Schedule implements Scheduler.
func (s *AfterFuncScheduler) Schedule(_ string, delay time.Duration, fn func(ctx context.Context)) Timer {
	return time.AfterFunc(delay, func() {
		if s.ctx.Err() != nil {
			return
		}
		fn(s.ctx)
	})
}
