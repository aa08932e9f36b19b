package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"salvage/internal/recovery"

	"github.com/rs/zerolog/log"
)

// Backoff for a deferred step that fires into a full session queue.
const (
	requeueInitialDelay = 50 * time.Millisecond
	requeueMaxDelay     = 5 * time.Second
)

// Timers arms deferred recovery callbacks and runs them on the session's
// run queue, so they never interleave with event handling for that session.
// A callback that fires while the queue is full is re-armed until it is
// accepted, stopped, or the scheduler's context ends.
type Timers struct {
	ctx   context.Context
	queue *RunQueue
}

// NewTimers creates a scheduler whose callbacks run on queue with ctx.
// Callbacks that fire after ctx is done are dropped.
func NewTimers(ctx context.Context, queue *RunQueue) *Timers {
	return &Timers{ctx: ctx, queue: queue}
}

// Schedule implements recovery.Scheduler.
func (t *Timers) Schedule(sessionID string, delay time.Duration, fn func(ctx context.Context)) recovery.Timer {
	d := &deferredStep{timers: t, sessionID: sessionID, fn: fn}
	d.mu.Lock()
	d.timer = time.AfterFunc(delay, d.fire)
	d.mu.Unlock()
	return d
}

// deferredStep is one scheduled callback, possibly re-armed several times.
type deferredStep struct {
	timers    *Timers
	sessionID string
	fn        func(ctx context.Context)

	mu      sync.Mutex
	timer   *time.Timer
	backoff time.Duration
	retries int
	done    bool // stopped, enqueued, or abandoned
}

func (d *deferredStep) fire() {
	ctx := d.timers.ctx
	if ctx.Err() != nil {
		d.finish()
		return
	}

	d.mu.Lock()
	if d.done {
		d.mu.Unlock()
		return
	}
	err := d.timers.queue.Go(ctx, d.sessionID, d.fn)
	switch {
	case err == nil:
		d.done = true
		if d.retries > 0 {
			log.Debug().Str("session_id", d.sessionID).Int("requeues", d.retries).Msg("deferred recovery step queued")
		}
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrSessionClosed):
		// A closed session queue is one being reaped; the next Go starts a fresh worker.
		d.retries++
		d.backoff = nextRequeueDelay(d.backoff)
		d.timer = time.AfterFunc(d.backoff, d.fire)
		if d.retries == 1 {
			log.Warn().Err(err).Str("session_id", d.sessionID).Dur("retry_in", d.backoff).Msg("session queue busy, deferring recovery step")
		}
	default:
		d.done = true
		log.Debug().Err(err).Str("session_id", d.sessionID).Msg("deferred recovery step not run")
	}
	d.mu.Unlock()
}

func (d *deferredStep) finish() {
	d.mu.Lock()
	d.done = true
	d.mu.Unlock()
}

// Stop implements recovery.Timer. It reports false once the step has been
// handed to the run queue or was already stopped.
func (d *deferredStep) Stop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return false
	}
	d.done = true
	d.timer.Stop()
	return true
}

func nextRequeueDelay(prev time.Duration) time.Duration {
	if prev <= 0 {
		return requeueInitialDelay
	}
	if next := 2 * prev; next < requeueMaxDelay {
		return next
	}
	return requeueMaxDelay
}
