package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Task is a unit of work queued for a session.
type Task struct {
	SessionID string
	Fn        func(context.Context) error
	Ctx       context.Context
	Cancel    context.CancelFunc
	Result    chan error
}

func (t *Task) finish(err error) {
	t.Cancel()
	t.Result <- err
	close(t.Result)
}

type sessionQueue struct {
	tasks     chan *Task
	current   atomic.Pointer[Task]
	closeCh   chan struct{}
	closeOnce sync.Once
	closed    bool // guarded by RunQueue.mu
}

func (sq *sessionQueue) close() {
	sq.closeOnce.Do(func() { close(sq.closeCh) })
}

// RunQueue provides per-session FIFO execution queues. Tasks for the same
// session run one at a time in arrival order; different sessions run in
// parallel. A session's worker exits after idleTimeout without work.
type RunQueue struct {
	mu          sync.Mutex
	queues      map[string]*sessionQueue
	wg          sync.WaitGroup
	closed      atomic.Bool
	idleTimeout time.Duration
	queueSize   int
	logger      zerolog.Logger
}

// NewRunQueue creates a new RunQueue.
func NewRunQueue(queueSize int, idleTimeout time.Duration) *RunQueue {
	if queueSize <= 0 {
		queueSize = 100
	}
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	return &RunQueue{
		queues:      make(map[string]*sessionQueue),
		queueSize:   queueSize,
		idleTimeout: idleTimeout,
		logger:      log.With().Str("component", "run_queue").Logger(),
	}
}

// SetLogger replaces the logger used for task panics. Call before use.
func (rq *RunQueue) SetLogger(logger zerolog.Logger) {
	rq.logger = logger
}

// Enqueue adds a task to the session's queue and returns a channel that
// receives its error. It never blocks: a full queue yields ErrQueueFull.
func (rq *RunQueue) Enqueue(ctx context.Context, sessionID string, fn func(context.Context) error) (<-chan error, error) {
	if rq.closed.Load() {
		return nil, ErrQueueClosed
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	taskCtx, cancel := context.WithCancel(ctx)
	task := &Task{
		SessionID: sessionID,
		Fn:        fn,
		Ctx:       taskCtx,
		Cancel:    cancel,
		Result:    make(chan error, 1),
	}

	rq.mu.Lock()
	defer rq.mu.Unlock()

	if rq.closed.Load() {
		cancel()
		return nil, ErrQueueClosed
	}

	sq := rq.queueLocked(sessionID)
	if sq.closed {
		cancel()
		return nil, ErrSessionClosed
	}

	select {
	case sq.tasks <- task:
		return task.Result, nil
	default:
		cancel()
		return nil, ErrQueueFull
	}
}

// Go enqueues fn and discards its result.
func (rq *RunQueue) Go(ctx context.Context, sessionID string, fn func(context.Context)) error {
	_, err := rq.Enqueue(ctx, sessionID, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
	return err
}

// queueLocked returns the session's queue, starting a worker if needed.
func (rq *RunQueue) queueLocked(sessionID string) *sessionQueue {
	if sq, ok := rq.queues[sessionID]; ok {
		return sq
	}

	sq := &sessionQueue{
		tasks:   make(chan *Task, rq.queueSize),
		closeCh: make(chan struct{}),
	}
	rq.queues[sessionID] = sq

	rq.wg.Add(1)
	go rq.worker(sessionID, sq)

	return sq
}

func (rq *RunQueue) worker(sessionID string, sq *sessionQueue) {
	defer rq.wg.Done()

	idleTimer := time.NewTimer(rq.idleTimeout)
	defer idleTimer.Stop()

	for {
		select {
		case task := <-sq.tasks:
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			rq.run(sq, task)
			idleTimer.Reset(rq.idleTimeout)

		case <-idleTimer.C:
			rq.mu.Lock()
			if len(sq.tasks) > 0 {
				rq.mu.Unlock()
				idleTimer.Reset(rq.idleTimeout)
				continue
			}
			rq.removeLocked(sessionID, sq)
			rq.mu.Unlock()
			return

		case <-sq.closeCh:
			rq.mu.Lock()
			rq.removeLocked(sessionID, sq)
			rq.mu.Unlock()
			for {
				select {
				case task := <-sq.tasks:
					task.finish(ErrRunCancelled)
				default:
					return
				}
			}
		}
	}
}

func (rq *RunQueue) run(sq *sessionQueue, task *Task) {
	sq.current.Store(task)
	defer sq.current.Store(nil)

	if task.Ctx.Err() != nil {
		task.finish(task.Ctx.Err())
		return
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				rq.logger.Error().
					Str("session_id", task.SessionID).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("run queue task panicked")
				err = ErrRunCancelled
			}
		}()
		err = task.Fn(task.Ctx)
	}()
	task.finish(err)
}

func (rq *RunQueue) removeLocked(sessionID string, sq *sessionQueue) {
	sq.closed = true
	if rq.queues[sessionID] == sq {
		delete(rq.queues, sessionID)
	}
}

// Cancel stops the session's worker. The running task's context is
// cancelled and queued tasks complete with ErrRunCancelled.
func (rq *RunQueue) Cancel(sessionID string) {
	rq.mu.Lock()
	sq, ok := rq.queues[sessionID]
	if ok {
		rq.removeLocked(sessionID, sq)
	}
	rq.mu.Unlock()

	if !ok {
		return
	}
	if task := sq.current.Load(); task != nil {
		task.Cancel()
	}
	sq.close()
}

// Pending returns the number of queued tasks for a session.
func (rq *RunQueue) Pending(sessionID string) int {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	if sq, ok := rq.queues[sessionID]; ok {
		return len(sq.tasks)
	}
	return 0
}

// ActiveSessions returns the number of sessions with live workers.
func (rq *RunQueue) ActiveSessions() int {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return len(rq.queues)
}

// Shutdown stops accepting work, cancels every session and waits for the
// workers to exit or ctx to end.
func (rq *RunQueue) Shutdown(ctx context.Context) error {
	rq.closed.Store(true)

	rq.mu.Lock()
	queues := make([]*sessionQueue, 0, len(rq.queues))
	for id, sq := range rq.queues {
		rq.removeLocked(id, sq)
		queues = append(queues, sq)
	}
	rq.mu.Unlock()

	for _, sq := range queues {
		if task := sq.current.Load(); task != nil {
			task.Cancel()
		}
		sq.close()
	}

	done := make(chan struct{})
	go func() {
		rq.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
