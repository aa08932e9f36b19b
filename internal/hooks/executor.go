package hooks

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Executor runs a handler chain for one event.
//
// Handlers run in the order given. A handler error is logged and the chain
// moves on unless the handler also returned a stop result. Data from
// modifying handlers is merged into the final result and copied onto the
// context so later handlers can read it.
type Executor struct {
	recoverPanic bool
	logger       *zerolog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithPanicRecovery controls whether handler panics are turned into errors.
func WithPanicRecovery(enabled bool) ExecutorOption {
	return func(e *Executor) { e.recoverPanic = enabled }
}

// WithExecutorLogger sets the logger for handler failures.
func WithExecutorLogger(l *zerolog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor returns an executor that recovers panics by default.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{recoverPanic: true, logger: &log.Logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs handlers against hookCtx and returns the merged result.
func (e *Executor) Execute(ctx context.Context, handlers []*Handler, hookCtx *Context) *Result {
	final := &Result{Continue: true, Data: map[string]any{}}

	for _, h := range handlers {
		if !h.Enabled {
			continue
		}

		res, err := e.run(ctx, h, hookCtx)
		stop := res != nil && !res.Continue

		if err != nil {
			e.logger.Error().
				Err(err).
				Str("handler_id", h.ID).
				Str("hook_type", string(hookCtx.Type)).
				Str("session_id", hookCtx.SessionID()).
				Msg("hook handler failed")
			if stop {
				final.Continue = false
				final.Error = err
				return final
			}
			continue
		}

		if res != nil && res.Modified {
			final.merge(hookCtx, res.Data)
		}
		if stop {
			final.Continue = false
			final.Error = res.Error
			e.logger.Debug().Str("handler_id", h.ID).Str("hook_type", string(hookCtx.Type)).Msg("hook chain stopped")
			return final
		}
	}
	return final
}

func (r *Result) merge(hookCtx *Context, data map[string]any) {
	if len(data) == 0 {
		return
	}
	r.Modified = true
	for k, v := range data {
		r.Data[k] = v
		hookCtx.SetData(k, v)
	}
}

// run calls one handler under its timeout, converting a panic into
// ErrHandlerPanic when recovery is on.
func (e *Executor) run(ctx context.Context, h *Handler, hookCtx *Context) (res *Result, err error) {
	if h.Handler == nil {
		return ContinueResult(), nil
	}
	if e.recoverPanic {
		defer func() {
			if p := recover(); p != nil {
				e.logger.Error().
					Str("handler_id", h.ID).
					Interface("panic", p).
					Bytes("stack", debug.Stack()).
					Msg("hook handler panicked")
				res, err = ContinueResult(), fmt.Errorf("%w: %s: %v", ErrHandlerPanic, h.ID, p)
			}
		}()
	}

	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	res, err = h.Handler(ctx, hookCtx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		err = fmt.Errorf("%w: %s after %s", ErrHandlerTimeout, h.ID, h.Timeout)
	}
	return res, err
}
