package hooks

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_Execute_EmptyHandlers(t *testing.T) {
	e := NewExecutor()

	result := e.Execute(context.Background(), nil, NewContext(HookSessionIdle))
	if !result.Continue {
		t.Error("expected Continue=true for empty handlers")
	}
}

func TestExecutor_Execute_ChainInterruption(t *testing.T) {
	e := NewExecutor()
	secondCalled := false

	handlers := []*Handler{
		{
			ID:      "first",
			Enabled: true,
			Handler: func(ctx context.Context, hookCtx *Context) (*Result, error) {
				return StopResult(), nil
			},
		},
		{
			ID:      "second",
			Enabled: true,
			Handler: func(ctx context.Context, hookCtx *Context) (*Result, error) {
				secondCalled = true
				return ContinueResult(), nil
			},
		},
	}

	result := e.Execute(context.Background(), handlers, NewContext(HookToolBefore))
	assert.False(t, result.Continue)
	assert.False(t, secondCalled, "chain should stop after first handler")
}

func TestExecutor_Execute_SkipsDisabled(t *testing.T) {
	e := NewExecutor()
	called := false

	handlers := []*Handler{{
		ID:      "off",
		Enabled: false,
		Handler: func(ctx context.Context, hookCtx *Context) (*Result, error) {
			called = true
			return ContinueResult(), nil
		},
	}}

	e.Execute(context.Background(), handlers, NewContext(HookSessionIdle))
	assert.False(t, called)
}

func TestExecutor_Execute_MergesModifiedData(t *testing.T) {
	e := NewExecutor()
	hookCtx := NewContext(HookSessionError)
	var seen any

	handlers := []*Handler{
		{
			ID:      "tagger",
			Enabled: true,
			Handler: func(ctx context.Context, hookCtx *Context) (*Result, error) {
				return ModifiedResult(map[string]any{"token_limit": true}), nil
			},
		},
		{
			ID:      "reader",
			Enabled: true,
			Handler: func(ctx context.Context, hookCtx *Context) (*Result, error) {
				seen, _ = hookCtx.GetData("token_limit")
				return ContinueResult(), nil
			},
		},
	}

	result := e.Execute(context.Background(), handlers, hookCtx)
	assert.True(t, result.Modified)
	assert.Equal(t, true, result.Data["token_limit"])
	assert.Equal(t, true, seen, "later handlers see earlier modifications")
}

func TestExecutor_Execute_ErrorDoesNotStopChain(t *testing.T) {
	e := NewExecutor()
	secondCalled := false

	handlers := []*Handler{
		{
			ID:      "failing",
			Enabled: true,
			Handler: func(ctx context.Context, hookCtx *Context) (*Result, error) {
				return nil, errors.New("boom")
			},
		},
		{
			ID:      "second",
			Enabled: true,
			Handler: func(ctx context.Context, hookCtx *Context) (*Result, error) {
				secondCalled = true
				return ContinueResult(), nil
			},
		},
	}

	result := e.Execute(context.Background(), handlers, NewContext(HookSessionIdle))
	assert.True(t, result.Continue)
	assert.True(t, secondCalled)
}

func TestExecutor_Execute_ErrorResultStopsChain(t *testing.T) {
	e := NewExecutor()
	blocked := errors.New("blocked")

	handlers := []*Handler{{
		ID:      "guard",
		Enabled: true,
		Handler: func(ctx context.Context, hookCtx *Context) (*Result, error) {
			return ErrorResult(blocked), blocked
		},
	}}

	result := e.Execute(context.Background(), handlers, NewContext(HookToolBefore))
	assert.False(t, result.Continue)
	assert.ErrorIs(t, result.Error, blocked)
}

func TestExecutor_Execute_PanicRecovery(t *testing.T) {
	e := NewExecutor()
	afterCalled := false

	handlers := []*Handler{
		{
			ID:      "panicker",
			Enabled: true,
			Handler: func(ctx context.Context, hookCtx *Context) (*Result, error) {
				panic("handler exploded")
			},
		},
		{
			ID:      "after",
			Enabled: true,
			Handler: func(ctx context.Context, hookCtx *Context) (*Result, error) {
				afterCalled = true
				return ContinueResult(), nil
			},
		},
	}

	require.NotPanics(t, func() {
		result := e.Execute(context.Background(), handlers, NewContext(HookSessionIdle))
		assert.True(t, result.Continue)
	})
	assert.True(t, afterCalled)
}

func TestExecutor_ExecuteHandler_PanicError(t *testing.T) {
	e := NewExecutor()
	handler := &Handler{
		ID: "p",
		Handler: func(ctx context.Context, hookCtx *Context) (*Result, error) {
			panic("nope")
		},
	}

	_, err := e.run(context.Background(), handler, NewContext(HookSessionIdle))
	assert.ErrorIs(t, err, ErrHandlerPanic)
}

func TestExecutor_PanicRecoveryDisabled(t *testing.T) {
	e := NewExecutor(WithPanicRecovery(false))
	handler := &Handler{
		ID:      "p",
		Enabled: true,
		Handler: func(ctx context.Context, hookCtx *Context) (*Result, error) {
			panic("nope")
		},
	}

	assert.Panics(t, func() {
		e.Execute(context.Background(), []*Handler{handler}, NewContext(HookSessionIdle))
	})
}

func TestExecutor_HandlerTimeout(t *testing.T) {
	e := NewExecutor()
	handler := &Handler{
		ID:      "slow",
		Enabled: true,
		Timeout: 10 * time.Millisecond,
		Handler: func(ctx context.Context, hookCtx *Context) (*Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	_, err := e.run(context.Background(), handler, NewContext(HookSessionIdle))
	assert.ErrorIs(t, err, ErrHandlerTimeout)
}

func TestExecutor_LogsToConfiguredLogger(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf)
	e := NewExecutor(WithExecutorLogger(&l))

	handlers := []*Handler{{
		ID:      "failing",
		Enabled: true,
		Handler: func(ctx context.Context, hookCtx *Context) (*Result, error) {
			return nil, errors.New("boom")
		},
	}}

	e.Execute(context.Background(), handlers, NewContext(HookSessionIdle).WithSession(&SessionContext{ID: "ses_1"}))
	assert.Contains(t, buf.String(), `"handler_id":"failing"`)
	assert.Contains(t, buf.String(), `"session_id":"ses_1"`)
}

func TestExecutor_ModifiedWithoutDataIsIgnored(t *testing.T) {
	e := NewExecutor()
	handlers := []*Handler{{
		ID:      "empty",
		Enabled: true,
		Handler: func(ctx context.Context, hookCtx *Context) (*Result, error) {
			return &Result{Continue: true, Modified: true}, nil
		},
	}}

	result := e.Execute(context.Background(), handlers, NewContext(HookSessionIdle))
	assert.False(t, result.Modified)
}
