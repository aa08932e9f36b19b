package hooks

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_RegisterAndTrigger(t *testing.T) {
	m := NewManager()

	var gotSession string
	handler := &Handler{
		ID:      "test",
		Enabled: true,
		Handler: func(ctx context.Context, hookCtx *Context) (*Result, error) {
			gotSession = hookCtx.SessionID()
			return ContinueResult(), nil
		},
	}
	require.NoError(t, m.Register(HookSessionIdle, handler))

	result, err := m.TriggerSessionIdle(context.Background(), "ses_1")
	require.NoError(t, err)
	assert.True(t, result.Continue)
	assert.Equal(t, "ses_1", gotSession)
}

func TestManager_TriggerInvalidHookType(t *testing.T) {
	m := NewManager()

	_, err := m.Trigger(context.Background(), &Context{Type: HookType("invalid")})
	assert.ErrorIs(t, err, ErrHookTypeInvalid)
}

func TestManager_TriggerNilContext(t *testing.T) {
	m := NewManager()

	result, err := m.Trigger(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, result.Continue)
}

func TestManager_Dispatch(t *testing.T) {
	m := NewManager()

	var mu sync.Mutex
	var seen []HookType
	record := &Handler{
		ID:      "recorder",
		Enabled: true,
		Handler: func(ctx context.Context, hookCtx *Context) (*Result, error) {
			mu.Lock()
			seen = append(seen, hookCtx.Type)
			mu.Unlock()
			return ContinueResult(), nil
		},
	}
	require.NoError(t, m.RegisterAll(record, HookSessionError, HookSessionIdle))

	for _, raw := range []string{
		`{"type":"session.error","properties":{"sessionID":"s","error":"x"}}`,
		`{"type":"session.idle","properties":{"sessionID":"s"}}`,
		`{"type":"session.created","properties":{"info":{"id":"s"}}}`,
	} {
		ev, err := DecodeEvent([]byte(raw))
		require.NoError(t, err)
		_, err = m.Dispatch(context.Background(), ev)
		require.NoError(t, err)
	}

	assert.Equal(t, []HookType{HookSessionError, HookSessionIdle}, seen)

	_, err := m.Dispatch(context.Background(), Event{Type: "file.edited"})
	assert.ErrorIs(t, err, ErrHookTypeInvalid)
}

func TestManager_RegisterAll_StopsOnError(t *testing.T) {
	m := NewManager()
	h := &Handler{ID: "h", Enabled: true}

	err := m.RegisterAll(h, HookSessionIdle, HookType("bogus"), HookSessionError)
	assert.ErrorIs(t, err, ErrHookTypeInvalid)
	assert.True(t, m.HasHandlers(HookSessionIdle))
	assert.False(t, m.HasHandlers(HookSessionError))
}

func TestManager_SetEnabled(t *testing.T) {
	m := NewManager()
	calls := 0
	require.NoError(t, m.Register(HookSessionDeleted, &Handler{
		ID:      "counter",
		Enabled: true,
		Handler: func(ctx context.Context, hookCtx *Context) (*Result, error) {
			calls++
			return ContinueResult(), nil
		},
	}))

	_, _ = m.TriggerSessionDeleted(context.Background(), "s")
	require.NoError(t, m.SetEnabled(HookSessionDeleted, "counter", false))
	_, _ = m.TriggerSessionDeleted(context.Background(), "s")

	assert.Equal(t, 1, calls)
}

func TestManager_TriggerHelpers(t *testing.T) {
	m := NewManager()
	var got *Context
	capture := &Handler{
		ID:      "capture",
		Enabled: true,
		Handler: func(ctx context.Context, hookCtx *Context) (*Result, error) {
			got = hookCtx
			return ContinueResult(), nil
		},
	}
	require.NoError(t, m.RegisterAll(capture, AllHookTypes()...))
	ctx := context.Background()

	_, err := m.TriggerSessionError(ctx, "s1", "raw")
	require.NoError(t, err)
	assert.Equal(t, "raw", got.Error.Raw)

	_, err = m.TriggerMessageUpdated(ctx, &MessageContext{ID: "m", SessionID: "s2", Role: "assistant"})
	require.NoError(t, err)
	assert.Equal(t, "s2", got.SessionID())

	_, err = m.TriggerStartup(ctx)
	require.NoError(t, err)
	assert.Equal(t, HookStartup, got.Type)

	_, err = m.TriggerShutdown(ctx)
	require.NoError(t, err)
	assert.Equal(t, HookShutdown, got.Type)

	assert.Len(t, m.AllHandlers(), len(AllHookTypes()))
	require.NoError(t, m.Close())
	assert.False(t, m.HasHandlers(HookStartup))
}

func TestManager_WithExecutor(t *testing.T) {
	m := NewManager(WithExecutor(NewExecutor(WithPanicRecovery(false))))
	require.NoError(t, m.Register(HookSessionIdle, &Handler{
		ID:      "p",
		Enabled: true,
		Handler: func(ctx context.Context, hookCtx *Context) (*Result, error) {
			panic("unrecovered")
		},
	}))

	assert.Panics(t, func() {
		_, _ = m.TriggerSessionIdle(context.Background(), "ses_1")
	})
}
