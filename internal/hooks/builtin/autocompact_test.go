package builtin

import (
	"context"
	"sync"
	"testing"
	"time"

	"salvage/internal/hooks"
	"salvage/internal/recovery"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecovery struct {
	mu       sync.Mutex
	calls    []string
	errors   []any
	messages []recovery.MessageInfo
}

func (f *fakeRecovery) HandleSessionError(_ context.Context, sessionID string, raw any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "error:"+sessionID)
	f.errors = append(f.errors, raw)
	return recovery.IsTokenLimit(raw)
}

func (f *fakeRecovery) HandleMessageUpdated(_ context.Context, info recovery.MessageInfo) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "message:"+info.SessionID)
	f.messages = append(f.messages, info)
	return info.Role == recovery.RoleAssistant && recovery.IsTokenLimit(info.Error)
}

func (f *fakeRecovery) HandleSessionIdle(_ context.Context, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "idle:"+sessionID)
}

func (f *fakeRecovery) HandleSessionDeleted(_ context.Context, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "deleted:"+sessionID)
}

func dispatch(t *testing.T, m *hooks.Manager, raw string) *hooks.Result {
	t.Helper()
	ev, err := hooks.DecodeEvent([]byte(raw))
	require.NoError(t, err)
	result, err := m.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	return result
}

func TestAutoCompactHook_RoutesEvents(t *testing.T) {
	m := hooks.NewManager()
	rec := &fakeRecovery{}
	require.NoError(t, RegisterAutoCompactHooks(m, rec, 0))

	result := dispatch(t, m, `{"type":"session.error","properties":{"sessionID":"ses_1","error":{"name":"APIError","data":{"message":"prompt is too long: 210000 tokens > 200000 maximum"}}}}`)
	assert.True(t, result.Modified)
	assert.Equal(t, true, result.Data["token_limit"])

	result = dispatch(t, m, `{"type":"message.updated","properties":{"info":{"id":"msg_1","sessionID":"ses_1","role":"assistant","providerID":"anthropic","modelID":"claude","error":"prompt is too long: 3 tokens > 2 maximum"}}}`)
	assert.True(t, result.Modified)

	result = dispatch(t, m, `{"type":"message.updated","properties":{"info":{"id":"msg_2","sessionID":"ses_1","role":"user"}}}`)
	assert.False(t, result.Modified)

	dispatch(t, m, `{"type":"session.idle","properties":{"sessionID":"ses_1"}}`)
	dispatch(t, m, `{"type":"session.deleted","properties":{"info":{"id":"ses_1"}}}`)
	dispatch(t, m, `{"type":"session.created","properties":{"info":{"id":"ses_2"}}}`)

	assert.Equal(t, []string{
		"error:ses_1",
		"message:ses_1",
		"message:ses_1",
		"idle:ses_1",
		"deleted:ses_1",
	}, rec.calls)

	require.Len(t, rec.messages, 2)
	assert.Equal(t, "anthropic", rec.messages[0].ProviderID)
	assert.Equal(t, "claude", rec.messages[0].ModelID)
	assert.Equal(t, "msg_1", rec.messages[0].ID)
}

// deadlineRecovery records whether idle handling ran under a deadline.
type deadlineRecovery struct {
	fakeRecovery
	deadline time.Time
	bounded  bool
}

func (d *deadlineRecovery) HandleSessionIdle(ctx context.Context, sessionID string) {
	d.deadline, d.bounded = ctx.Deadline()
	d.fakeRecovery.HandleSessionIdle(ctx, sessionID)
}

func TestAutoCompactHook_HandlerTimeout(t *testing.T) {
	m := hooks.NewManager()
	rec := &deadlineRecovery{}
	require.NoError(t, RegisterAutoCompactHooks(m, rec, time.Minute))

	for _, ht := range AutoCompactHookTypes() {
		handlers := m.ListHandlers(ht)
		require.Len(t, handlers, 1)
		assert.Equal(t, time.Minute, handlers[0].Timeout, ht)
	}

	start := time.Now()
	dispatch(t, m, `{"type":"session.idle","properties":{"sessionID":"ses_1"}}`)
	require.True(t, rec.bounded, "controller call runs under the handler timeout")
	assert.WithinDuration(t, start.Add(time.Minute), rec.deadline, 5*time.Second)
	assert.Equal(t, []string{"idle:ses_1"}, rec.calls)
}

func TestAutoCompactHook_IgnoresEmptyPayloads(t *testing.T) {
	rec := &fakeRecovery{}
	hook := NewAutoCompactHook(rec)
	handler := hook.Handler("ac")

	for _, ht := range []hooks.HookType{hooks.HookSessionError, hooks.HookMessageUpdated} {
		result, err := handler.Handler(context.Background(), hooks.NewContext(ht))
		require.NoError(t, err)
		assert.True(t, result.Continue)
	}
	assert.Empty(t, rec.calls)
}

func TestAutoCompactHook_Handler(t *testing.T) {
	handler := NewAutoCompactHook(&fakeRecovery{}).Handler("builtin:autocompact")

	assert.Equal(t, "builtin:autocompact", handler.ID)
	assert.Equal(t, 50, handler.Priority)
	assert.True(t, handler.Enabled)
	assert.Len(t, AutoCompactHookTypes(), 4)
}

func TestMessageInfo(t *testing.T) {
	info := MessageInfo(&hooks.MessageContext{
		ID:         "m",
		SessionID:  "s",
		Role:       "assistant",
		ProviderID: "p",
		ModelID:    "x",
		Summary:    true,
		Error:      "e",
	})

	assert.Equal(t, recovery.MessageInfo{
		ID:         "m",
		SessionID:  "s",
		Role:       "assistant",
		ProviderID: "p",
		ModelID:    "x",
		Summary:    true,
		Error:      "e",
	}, info)
}
