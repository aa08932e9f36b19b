package builtin

import (
	"context"
	"fmt"
	"time"

	"salvage/internal/hooks"
	"salvage/internal/recovery"
)

// RecoveryHandler is the part of the recovery controller driven by host events.
type RecoveryHandler interface {
	HandleSessionError(ctx context.Context, sessionID string, raw any) bool
	HandleMessageUpdated(ctx context.Context, info recovery.MessageInfo) bool
	HandleSessionIdle(ctx context.Context, sessionID string)
	HandleSessionDeleted(ctx context.Context, sessionID string)
}

// AutoCompactHook feeds overflow, idle and deletion events to the recovery controller.
type AutoCompactHook struct {
	recovery RecoveryHandler
	timeout  time.Duration
}

// NewAutoCompactHook creates the hook around a recovery controller.
func NewAutoCompactHook(r RecoveryHandler) *AutoCompactHook {
	return &AutoCompactHook{recovery: r}
}

// AutoCompactHookTypes are the events the hook acts on.
func AutoCompactHookTypes() []hooks.HookType {
	return []hooks.HookType{
		hooks.HookSessionError,
		hooks.HookMessageUpdated,
		hooks.HookSessionIdle,
		hooks.HookSessionDeleted,
	}
}

// Handler returns the hook handler.
func (h *AutoCompactHook) Handler(id string) *hooks.Handler {
	return &hooks.Handler{
		ID:          id,
		Priority:    50,
		Source:      "_builtin",
		Description: "Recovers sessions that exceeded the model's context window",
		Enabled:     true,
		Timeout:     h.timeout,
		Handler:     h.handle,
	}
}

func (h *AutoCompactHook) handle(ctx context.Context, hookCtx *hooks.Context) (*hooks.Result, error) {
	sessionID := hookCtx.SessionID()

	switch hookCtx.Type {
	case hooks.HookSessionError:
		if hookCtx.Error == nil {
			return hooks.ContinueResult(), nil
		}
		if h.recovery.HandleSessionError(ctx, sessionID, hookCtx.Error.Raw) {
			return hooks.ModifiedResult(map[string]any{"token_limit": true}), nil
		}

	case hooks.HookMessageUpdated:
		if hookCtx.Message == nil {
			return hooks.ContinueResult(), nil
		}
		if h.recovery.HandleMessageUpdated(ctx, MessageInfo(hookCtx.Message)) {
			return hooks.ModifiedResult(map[string]any{"token_limit": true}), nil
		}

	case hooks.HookSessionIdle:
		h.recovery.HandleSessionIdle(ctx, sessionID)

	case hooks.HookSessionDeleted:
		h.recovery.HandleSessionDeleted(ctx, sessionID)
	}

	return hooks.ContinueResult(), nil
}

// MessageInfo converts a hook message into the controller's message view.
func MessageInfo(m *hooks.MessageContext) recovery.MessageInfo {
	return recovery.MessageInfo{
		ID:         m.ID,
		SessionID:  m.SessionID,
		Role:       m.Role,
		ProviderID: m.ProviderID,
		ModelID:    m.ModelID,
		Summary:    m.Summary,
		Error:      m.Error,
	}
}

// RegisterAutoCompactHooks registers the auto-compact hook for every event it handles.
// A positive timeout bounds each call into the controller, host requests included.
func RegisterAutoCompactHooks(manager *hooks.Manager, r RecoveryHandler, timeout time.Duration) error {
	hook := NewAutoCompactHook(r)
	hook.timeout = timeout

	for _, hookType := range AutoCompactHookTypes() {
		id := fmt.Sprintf("builtin:autocompact:%s", hookType)
		if err := manager.Register(hookType, hook.Handler(id)); err != nil {
			return fmt.Errorf("failed to register auto-compact hook for %s: %w", hookType, err)
		}
	}
	return nil
}
