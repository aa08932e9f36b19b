package hooks

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Manager routes host events to the handlers registered for their type.
type Manager struct {
	registry *Registry
	executor *Executor
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithExecutor replaces the default executor.
func WithExecutor(e *Executor) ManagerOption {
	return func(m *Manager) { m.executor = e }
}

// NewManager returns a manager with an empty registry.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{registry: NewRegistry(), executor: NewExecutor()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register registers a handler for the given hook type.
func (m *Manager) Register(hookType HookType, handler *Handler) error {
	return m.registry.Register(hookType, handler)
}

// RegisterAll registers the same handler for several hook types.
// Registration stops at the first error.
func (m *Manager) RegisterAll(handler *Handler, hookTypes ...HookType) error {
	for _, hookType := range hookTypes {
		if err := m.registry.Register(hookType, handler); err != nil {
			return err
		}
	}
	return nil
}

// Unregister removes a handler from the given hook type.
func (m *Manager) Unregister(hookType HookType, handlerID string) error {
	return m.registry.Unregister(hookType, handlerID)
}

// SetEnabled toggles a handler without unregistering it.
func (m *Manager) SetEnabled(hookType HookType, handlerID string, enabled bool) error {
	return m.registry.SetEnabled(hookType, handlerID, enabled)
}

// Trigger runs every handler registered for the context's type.
func (m *Manager) Trigger(ctx context.Context, hookCtx *Context) (*Result, error) {
	if hookCtx == nil {
		return ContinueResult(), nil
	}

	if !IsValidHookType(hookCtx.Type) {
		return nil, fmt.Errorf("%w: %s", ErrHookTypeInvalid, hookCtx.Type)
	}

	handlers := m.registry.GetHandlers(hookCtx.Type)
	if len(handlers) == 0 {
		return ContinueResult(), nil
	}
	log.Debug().
		Str("hook_type", string(hookCtx.Type)).
		Str("session_id", hookCtx.SessionID()).
		Int("handler_count", len(handlers)).
		Msg("triggering hook")

	return m.executor.Execute(ctx, handlers, hookCtx), nil
}

// Dispatch decodes a host event and triggers its handlers.
func (m *Manager) Dispatch(ctx context.Context, ev Event) (*Result, error) {
	hookCtx, err := ev.Context()
	if err != nil {
		return nil, err
	}
	return m.Trigger(ctx, hookCtx)
}

// TriggerSessionError triggers a session.error hook.
func (m *Manager) TriggerSessionError(ctx context.Context, sessionID string, raw any) (*Result, error) {
	hookCtx := NewContext(HookSessionError).
		WithSession(&SessionContext{ID: sessionID}).
		WithError(&ErrorContext{Raw: raw})
	return m.Trigger(ctx, hookCtx)
}

// TriggerMessageUpdated triggers a message.updated hook.
func (m *Manager) TriggerMessageUpdated(ctx context.Context, msg *MessageContext) (*Result, error) {
	hookCtx := NewContext(HookMessageUpdated).WithMessage(msg)
	if msg != nil {
		hookCtx.WithSession(&SessionContext{ID: msg.SessionID})
	}
	return m.Trigger(ctx, hookCtx)
}

// TriggerSessionIdle triggers a session.idle hook.
func (m *Manager) TriggerSessionIdle(ctx context.Context, sessionID string) (*Result, error) {
	return m.Trigger(ctx, NewContext(HookSessionIdle).WithSession(&SessionContext{ID: sessionID}))
}

// TriggerSessionDeleted triggers a session.deleted hook.
func (m *Manager) TriggerSessionDeleted(ctx context.Context, sessionID string) (*Result, error) {
	return m.Trigger(ctx, NewContext(HookSessionDeleted).WithSession(&SessionContext{ID: sessionID}))
}

// TriggerStartup triggers a startup hook.
func (m *Manager) TriggerStartup(ctx context.Context) (*Result, error) {
	return m.Trigger(ctx, NewContext(HookStartup))
}

// TriggerShutdown triggers a shutdown hook.
func (m *Manager) TriggerShutdown(ctx context.Context) (*Result, error) {
	return m.Trigger(ctx, NewContext(HookShutdown))
}

// ListHandlers returns all handlers for the given hook type.
func (m *Manager) ListHandlers(hookType HookType) []*Handler {
	return m.registry.GetHandlers(hookType)
}

// AllHandlers returns every registered handler grouped by hook type.
func (m *Manager) AllHandlers() map[HookType][]*Handler {
	return m.registry.GetAllHandlers()
}

// HasHandlers returns true if there are any handlers for the given hook type.
func (m *Manager) HasHandlers(hookType HookType) bool {
	return m.registry.HasHandlers(hookType)
}

// Close releases resources.
func (m *Manager) Close() error {
	m.registry.Clear()
	return nil
}
