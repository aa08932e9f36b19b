// Package hooks dispatches host runtime events to prioritized handlers.
// Each host event becomes a Context that flows through every enabled handler
// registered for its type, highest priority first.
package hooks

import (
	"context"
	"time"
)

// HookType is the type of a host event, spelled the way the host spells it.
type HookType string

// Hook type constants.
const (
	// Session lifecycle
	HookSessionCreated HookType = "session.created"
	HookSessionUpdated HookType = "session.updated"
	HookSessionIdle    HookType = "session.idle"
	HookSessionDeleted HookType = "session.deleted"
	HookSessionError   HookType = "session.error"

	// Message lifecycle
	HookMessageUpdated HookType = "message.updated"

	// Tool execution
	HookToolBefore HookType = "tool.execute.before"
	HookToolAfter  HookType = "tool.execute.after"

	// Process lifecycle
	HookStartup  HookType = "startup"
	HookShutdown HookType = "shutdown"
)

var hookTypes = []HookType{
	HookSessionCreated,
	HookSessionUpdated,
	HookSessionIdle,
	HookSessionDeleted,
	HookSessionError,
	HookMessageUpdated,
	HookToolBefore,
	HookToolAfter,
	HookStartup,
	HookShutdown,
}

var knownHookTypes = func() map[HookType]bool {
	m := make(map[HookType]bool, len(hookTypes))
	for _, t := range hookTypes {
		m[t] = true
	}
	return m
}()

// AllHookTypes returns every hook type in declaration order.
func AllHookTypes() []HookType {
	return append([]HookType(nil), hookTypes...)
}

// IsValidHookType reports whether t is a hook type the dispatcher routes.
func IsValidHookType(t HookType) bool {
	return knownHookTypes[t]
}

// HandlerFunc is the function signature for hook handlers.
type HandlerFunc func(ctx context.Context, hookCtx *Context) (*Result, error)

// Handler represents a registered hook handler.
type Handler struct {
	ID          string        `json:"id"`
	Priority    int           `json:"priority"` // Higher = earlier execution
	Source      string        `json:"source"`   // "builtin" or the registering component
	Handler     HandlerFunc   `json:"-"`
	Description string        `json:"description,omitempty"`
	Enabled     bool          `json:"enabled"`
	Timeout     time.Duration `json:"timeout,omitempty"` // 0 = no limit
}

// Context is what a handler receives for one host event.
type Context struct {
	Type      HookType  `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Populated based on Type
	Session  *SessionContext  `json:"session,omitempty"`
	Message  *MessageContext  `json:"message,omitempty"`
	ToolCall *ToolCallContext `json:"tool_call,omitempty"`
	Error    *ErrorContext    `json:"error,omitempty"`

	// Custom data passing between handlers
	Data map[string]any `json:"data,omitempty"`
}

// SessionContext identifies the session an event belongs to.
type SessionContext struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Directory string    `json:"directory,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// MessageContext carries the message info of a message.updated event.
type MessageContext struct {
	ID         string `json:"id"`
	SessionID  string `json:"session_id"`
	Role       string `json:"role"`
	ProviderID string `json:"provider_id,omitempty"`
	ModelID    string `json:"model_id,omitempty"`
	Summary    bool   `json:"summary,omitempty"`
	// Error is the raw error attached by the host, decoded from JSON.
	Error any `json:"error,omitempty"`
}

// ToolCallContext carries a tool execution event.
type ToolCallContext struct {
	ID       string         `json:"id"`
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args,omitempty"`
	Output   any            `json:"output,omitempty"`
}

// ErrorContext carries the raw error of a session.error event.
type ErrorContext struct {
	Raw any `json:"raw"`
}

// Result is what a handler returns. Continue=false ends the chain; Data is
// merged into the event context when Modified is set.
type Result struct {
	Continue bool           `json:"continue"`
	Modified bool           `json:"modified"`
	Data     map[string]any `json:"data,omitempty"`
	Error    error          `json:"-"`
}

// ContinueResult creates a result that allows the chain to continue.
func ContinueResult() *Result {
	return &Result{Continue: true}
}

// StopResult creates a result that stops the chain execution.
func StopResult() *Result {
	return &Result{Continue: false}
}

// ModifiedResult continues the chain and publishes data to later handlers.
func ModifiedResult(data map[string]any) *Result {
	return &Result{Continue: true, Modified: true, Data: data}
}

// ErrorResult stops the chain with err.
func ErrorResult(err error) *Result {
	return &Result{Error: err}
}

// NewContext creates a new hook context with the given type.
func NewContext(hookType HookType) *Context {
	return &Context{
		Type:      hookType,
		Timestamp: time.Now(),
		Data:      make(map[string]any),
	}
}

// WithSession adds session context to the hook context.
func (c *Context) WithSession(session *SessionContext) *Context {
	c.Session = session
	return c
}

// WithMessage adds message context to the hook context.
func (c *Context) WithMessage(message *MessageContext) *Context {
	c.Message = message
	return c
}

// WithToolCall adds tool call context to the hook context.
func (c *Context) WithToolCall(toolCall *ToolCallContext) *Context {
	c.ToolCall = toolCall
	return c
}

// WithError adds error context to the hook context.
func (c *Context) WithError(errCtx *ErrorContext) *Context {
	c.Error = errCtx
	return c
}

// SessionID returns the ID of the session the event concerns, or "".
func (c *Context) SessionID() string {
	switch {
	case c == nil:
		return ""
	case c.Session != nil && c.Session.ID != "":
		return c.Session.ID
	case c.Message != nil:
		return c.Message.SessionID
	}
	return ""
}

// SetData sets a custom data value in the context.
func (c *Context) SetData(key string, value any) {
	if c.Data == nil {
		c.Data = make(map[string]any)
	}
	c.Data[key] = value
}

// GetData retrieves a custom data value from the context.
func (c *Context) GetData(key string) (any, bool) {
	if c.Data == nil {
		return nil, false
	}
	v, ok := c.Data[key]
	return v, ok
}
