// Package builtin provides the hook handlers salvage registers at startup.
package builtin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"salvage/internal/hooks"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggingHook logs every host event that reaches the dispatcher.
type LoggingHook struct {
	logger zerolog.Logger
	level  zerolog.Level
	stats  *LoggingStats
}

// LoggingConfig configures the logging hook.
type LoggingConfig struct {
	// Level is the log level to use. The zero value is debug.
	Level zerolog.Level
	// Logger is an optional custom logger (default: global logger)
	Logger *zerolog.Logger
}

// NewLoggingHook creates a new logging hook with the given configuration.
func NewLoggingHook(cfg LoggingConfig) *LoggingHook {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &LoggingHook{
		logger: logger,
		level:  cfg.Level,
		stats:  NewLoggingStats(),
	}
}

// Handler returns a hook handler that logs events.
func (h *LoggingHook) Handler(id string) *hooks.Handler {
	return &hooks.Handler{
		ID:          id,
		Priority:    100, // Log before anything acts on the event
		Source:      "_builtin",
		Description: "Logs host events",
		Enabled:     true,
		Handler:     h.handle,
	}
}

// Stats returns the hook's counters.
func (h *LoggingHook) Stats() *LoggingStats {
	return h.stats
}

func (h *LoggingHook) handle(_ context.Context, hookCtx *hooks.Context) (*hooks.Result, error) {
	h.stats.observe(hookCtx.Type, hookCtx.Timestamp)

	event := h.logger.WithLevel(h.level).
		Str("hook_type", string(hookCtx.Type)).
		Time("timestamp", hookCtx.Timestamp)

	if id := hookCtx.SessionID(); id != "" {
		event = event.Str("session_id", id)
	}

	switch hookCtx.Type {
	case hooks.HookMessageUpdated:
		if hookCtx.Message != nil {
			event = event.
				Str("message_id", hookCtx.Message.ID).
				Str("role", hookCtx.Message.Role).
				Bool("has_error", hookCtx.Message.Error != nil)
		}

	case hooks.HookSessionError:
		event = event.Bool("has_error", hookCtx.Error != nil && hookCtx.Error.Raw != nil)

	case hooks.HookToolBefore, hooks.HookToolAfter:
		if hookCtx.ToolCall != nil {
			event = event.
				Str("call_id", hookCtx.ToolCall.ID).
				Str("tool_name", hookCtx.ToolCall.ToolName).
				Int("arg_count", len(hookCtx.ToolCall.Args))
		}

	case hooks.HookSessionCreated, hooks.HookSessionUpdated:
		if hookCtx.Session != nil && hookCtx.Session.Title != "" {
			event = event.Str("title", hookCtx.Session.Title)
		}
	}

	event.Msg("hook triggered")

	return hooks.ContinueResult(), nil
}

// RegisterLoggingHooks registers the logging hook for all hook types.
func RegisterLoggingHooks(manager *hooks.Manager, cfg LoggingConfig) (*LoggingHook, error) {
	hook := NewLoggingHook(cfg)

	for _, hookType := range hooks.AllHookTypes() {
		id := fmt.Sprintf("builtin:logging:%s", hookType)
		if err := manager.Register(hookType, hook.Handler(id)); err != nil {
			return nil, fmt.Errorf("failed to register logging hook for %s: %w", hookType, err)
		}
	}

	return hook, nil
}

// LoggingStats tracks logging statistics.
type LoggingStats struct {
	mu           sync.Mutex
	eventCount   int64
	lastEventAt  time.Time
	eventsByType map[hooks.HookType]int64
}

// NewLoggingStats creates a new stats tracker.
func NewLoggingStats() *LoggingStats {
	return &LoggingStats{
		eventsByType: make(map[hooks.HookType]int64),
	}
}

func (s *LoggingStats) observe(t hooks.HookType, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventCount++
	s.lastEventAt = at
	s.eventsByType[t]++
}

// EventCount returns the number of events seen.
func (s *LoggingStats) EventCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventCount
}

// LastEventAt returns when the latest event was seen.
func (s *LoggingStats) LastEventAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventAt
}

// ByType returns a copy of the per-type counters.
func (s *LoggingStats) ByType() map[hooks.HookType]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[hooks.HookType]int64, len(s.eventsByType))
	for k, v := range s.eventsByType {
		out[k] = v
	}
	return out
}
