package builtin

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"salvage/internal/hooks"

	"github.com/rs/zerolog"
)

func TestLoggingHook_Handler(t *testing.T) {
	hook := NewLoggingHook(LoggingConfig{Level: zerolog.DebugLevel})

	handler := hook.Handler("test-logging")
	if handler.ID != "test-logging" {
		t.Errorf("expected ID 'test-logging', got '%s'", handler.ID)
	}
	if handler.Source != "_builtin" {
		t.Errorf("expected source '_builtin', got '%s'", handler.Source)
	}
	if handler.Priority != 100 {
		t.Errorf("expected priority 100, got %d", handler.Priority)
	}
}

func TestLoggingHook_Handle(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	hook := NewLoggingHook(LoggingConfig{Level: zerolog.InfoLevel, Logger: &logger})

	tests := []struct {
		name  string
		ctx   *hooks.Context
		wants []string
	}{
		{
			name: "message updated",
			ctx: hooks.NewContext(hooks.HookMessageUpdated).WithMessage(&hooks.MessageContext{
				ID: "msg_1", SessionID: "ses_1", Role: "assistant", Error: "boom",
			}),
			wants: []string{`"message_id":"msg_1"`, `"session_id":"ses_1"`, `"has_error":true`},
		},
		{
			name: "tool before",
			ctx: hooks.NewContext(hooks.HookToolBefore).
				WithSession(&hooks.SessionContext{ID: "ses_2"}).
				WithToolCall(&hooks.ToolCallContext{ID: "call_1", ToolName: "bash", Args: map[string]any{"command": "ls"}}),
			wants: []string{`"tool_name":"bash"`, `"arg_count":1`},
		},
		{
			name:  "session error",
			ctx:   hooks.NewContext(hooks.HookSessionError).WithError(&hooks.ErrorContext{Raw: "x"}),
			wants: []string{`"hook_type":"session.error"`, `"has_error":true`},
		},
		{
			name:  "startup",
			ctx:   hooks.NewContext(hooks.HookStartup),
			wants: []string{`"hook_type":"startup"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			result, err := hook.Handler("log").Handler(context.Background(), tt.ctx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.Continue {
				t.Error("expected Continue to be true")
			}
			for _, want := range tt.wants {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("log output missing %s: %s", want, buf.String())
				}
			}
		})
	}

	if hook.Stats().EventCount() != int64(len(tests)) {
		t.Errorf("expected %d events, got %d", len(tests), hook.Stats().EventCount())
	}
	if hook.Stats().ByType()[hooks.HookStartup] != 1 {
		t.Error("expected one startup event")
	}
}

func TestRegisterLoggingHooks(t *testing.T) {
	m := hooks.NewManager()

	hook, err := RegisterLoggingHooks(m, LoggingConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, ht := range hooks.AllHookTypes() {
		if !m.HasHandlers(ht) {
			t.Errorf("expected logging handler for %s", ht)
		}
	}

	if _, err := m.TriggerSessionIdle(context.Background(), "ses_1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hook.Stats().EventCount() != 1 {
		t.Errorf("expected 1 event, got %d", hook.Stats().EventCount())
	}
	if hook.Stats().LastEventAt().IsZero() {
		t.Error("expected last event time")
	}

	if _, err := RegisterLoggingHooks(m, LoggingConfig{}); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}
