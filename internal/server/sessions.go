package server

import (
	"context"
	"fmt"

	"salvage/internal/hooks"
	"salvage/internal/scheduler"
)

// sessionTracker keeps the session manager in step with the host's
// session lifecycle so per-session directories are known for API calls.
type sessionTracker struct {
	sessions *scheduler.SessionManager
}

func sessionTrackerTypes() []hooks.HookType {
	return []hooks.HookType{
		hooks.HookSessionCreated,
		hooks.HookSessionUpdated,
		hooks.HookSessionIdle,
		hooks.HookSessionError,
		hooks.HookSessionDeleted,
		hooks.HookMessageUpdated,
	}
}

func registerSessionTracker(m *hooks.Manager, sessions *scheduler.SessionManager) error {
	t := &sessionTracker{sessions: sessions}
	handler := &hooks.Handler{
		ID:          "builtin:sessions",
		Priority:    200,
		Source:      "_builtin",
		Description: "Tracks host sessions",
		Enabled:     true,
		Handler:     t.handle,
	}
	if err := m.RegisterAll(handler, sessionTrackerTypes()...); err != nil {
		return fmt.Errorf("failed to register session tracker: %w", err)
	}
	return nil
}

func (t *sessionTracker) handle(_ context.Context, hookCtx *hooks.Context) (*hooks.Result, error) {
	id := hookCtx.SessionID()
	if id == "" {
		return hooks.ContinueResult(), nil
	}

	if hookCtx.Type == hooks.HookSessionDeleted {
		t.sessions.Delete(id)
		return hooks.ContinueResult(), nil
	}

	info := scheduler.SessionInfo{ID: id}
	if s := hookCtx.Session; s != nil {
		info.Title = s.Title
		info.Directory = s.Directory
		info.CreatedAt = s.CreatedAt
	}
	t.sessions.Observe(info)
	return hooks.ContinueResult(), nil
}
