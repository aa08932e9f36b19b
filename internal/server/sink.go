package server

import (
	"context"
	"errors"
	"fmt"

	"salvage/internal/gateway/handlers"
	"salvage/internal/hooks"
	"salvage/internal/metrics"
	"salvage/internal/scheduler"

	"github.com/rs/zerolog"
)

// globalQueue serializes events that carry no session.
const globalQueue = "_global"

// eventSink hands host events to the hook manager on the owning session's
// run queue. Events for one session are dispatched in arrival order.
type eventSink struct {
	ctx     context.Context
	manager *hooks.Manager
	queue   *scheduler.RunQueue
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// Ingest implements handlers.EventSink. The dispatch runs on the sink's own
// context since the caller's usually ends before the event is handled.
func (s *eventSink) Ingest(_ context.Context, ev hooks.Event) error {
	if s.metrics != nil {
		s.metrics.ObserveEvent(string(ev.Type))
	}

	hookCtx, err := ev.Context()
	if err != nil {
		if errors.Is(err, hooks.ErrHookTypeInvalid) {
			s.logger.Debug().Str("type", string(ev.Type)).Msg("ignoring unknown event type")
			return nil
		}
		return err
	}

	key := hookCtx.SessionID()
	if key == "" {
		key = globalQueue
	}

	run := func(ctx context.Context) {
		if _, err := s.manager.Trigger(ctx, hookCtx); err != nil {
			s.logger.Warn().
				Err(err).
				Str("type", string(hookCtx.Type)).
				Str("session_id", hookCtx.SessionID()).
				Msg("event dispatch failed")
		}
		// Work still queued behind a deletion belongs to a session that is gone.
		if hookCtx.Type == hooks.HookSessionDeleted && key != globalQueue {
			s.queue.Cancel(key)
		}
	}

	err = s.queue.Go(s.ctx, key, run)
	if errors.Is(err, scheduler.ErrQueueFull) {
		return fmt.Errorf("%w: session %s", handlers.ErrOverloaded, key)
	}
	return err
}

// stream adapts the sink to the host event subscription.
func (s *eventSink) stream(ctx context.Context, ev hooks.Event) {
	if err := s.Ingest(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("type", string(ev.Type)).Msg("dropped host event")
	}
}
