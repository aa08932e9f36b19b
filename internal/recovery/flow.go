package recovery

import (
	"context"
	"fmt"
	"math"
	"time"
)

// attempt runs one compaction for a session found in phase from. When the
// retry budget is spent it hands over to the message-pair fallback.
func (c *Controller) attempt(ctx context.Context, sessionID string, from Phase) {
	if !c.store.Transition(sessionID, from, PhaseCompacting) {
		return
	}

	cfg := c.Config()
	attempt, ok := c.store.BeginAttempt(sessionID, cfg.Retry, c.clock.Now())
	if !ok {
		c.fallback(ctx, sessionID)
		return
	}

	tle, _ := c.store.Error(sessionID)
	c.record(ctx, Step{SessionID: sessionID, Kind: StepCompacting, Attempt: attempt, Error: &tle})

	started := c.clock.Now()
	err := c.client.Summarize(ctx, sessionID, tle.ProviderID, tle.ModelID)
	elapsed := c.clock.Now().Sub(started)

	if err == nil {
		c.compacted(ctx, sessionID, attempt, elapsed)
		return
	}

	if !c.store.Transition(sessionID, PhaseCompacting, PhaseRetryScheduled) {
		return
	}

	delay := cfg.Retry.NextDelay(attempt)
	c.logger.Warn().
		Err(err).
		Str("session_id", sessionID).
		Int("attempt", attempt).
		Int("max_attempts", cfg.Retry.MaxAttempts).
		Dur("retry_in", delay).
		Msg("compaction failed")

	c.notify(ctx, Toast{
		SessionID: sessionID,
		Title:     "Auto Compact Retry",
		Message: fmt.Sprintf("Attempt %d/%d failed. Retrying in %ds...",
			attempt, cfg.Retry.MaxAttempts, int(math.Round(delay.Seconds()))),
		Severity: SeverityWarning,
		Duration: delay,
	})
	c.record(ctx, Step{
		SessionID: sessionID,
		Kind:      StepRetryScheduled,
		Attempt:   attempt,
		Delay:     delay,
		Duration:  elapsed,
		Reason:    err.Error(),
	})

	c.schedule(sessionID, delay, func(ctx context.Context) {
		c.attempt(ctx, sessionID, PhaseRetryScheduled)
	})
}

func (c *Controller) compacted(ctx context.Context, sessionID string, attempt int, elapsed time.Duration) {
	if c.store.Phase(sessionID) != PhaseCompacting {
		return
	}
	c.store.Resolve(sessionID)
	c.stopTimers(sessionID)

	c.logger.Info().
		Str("session_id", sessionID).
		Int("attempt", attempt).
		Dur("duration", elapsed).
		Msg("session compacted")
	c.record(ctx, Step{SessionID: sessionID, Kind: StepCompacted, Attempt: attempt, Duration: elapsed})

	delay := c.Config().ResubmitDelay
	c.schedule(sessionID, delay, func(ctx context.Context) {
		c.resubmit(ctx, sessionID)
	})
}

// resubmit re-sends the prompt that overflowed. A new overflow reported while
// the timer was pending means the host moved on, so nothing is sent.
func (c *Controller) resubmit(ctx context.Context, sessionID string) {
	if c.store.Phase(sessionID) != PhaseIdle {
		return
	}
	if err := c.client.SubmitPendingPrompt(ctx, sessionID); err != nil {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("prompt resubmission failed")
		c.record(ctx, Step{SessionID: sessionID, Kind: StepResubmitted, Reason: err.Error()})
		return
	}
	c.record(ctx, Step{SessionID: sessionID, Kind: StepResubmitted})
}

// fallback trims the newest user/assistant pair and goes back to compaction.
// It is entered in PhaseCompacting once the retry budget is exhausted.
func (c *Controller) fallback(ctx context.Context, sessionID string) {
	cfg := c.Config()
	if !c.store.CanFallback(sessionID, cfg.Fallback) {
		c.fail(ctx, sessionID, "revert budget exhausted")
		return
	}
	if !c.store.Transition(sessionID, PhaseCompacting, PhaseReverting) {
		return
	}

	pair, err := c.lastPair(ctx, sessionID, cfg.Fallback.MinMessagesRequired)
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("no message pair to revert")
		c.record(ctx, Step{SessionID: sessionID, Kind: StepRevertFailed, Reason: err.Error()})
		c.fail(ctx, sessionID, err.Error())
		return
	}

	c.notify(ctx, Toast{
		SessionID: sessionID,
		Title:     "Emergency Recovery",
		Message:   "Context too large. Removing last message pair to recover session...",
		Severity:  SeverityWarning,
		Duration:  4 * time.Second,
	})

	if err := c.revertPair(ctx, sessionID, pair); err != nil {
		if c.store.Phase(sessionID) != PhaseReverting {
			return
		}
		fb, _ := c.store.RecordRevert(sessionID, pair.userID, false)
		c.logger.Error().
			Err(err).
			Str("session_id", sessionID).
			Int("revert_attempt", fb.RevertAttempt).
			Msg("revert failed")
		c.record(ctx, Step{
			SessionID:     sessionID,
			Kind:          StepRevertFailed,
			RevertAttempt: fb.RevertAttempt,
			MessageID:     pair.userID,
			Reason:        err.Error(),
		})
		c.fail(ctx, sessionID, err.Error())
		return
	}

	if !c.store.Transition(sessionID, PhaseReverting, PhaseRetryScheduled) {
		return
	}
	fb, _ := c.store.RecordRevert(sessionID, pair.userID, true)

	c.logger.Info().
		Str("session_id", sessionID).
		Str("user_message_id", pair.userID).
		Str("assistant_message_id", pair.assistantID).
		Int("revert_attempt", fb.RevertAttempt).
		Msg("message pair reverted")
	c.record(ctx, Step{
		SessionID:     sessionID,
		Kind:          StepReverted,
		RevertAttempt: fb.RevertAttempt,
		MessageID:     pair.userID,
	})

	c.notify(ctx, Toast{
		SessionID: sessionID,
		Title:     "Recovery Attempt",
		Message:   "Message removed. Retrying compaction...",
		Severity:  SeverityInfo,
		Duration:  3 * time.Second,
	})

	c.schedule(sessionID, cfg.RevertDelay, func(ctx context.Context) {
		c.attempt(ctx, sessionID, PhaseRetryScheduled)
	})
}

type messagePair struct {
	userID      string
	assistantID string
}

// lastPair finds the newest user message and the newest assistant message,
// each searched from the most recent end independently of the other.
// Sessions shorter than minMessages have nothing to trim.
func (c *Controller) lastPair(ctx context.Context, sessionID string, minMessages int) (messagePair, error) {
	msgs, err := c.client.ListMessages(ctx, sessionID)
	if err != nil {
		return messagePair{}, fmt.Errorf("%w: %v", ErrNoMessagePair, err)
	}
	if len(msgs) < minMessages {
		return messagePair{}, fmt.Errorf("%w: %d messages, need %d", ErrNoMessagePair, len(msgs), minMessages)
	}

	var pair messagePair
	for i := len(msgs) - 1; i >= 0 && (pair.userID == "" || pair.assistantID == ""); i-- {
		info := msgs[i].Info
		switch {
		case info.Role == RoleUser && pair.userID == "":
			pair.userID = info.ID
		case info.Role == RoleAssistant && pair.assistantID == "":
			pair.assistantID = info.ID
		}
	}
	if pair.userID == "" {
		return messagePair{}, fmt.Errorf("%w: no user message", ErrNoMessagePair)
	}
	return pair, nil
}

// revertPair removes the assistant message first, then the user message.
func (c *Controller) revertPair(ctx context.Context, sessionID string, pair messagePair) error {
	if pair.assistantID != "" {
		if err := c.client.Revert(ctx, sessionID, pair.assistantID); err != nil {
			return fmt.Errorf("revert assistant message %s: %w", pair.assistantID, err)
		}
	}
	if err := c.client.Revert(ctx, sessionID, pair.userID); err != nil {
		return fmt.Errorf("revert user message %s: %w", pair.userID, err)
	}
	return nil
}

// fail ends recovery for good. The session's state is dropped entirely so
// the terminal toast is shown at most once per episode.
func (c *Controller) fail(ctx context.Context, sessionID, reason string) {
	retry, _ := c.store.Retry(sessionID)
	fb, _ := c.store.Fallback(sessionID)
	if !c.store.Clear(sessionID) {
		return
	}
	c.stopTimers(sessionID)

	c.logger.Error().
		Str("session_id", sessionID).
		Int("attempts", retry.Attempt).
		Int("revert_attempts", fb.RevertAttempt).
		Str("reason", reason).
		Msg("recovery failed")
	c.record(ctx, Step{
		SessionID:     sessionID,
		Kind:          StepFailed,
		Attempt:       retry.Attempt,
		RevertAttempt: fb.RevertAttempt,
		Reason:        reason,
	})

	cfg := c.Config()
	c.notify(ctx, Toast{
		SessionID: sessionID,
		Title:     "Auto Compact Failed",
		Message: fmt.Sprintf("Failed after %d retries and %d message removals. Please start a new session.",
			cfg.Retry.MaxAttempts, cfg.Fallback.MaxRevertAttempts),
		Severity: SeverityError,
		Duration: 5 * time.Second,
	})
}
