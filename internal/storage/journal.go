package storage

import (
	"context"
	"fmt"
	"time"

	"salvage/internal/recovery"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// JournalEntry is one persisted recovery step.
type JournalEntry struct {
	ID            string        `json:"id"`
	SessionID     string        `json:"session_id"`
	Kind          string        `json:"kind"`
	Attempt       int           `json:"attempt,omitempty"`
	RevertAttempt int           `json:"revert_attempt,omitempty"`
	Delay         time.Duration `json:"delay,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
	MessageID     string        `json:"message_id,omitempty"`
	CurrentTokens int           `json:"current_tokens,omitempty"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Journal stores recovery steps so an episode can be inspected after the fact.
type Journal struct {
	db  *DB
	now func() time.Time
}

// NewJournal creates a journal on db.
func NewJournal(db *DB) *Journal {
	return &Journal{db: db, now: time.Now}
}

// Record implements recovery.Recorder. Write failures are logged and dropped.
func (j *Journal) Record(ctx context.Context, step recovery.Step) {
	if _, err := j.Append(ctx, step); err != nil {
		log.Error().
			Err(err).
			Str("session_id", step.SessionID).
			Str("step", string(step.Kind)).
			Msg("failed to journal recovery step")
	}
}

// Append persists step and returns the stored entry.
func (j *Journal) Append(ctx context.Context, step recovery.Step) (*JournalEntry, error) {
	if step.SessionID == "" {
		return nil, fmt.Errorf("journal: %w", recovery.ErrSessionRequired)
	}

	entry := &JournalEntry{
		ID:            uuid.NewString(),
		SessionID:     step.SessionID,
		Kind:          string(step.Kind),
		Attempt:       step.Attempt,
		RevertAttempt: step.RevertAttempt,
		Delay:         step.Delay,
		Duration:      step.Duration,
		MessageID:     step.MessageID,
		Reason:        step.Reason,
		CreatedAt:     step.Time,
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = j.now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	if step.Error != nil {
		entry.CurrentTokens = step.Error.CurrentTokens
		entry.MaxTokens = step.Error.MaxTokens
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO recovery_steps (
			id, session_id, kind, attempt, revert_attempt, delay_ms, duration_ms,
			message_id, current_tokens, max_tokens, reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.SessionID, entry.Kind, entry.Attempt, entry.RevertAttempt,
		entry.Delay.Milliseconds(), entry.Duration.Milliseconds(),
		entry.MessageID, entry.CurrentTokens, entry.MaxTokens, entry.Reason, entry.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert recovery step: %w", err)
	}
	return entry, nil
}

// List returns the session's steps in the order they happened, keeping the
// latest limit entries when limit > 0.
func (j *Journal) List(ctx context.Context, sessionID string, limit int) ([]*JournalEntry, error) {
	query := `
		SELECT id, session_id, kind, attempt, revert_attempt, delay_ms, duration_ms,
			message_id, current_tokens, max_tokens, reason, created_at
		FROM recovery_steps WHERE session_id = ?
		ORDER BY created_at DESC, rowid DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	entries, err := j.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for i, k := 0, len(entries)-1; i < k; i, k = i+1, k-1 {
		entries[i], entries[k] = entries[k], entries[i]
	}
	return entries, nil
}

// Recent returns the latest steps across all sessions, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]*JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return j.query(ctx, `
		SELECT id, session_id, kind, attempt, revert_attempt, delay_ms, duration_ms,
			message_id, current_tokens, max_tokens, reason, created_at
		FROM recovery_steps
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, limit)
}

// Prune deletes steps recorded before cutoff.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := j.db.ExecContext(ctx, "DELETE FROM recovery_steps WHERE created_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune recovery steps: %w", err)
	}
	return result.RowsAffected()
}

// Count returns the number of journaled steps.
func (j *Journal) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM recovery_steps").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (j *Journal) query(ctx context.Context, query string, args ...any) ([]*JournalEntry, error) {
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recovery steps: %w", err)
	}
	defer rows.Close()

	var entries []*JournalEntry
	for rows.Next() {
		var e JournalEntry
		var delayMS, durationMS int64
		if err := rows.Scan(
			&e.ID, &e.SessionID, &e.Kind, &e.Attempt, &e.RevertAttempt, &delayMS, &durationMS,
			&e.MessageID, &e.CurrentTokens, &e.MaxTokens, &e.Reason, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.Delay = time.Duration(delayMS) * time.Millisecond
		e.Duration = time.Duration(durationMS) * time.Millisecond
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
