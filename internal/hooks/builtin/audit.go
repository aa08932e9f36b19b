package builtin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"salvage/internal/hooks"
	"salvage/internal/recovery"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// AuditRecord is one audited recovery step or session lifecycle event.
type AuditRecord struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	HookType      hooks.HookType `json:"hook_type,omitempty"`
	Step          string         `json:"step,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	Attempt       int            `json:"attempt,omitempty"`
	RevertAttempt int            `json:"revert_attempt,omitempty"`
	Delay         time.Duration  `json:"delay,omitempty"`
	Duration      time.Duration  `json:"duration,omitempty"`
	MessageID     string         `json:"message_id,omitempty"`
	CurrentTokens int            `json:"current_tokens,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

// AuditStore defines the interface for storing audit records.
type AuditStore interface {
	// Store saves an audit record.
	Store(record *AuditRecord) error
	// Close releases resources.
	Close() error
}

// LogAuditStore writes audit records to a logger.
type LogAuditStore struct {
	logger zerolog.Logger
}

// NewLogAuditStore creates a new log-based audit store.
func NewLogAuditStore(logger *zerolog.Logger) *LogAuditStore {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &LogAuditStore{logger: l}
}

// Store implements AuditStore.
func (s *LogAuditStore) Store(record *AuditRecord) error {
	event := s.logger.Info().
		Str("audit_id", record.ID).
		Time("timestamp", record.Timestamp)

	if record.HookType != "" {
		event = event.Str("hook_type", string(record.HookType))
	}
	if record.Step != "" {
		event = event.Str("step", record.Step)
	}
	if record.SessionID != "" {
		event = event.Str("session_id", record.SessionID)
	}
	if record.Attempt > 0 {
		event = event.Int("attempt", record.Attempt)
	}
	if record.RevertAttempt > 0 {
		event = event.Int("revert_attempt", record.RevertAttempt)
	}
	if record.Delay > 0 {
		event = event.Dur("delay", record.Delay)
	}
	if record.Duration > 0 {
		event = event.Dur("duration", record.Duration)
	}
	if record.MessageID != "" {
		event = event.Str("message_id", record.MessageID)
	}
	if record.MaxTokens > 0 {
		event = event.Int("current_tokens", record.CurrentTokens).Int("max_tokens", record.MaxTokens)
	}
	if record.Reason != "" {
		event = event.Str("reason", record.Reason)
	}

	event.Msg("audit record")
	return nil
}

// Close implements AuditStore.
func (s *LogAuditStore) Close() error {
	return nil
}

// MemoryAuditStore keeps the latest audit records in memory.
type MemoryAuditStore struct {
	records []*AuditRecord
	mu      sync.RWMutex
	maxSize int
}

// NewMemoryAuditStore creates a new in-memory audit store.
func NewMemoryAuditStore(maxSize int) *MemoryAuditStore {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &MemoryAuditStore{
		records: make([]*AuditRecord, 0),
		maxSize: maxSize,
	}
}

// Store implements AuditStore.
func (s *MemoryAuditStore) Store(record *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Evict oldest records if at capacity
	if len(s.records) >= s.maxSize {
		s.records = s.records[1:]
	}
	s.records = append(s.records, record)
	return nil
}

// Close implements AuditStore.
func (s *MemoryAuditStore) Close() error {
	return nil
}

// GetRecords returns all stored records, oldest first.
func (s *MemoryAuditStore) GetRecords() []*AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*AuditRecord, len(s.records))
	copy(result, s.records)
	return result
}

// Clear removes all records.
func (s *MemoryAuditStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = s.records[:0]
}

// AuditConfig configures the audit hook.
type AuditConfig struct {
	// Store is the audit record store (default: log store).
	Store AuditStore
	// SkipDetections drops repeated "detected" steps that only refresh error data.
	SkipDetections bool
}

// AuditHook audits recovery steps and the session lifecycle around them.
// It is both a hook handler and a recovery.Recorder.
type AuditHook struct {
	store          AuditStore
	skipDetections bool
}

// NewAuditHook creates a new audit hook with the given configuration.
func NewAuditHook(cfg AuditConfig) *AuditHook {
	store := cfg.Store
	if store == nil {
		store = NewLogAuditStore(nil)
	}
	return &AuditHook{
		store:          store,
		skipDetections: cfg.SkipDetections,
	}
}

// Handler returns a hook handler that audits session lifecycle events.
func (h *AuditHook) Handler(id string) *hooks.Handler {
	return &hooks.Handler{
		ID:          id,
		Priority:    90,
		Source:      "_builtin",
		Description: "Audits session lifecycle events",
		Enabled:     true,
		Handler:     h.handle,
	}
}

func (h *AuditHook) handle(_ context.Context, hookCtx *hooks.Context) (*hooks.Result, error) {
	switch hookCtx.Type {
	case hooks.HookSessionCreated, hooks.HookSessionDeleted:
		if hookCtx.Session == nil || hookCtx.Session.ID == "" {
			break
		}
		h.save(&AuditRecord{
			ID:        uuid.NewString(),
			Timestamp: hookCtx.Timestamp,
			HookType:  hookCtx.Type,
			SessionID: hookCtx.Session.ID,
		})
	}

	return hooks.ContinueResult(), nil
}

// Record implements recovery.Recorder.
func (h *AuditHook) Record(_ context.Context, step recovery.Step) {
	if h.skipDetections && step.Kind == recovery.StepDetected && step.Reason != "opened" {
		return
	}

	record := &AuditRecord{
		ID:            uuid.NewString(),
		Timestamp:     step.Time,
		Step:          string(step.Kind),
		SessionID:     step.SessionID,
		Attempt:       step.Attempt,
		RevertAttempt: step.RevertAttempt,
		Delay:         step.Delay,
		Duration:      step.Duration,
		MessageID:     step.MessageID,
		Reason:        step.Reason,
	}
	if step.Error != nil {
		record.CurrentTokens = step.Error.CurrentTokens
		record.MaxTokens = step.Error.MaxTokens
	}
	h.save(record)
}

func (h *AuditHook) save(record *AuditRecord) {
	if err := h.store.Store(record); err != nil {
		log.Error().Err(err).Str("session_id", record.SessionID).Msg("failed to store audit record")
	}
}

// Close releases resources.
func (h *AuditHook) Close() error {
	return h.store.Close()
}

// RegisterAuditHooks registers the audit hook for session lifecycle events and
// returns it so it can also be attached to the controller as a recorder.
func RegisterAuditHooks(manager *hooks.Manager, cfg AuditConfig) (*AuditHook, error) {
	hook := NewAuditHook(cfg)

	for _, hookType := range []hooks.HookType{hooks.HookSessionCreated, hooks.HookSessionDeleted} {
		id := fmt.Sprintf("builtin:audit:%s", hookType)
		if err := manager.Register(hookType, hook.Handler(id)); err != nil {
			return nil, fmt.Errorf("failed to register audit hook for %s: %w", hookType, err)
		}
	}

	return hook, nil
}
