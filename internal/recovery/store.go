package recovery

import (
	"sort"
	"sync"
	"time"
)

// Store owns all per-session recovery state. Every map is keyed by session ID
// and the four maps are always purged together.
type Store struct {
	mu        sync.Mutex
	pending   map[string]Phase
	errors    map[string]TokenLimitError
	retries   map[string]*RetryState
	fallbacks map[string]*FallbackState
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		pending:   make(map[string]Phase),
		errors:    make(map[string]TokenLimitError),
		retries:   make(map[string]*RetryState),
		fallbacks: make(map[string]*FallbackState),
	}
}

// MarkPending records an overflow for the session. The error data is always
// replaced; the phase and both counters are left alone when recovery is already
// running. It returns true when this opened a new episode.
func (s *Store) MarkPending(sessionID string, tle TokenLimitError) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.errors[sessionID]; ok {
		if tle.ProviderID == "" {
			tle.ProviderID = prev.ProviderID
		}
		if tle.ModelID == "" {
			tle.ModelID = prev.ModelID
		}
	}
	s.errors[sessionID] = tle

	if _, ok := s.pending[sessionID]; ok {
		return false
	}
	s.pending[sessionID] = PhasePending
	return true
}

// Phase returns the session's phase, PhaseIdle when it is not in recovery.
func (s *Store) Phase(sessionID string) Phase {
	s.mu.Lock()
	defer s.mu.Unlock()

	if phase, ok := s.pending[sessionID]; ok {
		return phase
	}
	return PhaseIdle
}

// Transition moves the session from one phase to another. It fails when the
// session is not currently in the expected phase, which makes stale callbacks no-ops.
func (s *Store) Transition(sessionID string, from, to Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.pending[sessionID]; !ok || current != from {
		return false
	}
	s.pending[sessionID] = to
	return true
}

// Error returns the last normalized error for the session.
func (s *Store) Error(sessionID string) (TokenLimitError, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tle, ok := s.errors[sessionID]
	return tle, ok
}

// SetModel stores provider and model on the session's error record.
func (s *Store) SetModel(sessionID, providerID, modelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, active := s.pending[sessionID]; !active {
		return
	}
	tle := s.errors[sessionID]
	s.errors[sessionID] = tle.WithModel(providerID, modelID)
}

// Retry returns a copy of the session's retry state.
func (s *Store) Retry(sessionID string) (RetryState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.retries[sessionID]; ok {
		return *st, true
	}
	return RetryState{}, false
}

// Fallback returns a copy of the session's fallback state.
func (s *Store) Fallback(sessionID string) (FallbackState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.fallbacks[sessionID]; ok {
		return *st, true
	}
	return FallbackState{}, false
}

// BeginAttempt consumes one compaction attempt if the policy allows it.
// It returns the attempt number and false when retries are exhausted.
func (s *Store) BeginAttempt(sessionID string, policy RetryPolicy, now time.Time) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, active := s.pending[sessionID]; !active {
		return 0, false
	}
	st, ok := s.retries[sessionID]
	if !ok {
		st = &RetryState{}
		s.retries[sessionID] = st
	}
	if !policy.CanRetry(st) {
		return st.Attempt, false
	}
	st.Attempt++
	st.LastAttemptTime = now
	return st.Attempt, true
}

// CanFallback reports whether the session still has revert budget, creating
// its fallback state on first use. Sessions not in recovery never may.
func (s *Store) CanFallback(sessionID string, policy FallbackPolicy) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, active := s.pending[sessionID]; !active {
		return false
	}
	return policy.CanFallback(s.fallbackLocked(sessionID))
}

// RecordRevert counts one revert. A successful revert also records the trimmed
// message and gives compaction a fresh retry budget. Nothing is recorded for a
// session that left recovery in the meantime.
func (s *Store) RecordRevert(sessionID, messageID string, succeeded bool) (FallbackState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, active := s.pending[sessionID]; !active {
		return FallbackState{}, false
	}
	fb := s.fallbackLocked(sessionID)
	fb.RevertAttempt++
	if succeeded {
		fb.LastRevertedMessageID = messageID
		if st, ok := s.retries[sessionID]; ok {
			st.Attempt = 0
		}
	}
	return *fb, true
}

func (s *Store) fallbackLocked(sessionID string) *FallbackState {
	fb, ok := s.fallbacks[sessionID]
	if !ok {
		fb = &FallbackState{}
		s.fallbacks[sessionID] = fb
	}
	return fb
}

// Resolve ends an episode without failing it. The revert budget outlives the
// episode and is only dropped by Clear. It returns false if the session was
// not in recovery.
func (s *Store) Resolve(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, active := s.pending[sessionID]
	delete(s.pending, sessionID)
	delete(s.errors, sessionID)
	delete(s.retries, sessionID)
	return active
}

// Clear purges every map for the session. It returns false if there was nothing to purge.
func (s *Store) Clear(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	existed := s.hasLocked(sessionID)
	delete(s.pending, sessionID)
	delete(s.errors, sessionID)
	delete(s.retries, sessionID)
	delete(s.fallbacks, sessionID)
	return existed
}

// Has reports whether any map holds an entry for the session.
func (s *Store) Has(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasLocked(sessionID)
}

func (s *Store) hasLocked(sessionID string) bool {
	_, p := s.pending[sessionID]
	_, e := s.errors[sessionID]
	_, r := s.retries[sessionID]
	_, f := s.fallbacks[sessionID]
	return p || e || r || f
}

// Len returns the number of sessions currently in recovery.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Snapshot returns the session's state, or false when it is not in recovery.
func (s *Store) Snapshot(sessionID string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(sessionID)
}

// Snapshots returns the state of every session in recovery, ordered by session ID.
func (s *Store) Snapshots() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := s.snapshotLocked(id); ok {
			out = append(out, snap)
		}
	}
	return out
}

func (s *Store) snapshotLocked(sessionID string) (Snapshot, bool) {
	phase, ok := s.pending[sessionID]
	if !ok {
		return Snapshot{}, false
	}

	snap := Snapshot{SessionID: sessionID, Phase: phase}
	if tle, ok := s.errors[sessionID]; ok {
		snap.Error = &tle
	}
	if st, ok := s.retries[sessionID]; ok {
		cp := *st
		snap.Retry = &cp
	}
	if fb, ok := s.fallbacks[sessionID]; ok {
		cp := *fb
		snap.Fallback = &cp
	}
	return snap, true
}
