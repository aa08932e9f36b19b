package recovery

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_MarkPending(t *testing.T) {
	s := NewStore()

	opened := s.MarkPending("s1", TokenLimitError{CurrentTokens: 10, MaxTokens: 5, ProviderID: "anthropic", ModelID: "claude"})
	assert.True(t, opened)
	assert.Equal(t, PhasePending, s.Phase("s1"))

	// Same session again: data replaced, model kept, no new episode.
	opened = s.MarkPending("s1", TokenLimitError{CurrentTokens: 12, MaxTokens: 5})
	assert.False(t, opened)

	tle, ok := s.Error("s1")
	require.True(t, ok)
	assert.Equal(t, 12, tle.CurrentTokens)
	assert.Equal(t, "anthropic", tle.ProviderID)
	assert.Equal(t, "claude", tle.ModelID)
	assert.Equal(t, 1, s.Len())
}

func TestStore_MarkPending_KeepsPhaseAndCounters(t *testing.T) {
	s := NewStore()
	s.MarkPending("s1", TokenLimitError{CurrentTokens: 10, MaxTokens: 5})
	require.True(t, s.Transition("s1", PhasePending, PhaseCompacting))

	n, ok := s.BeginAttempt("s1", DefaultRetryPolicy(), time.Now())
	require.True(t, ok)
	require.Equal(t, 1, n)
	require.True(t, s.Transition("s1", PhaseCompacting, PhaseRetryScheduled))

	s.MarkPending("s1", TokenLimitError{CurrentTokens: 20, MaxTokens: 5})

	assert.Equal(t, PhaseRetryScheduled, s.Phase("s1"))
	rs, ok := s.Retry("s1")
	require.True(t, ok)
	assert.Equal(t, 1, rs.Attempt)
}

func TestStore_Transition(t *testing.T) {
	s := NewStore()

	assert.False(t, s.Transition("ghost", PhasePending, PhaseCompacting), "absent session")

	s.MarkPending("s1", TokenLimitError{})
	assert.False(t, s.Transition("s1", PhaseRetryScheduled, PhaseCompacting), "wrong source phase")
	assert.True(t, s.Transition("s1", PhasePending, PhaseCompacting))
	assert.Equal(t, PhaseCompacting, s.Phase("s1"))
	assert.Equal(t, PhaseIdle, s.Phase("ghost"))
}

func TestStore_BeginAttempt(t *testing.T) {
	s := NewStore()
	policy := DefaultRetryPolicy()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	_, ok := s.BeginAttempt("s1", policy, now)
	assert.False(t, ok, "not in recovery")
	_, exists := s.Retry("s1")
	assert.False(t, exists)

	s.MarkPending("s1", TokenLimitError{})
	n, ok := s.BeginAttempt("s1", policy, now)
	assert.True(t, ok)
	assert.Equal(t, 1, n)
	n, ok = s.BeginAttempt("s1", policy, now.Add(time.Second))
	assert.True(t, ok)
	assert.Equal(t, 2, n)
	n, ok = s.BeginAttempt("s1", policy, now.Add(2*time.Second))
	assert.False(t, ok)
	assert.Equal(t, 2, n)

	rs, _ := s.Retry("s1")
	assert.Equal(t, 2, rs.Attempt)
	assert.Equal(t, now.Add(time.Second), rs.LastAttemptTime)
}

func TestStore_RecordRevert(t *testing.T) {
	s := NewStore()
	s.MarkPending("s1", TokenLimitError{})
	s.BeginAttempt("s1", DefaultRetryPolicy(), time.Now())
	s.BeginAttempt("s1", DefaultRetryPolicy(), time.Now())

	fb, ok := s.RecordRevert("s1", "msg-1", true)
	require.True(t, ok)
	assert.Equal(t, 1, fb.RevertAttempt)
	assert.Equal(t, "msg-1", fb.LastRevertedMessageID)

	rs, _ := s.Retry("s1")
	assert.Equal(t, 0, rs.Attempt, "successful revert resets retries")

	s.BeginAttempt("s1", DefaultRetryPolicy(), time.Now())
	fb, ok = s.RecordRevert("s1", "msg-2", false)
	require.True(t, ok)
	assert.Equal(t, 2, fb.RevertAttempt)
	assert.Equal(t, "msg-1", fb.LastRevertedMessageID)

	rs, _ = s.Retry("s1")
	assert.Equal(t, 1, rs.Attempt, "failed revert leaves retries alone")

	_, ok = s.RecordRevert("ghost", "msg", true)
	assert.False(t, ok)
	assert.False(t, s.Has("ghost"))
}

func TestStore_CanFallback(t *testing.T) {
	s := NewStore()
	policy := FallbackPolicy{MaxRevertAttempts: 1, MinMessagesRequired: 2}

	assert.False(t, s.CanFallback("s1", policy))
	assert.False(t, s.Has("s1"))

	s.MarkPending("s1", TokenLimitError{})
	assert.True(t, s.CanFallback("s1", policy))
	_, created := s.Fallback("s1")
	assert.True(t, created)

	s.RecordRevert("s1", "m", true)
	assert.False(t, s.CanFallback("s1", policy))
}

func TestStore_ResolveKeepsFallbackBudget(t *testing.T) {
	s := NewStore()
	s.MarkPending("s1", TokenLimitError{ProviderID: "p", ModelID: "m"})
	s.BeginAttempt("s1", DefaultRetryPolicy(), time.Now())
	s.RecordRevert("s1", "m1", true)

	assert.True(t, s.Resolve("s1"))
	assert.Equal(t, PhaseIdle, s.Phase("s1"))
	_, hasErr := s.Error("s1")
	_, hasRetry := s.Retry("s1")
	fb, hasFallback := s.Fallback("s1")
	assert.False(t, hasErr)
	assert.False(t, hasRetry)
	assert.True(t, hasFallback)
	assert.Equal(t, 1, fb.RevertAttempt)

	assert.False(t, s.Resolve("s1"), "already resolved")
}

func TestStore_Clear(t *testing.T) {
	s := NewStore()
	assert.False(t, s.Clear("s1"))

	s.MarkPending("s1", TokenLimitError{})
	s.BeginAttempt("s1", DefaultRetryPolicy(), time.Now())
	s.RecordRevert("s1", "m1", true)

	assert.True(t, s.Clear("s1"))
	assert.False(t, s.Has("s1"))
	assert.Equal(t, 0, s.Len())

	// A resolved session still holds its revert budget until cleared.
	s.MarkPending("s2", TokenLimitError{})
	s.RecordRevert("s2", "m1", true)
	s.Resolve("s2")
	assert.True(t, s.Has("s2"))
	assert.True(t, s.Clear("s2"))
	assert.False(t, s.Has("s2"))
}

func TestStore_SetModel(t *testing.T) {
	s := NewStore()
	s.SetModel("s1", "p", "m")
	assert.False(t, s.Has("s1"), "no state for idle sessions")

	s.MarkPending("s1", TokenLimitError{CurrentTokens: 3, MaxTokens: 2})
	s.SetModel("s1", "p", "m")
	tle, _ := s.Error("s1")
	assert.True(t, tle.HasModel())
	assert.Equal(t, 3, tle.CurrentTokens)
}

func TestStore_Snapshots(t *testing.T) {
	s := NewStore()
	s.MarkPending("b", TokenLimitError{CurrentTokens: 2, MaxTokens: 1})
	s.MarkPending("a", TokenLimitError{CurrentTokens: 4, MaxTokens: 3})
	s.BeginAttempt("a", DefaultRetryPolicy(), time.Now())

	snaps := s.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].SessionID)
	assert.Equal(t, "b", snaps[1].SessionID)
	require.NotNil(t, snaps[0].Retry)
	assert.Equal(t, 1, snaps[0].Retry.Attempt)
	assert.Nil(t, snaps[1].Retry)
	assert.Nil(t, snaps[1].Fallback)

	_, ok := s.Snapshot("missing")
	assert.False(t, ok)
}

func TestStore_Concurrent(t *testing.T) {
	s := NewStore()
	policy := RetryPolicy{MaxAttempts: 1000}
	s.MarkPending("s1", TokenLimitError{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				s.BeginAttempt("s1", policy, time.Now())
				s.MarkPending("s1", TokenLimitError{CurrentTokens: j})
				_ = s.Snapshots()
			}
		}()
	}
	wg.Wait()

	rs, ok := s.Retry("s1")
	require.True(t, ok)
	assert.Equal(t, 500, rs.Attempt)
}
