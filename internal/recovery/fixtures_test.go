package recovery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// manualScheduler fires callbacks only when the test advances virtual time.
type manualScheduler struct {
	mu    sync.Mutex
	now   time.Time
	seq   int
	tasks []*manualTask
}

type manualTask struct {
	id        int
	sessionID string
	at        time.Time
	fn        func(ctx context.Context)
	stopped   bool
	fired     bool
}

func (t *manualTask) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (s *manualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *manualScheduler) Schedule(sessionID string, delay time.Duration, fn func(ctx context.Context)) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	task := &manualTask{id: s.seq, sessionID: sessionID, at: s.now.Add(delay), fn: fn}
	s.tasks = append(s.tasks, task)
	return task
}

// Pending returns the delays of armed callbacks relative to now.
func (s *manualScheduler) Pending() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Duration
	for _, task := range s.tasks {
		if !task.stopped && !task.fired {
			out = append(out, task.at.Sub(s.now))
		}
	}
	return out
}

// Advance moves virtual time forward and runs every callback that falls due, in order.
func (s *manualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	deadline := s.now.Add(d)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		var due []*manualTask
		for _, task := range s.tasks {
			if !task.stopped && !task.fired && !task.at.After(deadline) {
				due = append(due, task)
			}
		}
		if len(due) == 0 {
			s.now = deadline
			s.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].at.Equal(due[j].at) {
				return due[i].id < due[j].id
			}
			return due[i].at.Before(due[j].at)
		})
		next := due[0]
		next.fired = true
		s.now = next.at
		s.mu.Unlock()

		next.fn(context.Background())
	}
}

// RunAll drains every armed callback regardless of its delay.
func (s *manualScheduler) RunAll() {
	s.Advance(24 * time.Hour)
}

type call struct {
	Op        string
	SessionID string
	Arg       string
}

// fakeClient is a scripted session client.
type fakeClient struct {
	mu            sync.Mutex
	messages      map[string][]Message
	listErr       error
	summarizeErrs []error
	revertErr     map[string]error
	submitErr     error
	calls         []call
	onSummarize   func()
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		messages:  make(map[string][]Message),
		revertErr: make(map[string]error),
	}
}

func (f *fakeClient) ListMessages(_ context.Context, sessionID string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Op: "list", SessionID: sessionID})
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]Message, len(f.messages[sessionID]))
	copy(out, f.messages[sessionID])
	return out, nil
}

func (f *fakeClient) Summarize(_ context.Context, sessionID, providerID, modelID string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call{Op: "summarize", SessionID: sessionID, Arg: providerID + "/" + modelID})
	var err error
	if len(f.summarizeErrs) > 0 {
		err = f.summarizeErrs[0]
		f.summarizeErrs = f.summarizeErrs[1:]
	}
	hook := f.onSummarize
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return err
}

func (f *fakeClient) Revert(_ context.Context, sessionID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Op: "revert", SessionID: sessionID, Arg: messageID})
	if err := f.revertErr[messageID]; err != nil {
		return err
	}
	msgs := f.messages[sessionID]
	for i, m := range msgs {
		if m.Info.ID == messageID {
			f.messages[sessionID] = append(msgs[:i:i], msgs[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeClient) SubmitPendingPrompt(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Op: "submit", SessionID: sessionID})
	return f.submitErr
}

// failSummarize makes the next n summarize calls fail.
func (f *fakeClient) failSummarize(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.summarizeErrs = append(f.summarizeErrs, errors.New("summarize: upstream unavailable"))
	}
}

func (f *fakeClient) ops(op string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeClient) setHistory(sessionID string, roles ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := make([]Message, 0, len(roles))
	for i, role := range roles {
		msgs = append(msgs, Message{Info: MessageInfo{
			ID:         sessionID + "-m" + string(rune('0'+i)),
			SessionID:  sessionID,
			Role:       role,
			ProviderID: "anthropic",
			ModelID:    "claude-sonnet",
		}})
	}
	f.messages[sessionID] = msgs
}

// fakeNotifier records toasts and can be told to fail.
type fakeNotifier struct {
	mu     sync.Mutex
	toasts []Toast
	err    error
	panics bool
}

func (n *fakeNotifier) ShowToast(_ context.Context, toast Toast) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.toasts = append(n.toasts, toast)
	if n.panics {
		panic("toast transport exploded")
	}
	return n.err
}

func (n *fakeNotifier) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.toasts))
	for _, t := range n.toasts {
		out = append(out, t.Title)
	}
	return out
}

func (n *fakeNotifier) byTitle(title string) []Toast {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Toast
	for _, t := range n.toasts {
		if t.Title == title {
			out = append(out, t)
		}
	}
	return out
}

// stepLog collects recorded steps.
type stepLog struct {
	mu    sync.Mutex
	steps []Step
}

func (l *stepLog) Record(_ context.Context, step Step) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = append(l.steps, step)
}

func (l *stepLog) kinds() []StepKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]StepKind, 0, len(l.steps))
	for _, s := range l.steps {
		out = append(out, s.Kind)
	}
	return out
}

func (l *stepLog) count(kind StepKind) int {
	n := 0
	for _, k := range l.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

type harness struct {
	ctrl     *Controller
	client   *fakeClient
	notifier *fakeNotifier
	steps    *stepLog
	sched    *manualScheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		client:   newFakeClient(),
		notifier: &fakeNotifier{},
		steps:    &stepLog{},
		sched:    newManualScheduler(),
	}
	ctrl, err := NewController(h.client, DefaultConfig(),
		WithNotifier(h.notifier),
		WithRecorder(h.steps),
		WithScheduler(h.sched),
		WithClock(h.sched),
		WithLogger(zerolog.Nop()),
	)
	require.NoError(t, err)
	h.ctrl = ctrl
	return h
}

// overflow reports a token limit error that names its model.
func (h *harness) overflow(sessionID string) {
	h.ctrl.HandleMessageUpdated(context.Background(), MessageInfo{
		ID:         sessionID + "-err",
		SessionID:  sessionID,
		Role:       RoleAssistant,
		ProviderID: "anthropic",
		ModelID:    "claude-sonnet",
		Error: map[string]any{
			"name": "APIError",
			"data": map[string]any{
				"message": "prompt is too long: 210000 tokens > 200000 maximum",
			},
		},
	})
}
