package recovery

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Client is the host's session API used during recovery.
type Client interface {
	// ListMessages returns the session history, oldest first.
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
	// Summarize compacts the session with the given model.
	Summarize(ctx context.Context, sessionID, providerID, modelID string) error
	// Revert removes a message and everything that depends on it.
	Revert(ctx context.Context, sessionID, messageID string) error
	// SubmitPendingPrompt re-sends the prompt that overflowed.
	SubmitPendingPrompt(ctx context.Context, sessionID string) error
}

// Config holds the controller's tunables.
type Config struct {
	Retry    RetryPolicy
	Fallback FallbackPolicy
	// ResubmitDelay is the wait between a successful compaction and re-submitting the prompt.
	ResubmitDelay time.Duration
	// RevertDelay is the wait between a successful revert and the next compaction attempt.
	RevertDelay time.Duration
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		Retry:         DefaultRetryPolicy(),
		Fallback:      DefaultFallbackPolicy(),
		ResubmitDelay: 500 * time.Millisecond,
		RevertDelay:   1 * time.Second,
	}
}

// Controller runs the recovery state machine for every session.
type Controller struct {
	client    Client
	store     *Store
	notifier  Notifier
	recorder  Recorder
	scheduler Scheduler
	clock     Clock
	logger    zerolog.Logger

	mu     sync.Mutex
	cfg    Config
	timers map[string]map[uint64]Timer
	seq    uint64
}

// Option configures a Controller.
type Option func(*Controller)

// WithStore sets the state store. A fresh store is used otherwise.
func WithStore(s *Store) Option {
	return func(c *Controller) {
		if s != nil {
			c.store = s
		}
	}
}

// WithNotifier sets the toast notifier.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) {
		c.notifier = n
	}
}

// WithRecorder sets the step recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) {
		c.recorder = r
	}
}

// WithScheduler sets the scheduler used for deferred callbacks.
func WithScheduler(s Scheduler) Option {
	return func(c *Controller) {
		if s != nil {
			c.scheduler = s
		}
	}
}

// WithClock sets the time source.
func WithClock(clock Clock) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// NewController creates a controller that recovers sessions through client.
func NewController(client Client, cfg Config, opts ...Option) (*Controller, error) {
	if client == nil {
		return nil, ErrNoClient
	}

	c := &Controller{
		client:    client,
		store:     NewStore(),
		scheduler: NewAfterFuncScheduler(context.Background()),
		clock:     systemClock{},
		logger:    log.With().Str("component", "recovery").Logger(),
		cfg:       cfg,
		timers:    make(map[string]map[uint64]Timer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Store returns the controller's state store.
func (c *Controller) Store() *Store {
	return c.store
}

// Config returns the active configuration.
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// SetConfig replaces the policies and delays. Sessions already in recovery
// keep their counters and see the new limits on their next step.
func (c *Controller) SetConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
}

// Snapshot returns the recovery state of one session.
func (c *Controller) Snapshot(sessionID string) (Snapshot, bool) {
	return c.store.Snapshot(sessionID)
}

// Snapshots returns the recovery state of every session in recovery.
func (c *Controller) Snapshots() []Snapshot {
	return c.store.Snapshots()
}

// HandleSessionError inspects the error carried by a session error event.
// It reports whether the error was a token limit overflow.
func (c *Controller) HandleSessionError(ctx context.Context, sessionID string, raw any) bool {
	if sessionID == "" {
		return false
	}
	tle := Parse(raw)
	if tle == nil {
		return false
	}
	c.detect(ctx, sessionID, *tle)
	return true
}

// HandleMessageUpdated inspects an assistant message that carries an error.
// Provider and model of the message are merged into the parsed error.
func (c *Controller) HandleMessageUpdated(ctx context.Context, info MessageInfo) bool {
	if info.SessionID == "" || info.Role != RoleAssistant || info.Error == nil {
		return false
	}
	tle := Parse(info.Error)
	if tle == nil {
		return false
	}
	c.detect(ctx, info.SessionID, tle.WithModel(info.ProviderID, info.ModelID))
	return true
}

func (c *Controller) detect(ctx context.Context, sessionID string, tle TokenLimitError) {
	opened := c.store.MarkPending(sessionID, tle)

	c.logger.Info().
		Str("session_id", sessionID).
		Int("current_tokens", tle.CurrentTokens).
		Int("max_tokens", tle.MaxTokens).
		Str("provider_id", tle.ProviderID).
		Str("model_id", tle.ModelID).
		Bool("new_episode", opened).
		Msg("token limit overflow detected")

	reason := "updated"
	if opened {
		reason = "opened"
	}
	c.record(ctx, Step{SessionID: sessionID, Kind: StepDetected, Error: &tle, Reason: reason})
}

// HandleSessionIdle starts compaction for a session that overflowed and has
// since gone quiet. Idle events for sessions in any other phase are ignored.
func (c *Controller) HandleSessionIdle(ctx context.Context, sessionID string) {
	if sessionID == "" || c.store.Phase(sessionID) != PhasePending {
		return
	}

	tle, _ := c.store.Error(sessionID)
	if !tle.HasModel() {
		last, ok := c.lastAssistant(ctx, sessionID)
		switch {
		case !ok:
			c.abandon(ctx, sessionID, "no assistant message")
			return
		case last.Summary:
			c.abandon(ctx, sessionID, "last assistant message is a summary")
			return
		case last.ProviderID == "" || last.ModelID == "":
			c.abandon(ctx, sessionID, "last assistant message has no model")
			return
		}
		c.store.SetModel(sessionID, last.ProviderID, last.ModelID)
	}

	c.notify(ctx, Toast{
		SessionID: sessionID,
		Title:     "Auto Compact",
		Message:   "Token limit exceeded. Summarizing session...",
		Severity:  SeverityWarning,
		Duration:  3 * time.Second,
	})

	c.attempt(ctx, sessionID, PhasePending)
}

// HandleSessionDeleted drops every trace of the session, whatever its phase.
func (c *Controller) HandleSessionDeleted(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	stopped := c.stopTimers(sessionID)
	if c.store.Clear(sessionID) || stopped > 0 {
		c.logger.Debug().
			Str("session_id", sessionID).
			Int("timers_stopped", stopped).
			Msg("recovery state purged")
		c.record(ctx, Step{SessionID: sessionID, Kind: StepPurged})
	}
}

func (c *Controller) abandon(ctx context.Context, sessionID, reason string) {
	if !c.store.Resolve(sessionID) {
		return
	}
	c.logger.Debug().Str("session_id", sessionID).Str("reason", reason).Msg("recovery abandoned")
	c.record(ctx, Step{SessionID: sessionID, Kind: StepAbandoned, Reason: reason})
}

func (c *Controller) lastAssistant(ctx context.Context, sessionID string) (MessageInfo, bool) {
	msgs, err := c.client.ListMessages(ctx, sessionID)
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("list messages failed")
		return MessageInfo{}, false
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Info.Role == RoleAssistant {
			return msgs[i].Info, true
		}
	}
	return MessageInfo{}, false
}

// notify delivers a toast. Delivery problems never reach the caller.
func (c *Controller) notify(ctx context.Context, toast Toast) {
	if c.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Str("title", toast.Title).
				Msg("notifier panicked")
		}
	}()

	if err := c.notifier.ShowToast(ctx, toast); err != nil {
		c.logger.Warn().
			Err(err).
			Str("session_id", toast.SessionID).
			Str("title", toast.Title).
			Msg("toast delivery failed")
	}
}

func (c *Controller) record(ctx context.Context, step Step) {
	if c.recorder == nil {
		return
	}
	if step.Time.IsZero() {
		step.Time = c.clock.Now()
	}
	c.recorder.Record(ctx, step)
}

// schedule arms fn for the session. A callback only runs if its timer is still
// registered when it fires, so stopTimers also neutralizes callbacks that are
// already queued.
func (c *Controller) schedule(sessionID string, delay time.Duration, fn func(ctx context.Context)) {
	c.mu.Lock()
	c.seq++
	id := c.seq
	set, ok := c.timers[sessionID]
	if !ok {
		set = make(map[uint64]Timer)
		c.timers[sessionID] = set
	}
	set[id] = nil
	c.mu.Unlock()

	t := c.scheduler.Schedule(sessionID, delay, func(ctx context.Context) {
		if !c.takeTimer(sessionID, id) {
			return
		}
		fn(ctx)
	})

	c.mu.Lock()
	if set, ok := c.timers[sessionID]; ok {
		if _, armed := set[id]; armed {
			set[id] = t
		}
	}
	c.mu.Unlock()
}

func (c *Controller) takeTimer(sessionID string, id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.timers[sessionID]
	if !ok {
		return false
	}
	if _, armed := set[id]; !armed {
		return false
	}
	delete(set, id)
	if len(set) == 0 {
		delete(c.timers, sessionID)
	}
	return true
}

func (c *Controller) stopTimers(sessionID string) int {
	c.mu.Lock()
	set := c.timers[sessionID]
	delete(c.timers, sessionID)
	c.mu.Unlock()

	for _, t := range set {
		if t != nil {
			t.Stop()
		}
	}
	return len(set)
}

// PendingTimers returns the number of armed callbacks for the session.
func (c *Controller) PendingTimers(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers[sessionID])
}
