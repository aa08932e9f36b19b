package cron

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Job is a named maintenance task.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// RunInfo describes the last run of a job.
type RunInfo struct {
	Name      string        `json:"name"`
	Schedule  string        `json:"schedule"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Error     string        `json:"error,omitempty"`
	Runs      int           `json:"runs"`
	Next      time.Time     `json:"next,omitempty"`
}

// parser accepts the standard five fields, an optional seconds field and
// descriptors such as @daily or @every 1m.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether spec parses.
func ValidateSchedule(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return &InvalidScheduleError{Schedule: spec, Cause: err}
	}
	return nil
}

type entry struct {
	job  Job
	id   cron.EntryID
	info RunInfo
}

// Scheduler runs jobs on their schedules. A job never overlaps with itself.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	running map[string]bool
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// NewScheduler creates a scheduler in the local time zone.
func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	logger := log.With().Str("component", "cron").Logger()

	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser), cron.WithLogger(cronLogger{logger})),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		entries: make(map[string]*entry),
		running: make(map[string]bool),
	}
}

// Add registers a job.
func (s *Scheduler) Add(job Job) error {
	if err := ValidateSchedule(job.Schedule); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[job.Name]; ok {
		return ErrJobExists
	}

	e := &entry{job: job, info: RunInfo{Name: job.Name, Schedule: job.Schedule}}
	id, err := s.cron.AddFunc(job.Schedule, func() {
		if err := s.execute(s.ctx, job.Name); err != nil && !errors.Is(err, ErrJobRunning) {
			s.logger.Warn().Err(err).Str("job_name", job.Name).Msg("scheduled job failed")
		}
	})
	if err != nil {
		return &InvalidScheduleError{Schedule: job.Schedule, Cause: err}
	}
	e.id = id
	s.entries[job.Name] = e

	s.logger.Info().Str("job_name", job.Name).Str("schedule", job.Schedule).Msg("job registered")
	return nil
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.cron.Start()
	s.started = true
}

// Stop stops scheduling, cancels running jobs and waits for them or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.cron.Stop()
		s.started = false
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs a job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	return s.execute(ctx, name)
}

func (s *Scheduler) execute(ctx context.Context, name string) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return context.Canceled
	}
	e, ok := s.entries[name]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	if s.running[name] {
		s.mu.Unlock()
		s.logger.Debug().Str("job_name", name).Msg("skipping overlapping run")
		return ErrJobRunning
	}
	s.running[name] = true
	s.wg.Add(1)
	s.mu.Unlock()

	start := time.Now()
	err := e.job.Run(ctx)
	elapsed := time.Since(start)

	s.mu.Lock()
	delete(s.running, name)
	e.info.StartedAt = start
	e.info.Duration = elapsed
	e.info.Runs++
	e.info.Error = ""
	if err != nil {
		e.info.Error = err.Error()
	}
	s.mu.Unlock()
	s.wg.Done()

	s.logger.Debug().Str("job_name", name).Dur("duration", elapsed).Err(err).Msg("job finished")
	return err
}

// Jobs returns the state of every registered job.
func (s *Scheduler) Jobs() []RunInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RunInfo, 0, len(s.entries))
	for _, e := range s.entries {
		info := e.info
		if s.started {
			info.Next = s.cron.Entry(e.id).Next
		}
		out = append(out, info)
	}
	return out
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
