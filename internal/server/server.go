// Package server assembles the recovery service: host client, controller,
// hook dispatch, storage, cron jobs and the gateway. The CLI's serve command
// and the tests share this single implementation.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"salvage/internal/config"
	"salvage/internal/cron"
	"salvage/internal/gateway"
	"salvage/internal/gateway/websocket"
	"salvage/internal/hooks"
	hooksbuiltin "salvage/internal/hooks/builtin"
	"salvage/internal/hostapi"
	"salvage/internal/metrics"
	"salvage/internal/recovery"
	"salvage/internal/scheduler"
	"salvage/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// maxTrackedSessions bounds the session directory cache.
const (
	maxTrackedSessions = 1024
	hostCallsPerEvent  = 4
)

// Server is the running recovery service.
type Server struct {
	cfg     *config.Config
	logger  zerolog.Logger
	version string

	db       *storage.DB
	journal  *storage.Journal
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	hooks    *hooks.Manager
	audit    *hooksbuiltin.AuditHook
	sessions *scheduler.SessionManager
	queue    *scheduler.RunQueue
	host     *hostapi.Client
	ctrl     *recovery.Controller
	sink     *eventSink

	cron    *cron.Scheduler
	gateway *gateway.Server
	watcher *gateway.Watcher

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
	stopOnce  sync.Once
}

// Options configures a Server.
type Options struct {
	// Config is the loaded configuration. Required.
	Config *config.Config
	// ConfigPath is watched for changes when set.
	ConfigPath string
	Logger     zerolog.Logger
	Version    string
}

// New wires every component but starts nothing.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		logger:  opts.Logger,
		version: opts.Version,
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := s.init(opts.ConfigPath); err != nil {
		cancel()
		s.closeStorage()
		return nil, err
	}
	return s, nil
}

func (s *Server) init(configPath string) error {
	cfg := s.cfg

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	s.db = db
	s.journal = storage.NewJournal(db)

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = metrics.New(s.registry)

	s.sessions = scheduler.NewSessionManager(maxTrackedSessions)
	s.queue = scheduler.NewRunQueue(cfg.Queue.Size, cfg.Queue.IdleTimeout)
	s.queue.SetLogger(s.logger.With().Str("component", "run_queue").Logger())

	s.host = hostapi.New(cfg.Host.BaseURL,
		hostapi.WithTimeout(cfg.Host.Timeout),
		hostapi.WithDirectory(cfg.Host.Directory),
		hostapi.WithDirectoryResolver(s.sessions.Directory),
	)

	hub := websocket.NewHub()
	s.hooks = hooks.NewManager()

	if _, err := hooksbuiltin.RegisterLoggingHooks(s.hooks, hooksbuiltin.LoggingConfig{
		Level:  zerolog.DebugLevel,
		Logger: &s.logger,
	}); err != nil {
		return err
	}

	recorders := recovery.Recorders{s.journal, s.metrics, hub}
	if cfg.Audit.Enabled {
		auditLogger := s.logger.With().Str("component", "audit").Logger()
		s.audit, err = hooksbuiltin.RegisterAuditHooks(s.hooks, hooksbuiltin.AuditConfig{
			Store:          hooksbuiltin.NewLogAuditStore(&auditLogger),
			SkipDetections: cfg.Audit.SkipDetections,
		})
		if err != nil {
			return err
		}
		recorders = append(recorders, s.audit)
	}

	s.ctrl, err = recovery.NewController(s.host, cfg.RecoveryConfig(),
		recovery.WithScheduler(scheduler.NewTimers(s.ctx, s.queue)),
		recovery.WithRecorder(recorders),
		recovery.WithNotifier(s.metrics.Notifier(recovery.MultiNotifier{s.host, hub})),
		recovery.WithLogger(s.logger.With().Str("component", "recovery").Logger()),
	)
	if err != nil {
		return fmt.Errorf("failed to create recovery controller: %w", err)
	}
	s.metrics.TrackSessions(s.ctrl.Store().Len)

	if err := registerSessionTracker(s.hooks, s.sessions); err != nil {
		return err
	}
	if err := hooksbuiltin.RegisterAutoCompactHooks(s.hooks, s.ctrl, autoCompactTimeout(cfg.Host.Timeout)); err != nil {
		return err
	}

	s.sink = &eventSink{
		ctx:     s.ctx,
		manager: s.hooks,
		queue:   s.queue,
		metrics: s.metrics,
		logger:  s.logger,
	}

	if cfg.Cron.Enabled {
		if err := s.initCron(); err != nil {
			return err
		}
	}

	s.gateway = gateway.NewServer(cfg.Gateway, gateway.Deps{
		Hub:       hub,
		Events:    s.sink,
		Snapshots: s.ctrl,
		Journal:   s.journal,
		Health:    &healthSource{store: s.ctrl.Store(), kv: db},
		Metrics:   promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}),
		Version:   s.version,
	})

	if configPath != "" {
		s.watcher, err = gateway.NewWatcher(hub, s.reloadConfig, configPath)
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
		s.gateway.SetWatcher(s.watcher)
	}

	return nil
}

func (s *Server) initCron() error {
	cfg := s.cfg
	s.cron = cron.NewScheduler()

	prune := cron.PruneJob(cfg.Cron.PruneSchedule, s.journal, s.db, cfg.Storage.Retention, time.Now)
	if err := s.cron.Add(prune); err != nil {
		return fmt.Errorf("failed to add prune job: %w", err)
	}

	if cfg.Cron.HealthSchedule != "" {
		// Entries outlive a few missed runs before the gateway reports unknown.
		ttl := 3 * cfg.Host.Timeout
		if ttl < 5*time.Minute {
			ttl = 5 * time.Minute
		}
		health := cron.HealthJob(cfg.Cron.HealthSchedule, s.checkHost, s.db, ttl)
		if err := s.cron.Add(health); err != nil {
			return fmt.Errorf("failed to add health job: %w", err)
		}
	}
	return nil
}

func (s *Server) checkHost(ctx context.Context) (string, error) {
	h, err := s.host.CheckCompatibility(ctx, s.cfg.Host.MinVersion)
	if h == nil {
		return "", err
	}
	return h.Version, err
}

// reloadConfig applies an edited config file to the running controller.
// Gateway, storage and queue settings need a restart.
func (s *Server) reloadConfig(path string) error {
	cfg, err := config.Reload()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.ctrl.SetConfig(cfg.RecoveryConfig())

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	s.logger.Info().Str("path", path).Msg("Configuration reloaded")
	return nil
}

// Run starts the service and blocks until ctx is done or the gateway fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.gateway.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.gateway.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	defer s.Stop()

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.ctx.Done():
		}
	}()

	if _, err := s.hooks.TriggerStartup(s.ctx); err != nil {
		s.logger.Warn().Err(err).Msg("startup hooks failed")
	}

	if s.cron != nil {
		s.cron.Start()
	}
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			s.logger.Warn().Err(err).Msg("config watcher not started")
		}
	}
	if s.cfg.Host.Subscribe {
		go func() {
			if err := s.host.Subscribe(s.ctx, s.sink.stream); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("host event subscription ended")
			}
		}()
	}

	s.logger.Info().
		Str("address", "http://"+ln.Addr().String()).
		Str("host", s.cfg.Host.BaseURL).
		Msg("salvage started")

	if err := s.gateway.Serve(s.ctx, ln); err != nil {
		s.logger.Error().Err(err).Msg("gateway error")
		return err
	}
	return nil
}

// Stop shuts everything down. It is safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("Stopping salvage...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if _, err := s.hooks.TriggerShutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("shutdown hooks failed")
		}

		if err := s.gateway.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("Error during gateway shutdown")
		}
		if s.cron != nil {
			if err := s.cron.Stop(shutdownCtx); err != nil {
				s.logger.Warn().Err(err).Msg("cron did not stop cleanly")
			}
		}

		s.cancel()
		if err := s.queue.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("run queue did not drain")
		}
		if s.audit != nil {
			_ = s.audit.Close()
		}
		s.closeStorage()

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()

		s.logger.Info().Msg("salvage stopped")
	})
}

func (s *Server) closeStorage() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close storage")
	}
}

// IsRunning reports whether Serve is active.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// StartedAt returns when Serve was entered.
func (s *Server) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// Config returns the active configuration.
func (s *Server) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Controller exposes the recovery controller.
func (s *Server) Controller() *recovery.Controller { return s.ctrl }

// Sessions exposes the tracked host sessions.
func (s *Server) Sessions() *scheduler.SessionManager { return s.sessions }

// Ingest feeds a host event through the same path as POST /events.
func (s *Server) Ingest(ctx context.Context, ev hooks.Event) error {
	return s.sink.Ingest(ctx, ev)
}

// autoCompactTimeout bounds one recovery handler call. An idle event may list,
// revert and summarize in sequence, each under the host timeout.
func autoCompactTimeout(hostTimeout time.Duration) time.Duration {
	if hostTimeout <= 0 {
		return 0
	}
	return hostCallsPerEvent * hostTimeout
}
