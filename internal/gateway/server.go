// Package gateway serves the recovery HTTP API and dashboard WebSocket.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"salvage/internal/config"
	"salvage/internal/gateway/handlers"
	"salvage/internal/gateway/middleware"
	"salvage/internal/gateway/websocket"
	"salvage/pkg/logger"
)

// APIPrefix is the path prefix of the versioned API.
const APIPrefix = "/api/v1"

// Deps are the services behind the gateway's endpoints.
type Deps struct {
	Hub       *websocket.Hub
	Events    handlers.EventSink
	Snapshots handlers.SnapshotSource
	Journal   handlers.JournalSource
	Health    handlers.HealthSource
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Version string
}

// Server is the HTTP gateway.
type Server struct {
	httpServer  *http.Server
	router      *mux.Router
	hub         *websocket.Hub
	watcher     *Watcher
	rateLimiter *middleware.RateLimiter
	addr        string
	started     time.Time

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates the gateway and registers its routes.
func NewServer(cfg config.GatewayConfig, deps Deps) *Server {
	router := mux.NewRouter()
	rateLimiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
	})

	s := &Server{
		router:      router,
		hub:         deps.Hub,
		rateLimiter: rateLimiter,
		addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		started:     time.Now(),
	}

	api := router.PathPrefix(APIPrefix).Subrouter()
	api.HandleFunc("/health", handlers.HealthHandler(deps.Version, s.started, deps.Health)).Methods(http.MethodGet)

	events := api.NewRoute().Subrouter()
	events.Use(rateLimiter.Middleware)
	(&handlers.Recovery{
		Events:    deps.Events,
		Snapshots: deps.Snapshots,
		Journal:   deps.Journal,
	}).Register(events)

	if deps.Metrics != nil {
		router.Handle("/metrics", deps.Metrics).Methods(http.MethodGet)
	}
	if deps.Hub != nil {
		if deps.Snapshots != nil {
			deps.Hub.SetSnapshotFunc(deps.Snapshots.Snapshot)
		}
		router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			websocket.ServeWs(deps.Hub, w, r)
		})
	}

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlers.SendError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "no route for "+r.URL.Path)
	})

	// Recovery -> Logging -> CORS -> router
	s.httpServer = &http.Server{
		Handler:           middleware.Recovery(middleware.Logging(middleware.CORS(router))),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Router returns the route table.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *websocket.Hub {
	return s.hub
}

// SetWatcher attaches a config watcher stopped with the server.
func (s *Server) SetWatcher(w *Watcher) {
	s.watcher = w
}

// Addr returns the bound address once listening, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until Shutdown. ctx bounds background helpers.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	if s.hub != nil {
		go s.hub.Run(ctx)
	}
	go s.rateLimiter.Run(ctx, 5*time.Minute)

	logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown stops the watcher and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info().Msg("Shutting down gateway server")

	if s.watcher != nil {
		s.watcher.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}
