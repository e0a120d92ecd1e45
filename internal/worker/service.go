// Package worker provides the main worker service for ecoroute.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/ecoroute/internal/aggregate"
	"github.com/thebtf/ecoroute/internal/config"
	"github.com/thebtf/ecoroute/internal/db"
	gormdb "github.com/thebtf/ecoroute/internal/db/gorm"
	"github.com/thebtf/ecoroute/internal/db/memory"
	"github.com/thebtf/ecoroute/internal/gateway"
	"github.com/thebtf/ecoroute/internal/stream"
	"github.com/thebtf/ecoroute/internal/worker/session"
	"github.com/thebtf/ecoroute/internal/worker/sse"
)

// ShutdownTimeout bounds graceful shutdown of the HTTP server and sessions.
const ShutdownTimeout = 10 * time.Second

// serviceStats counts worker activity since start.
type serviceStats struct {
	PromptsSubmitted atomic.Int64
	PromptsRejected  atomic.Int64
	SessionsFinished atomic.Int64
	FallbackAnswers  atomic.Int64
	DeferredAnswers  atomic.Int64
}

// WorkerStats is the snapshot of serviceStats served by /api/stats.
type WorkerStats struct {
	Version          string  `json:"version"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	ActiveSessions   int     `json:"active_sessions"`
	ConnectedClients int     `json:"connected_clients"`
	PromptsSubmitted int64   `json:"prompts_submitted"`
	PromptsRejected  int64   `json:"prompts_rejected"`
	SessionsFinished int64   `json:"sessions_finished"`
	FallbackAnswers  int64   `json:"fallback_answers"`
	DeferredAnswers  int64   `json:"deferred_answers"`
	Processing       bool    `json:"processing"`
}

// Service wires the store, gateway, session manager and HTTP API.
type Service struct {
	version        string
	config         *config.Config
	store          db.Store
	gormStore      *gormdb.Store
	gateway        *gateway.Gateway
	sessionManager *session.Manager
	aggregator     *aggregate.Engine
	sseBroadcaster *sse.Broadcaster
	router         *chi.Mux
	server         *http.Server
	ctx            context.Context
	cancel         context.CancelFunc
	startTime      time.Time
	ready          atomic.Bool
	stats          serviceStats
}

// NewService builds a service from cfg.
func NewService(version string, cfg *config.Config) (*Service, error) {
	store, gormStore, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}

	gw, err := NewGateway(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	svc := newService(version, cfg, store, gw)
	svc.gormStore = gormStore
	return svc, nil
}

func newService(version string, cfg *config.Config, store db.Store, resolver *gateway.Gateway) *Service {
	ctx, cancel := context.WithCancel(context.Background())

	svc := &Service{
		version:        version,
		config:         cfg,
		store:          store,
		gateway:        resolver,
		sessionManager: session.NewManager(store, resolver, SessionConfig(cfg)),
		aggregator: aggregate.NewEngine(store, aggregate.FloorPolicy{
			SavedOffsetG:      cfg.FloorSavedG,
			PromptOffset:      cfg.FloorPrompts,
			ReductionFloorPct: cfg.FloorReductionPct,
		}),
		sseBroadcaster: sse.NewBroadcaster(),
		router:         chi.NewRouter(),
		ctx:            ctx,
		cancel:         cancel,
		startTime:      time.Now(),
	}

	svc.sessionManager.SetBroadcaster(svc.publishUpdate)
	svc.sessionManager.SetOnSessionCreated(func(*session.ActiveSession) {
		svc.stats.PromptsSubmitted.Add(1)
	})
	svc.sessionManager.SetOnSessionFinished(func(s *session.ActiveSession, res gateway.Result) {
		svc.stats.SessionsFinished.Add(1)
		switch res.Source {
		case gateway.SourceFallback:
			svc.stats.FallbackAnswers.Add(1)
		case gateway.SourceDeferred:
			svc.stats.DeferredAnswers.Add(1)
		}
	})

	svc.setupMiddleware()
	svc.setupRoutes()
	return svc
}

// OpenStore opens the store selected by cfg.DBDriver. The gorm store is nil
// for the memory driver.
func OpenStore(cfg *config.Config) (db.Store, *gormdb.Store, error) {
	switch cfg.DBDriver {
	case "memory":
		log.Warn().Msg("Using in-memory store, chats are lost on restart")
		return memory.NewStore(), nil, nil
	case gormdb.DriverSQLite, gormdb.DriverPostgres, "":
		driver := cfg.DBDriver
		if driver == "" {
			driver = gormdb.DriverSQLite
		}
		store, err := gormdb.NewStore(gormdb.Config{
			Driver:   driver,
			Path:     cfg.DBPath,
			DSN:      cfg.DBDSN,
			MaxConns: cfg.MaxConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open %s store: %w", driver, err)
		}
		return gormdb.NewChatStore(store), store, nil
	default:
		return nil, nil, fmt.Errorf("unsupported db driver %q", cfg.DBDriver)
	}
}

// NewGateway builds the backend gateway from cfg.
func NewGateway(cfg *config.Config) (*gateway.Gateway, error) {
	var opts []gateway.Option

	if cfg.FallbackTable != "" {
		data, err := os.ReadFile(cfg.FallbackTable)
		if err != nil {
			return nil, fmt.Errorf("read fallback table: %w", err)
		}
		table, err := gateway.ParseFallbackTable(data)
		if err != nil {
			return nil, fmt.Errorf("parse fallback table %s: %w", cfg.FallbackTable, err)
		}
		opts = append(opts, gateway.WithFallbackTable(table))
	}

	tokens := gateway.NewTokenCounter()
	bounds := gateway.DefaultSimulationBounds()
	if len(cfg.Models) > 0 {
		bounds.Models = cfg.Models
	}
	if len(cfg.Regions) > 0 {
		bounds.Regions = cfg.Regions
	}
	opts = append(opts,
		gateway.WithTokenCounter(tokens),
		gateway.WithMetricsProvider(gateway.NewRandomProvider(bounds, tokens, nil)),
	)

	var remote gateway.Remote
	if cfg.RemoteURL != "" {
		remote = gateway.NewHTTPRemote(cfg.RemoteURL, cfg.BackendTimeout())
	} else {
		log.Info().Msg("No remote orchestrator configured, answering locally")
	}

	return gateway.New(remote, gateway.Config{
		UserID:         cfg.UserID,
		ProjectID:      cfg.ProjectID,
		Timeout:        cfg.BackendTimeout(),
		ReceiptTimeout: cfg.ReceiptTimeout(),
		DeferWindow:    cfg.DeferWindow(),
		RateLimit:      cfg.RemoteRateLimit,
		RateBurst:      cfg.RemoteRateBurst,
	}, opts...), nil
}

// SessionConfig maps cfg onto session pacing.
func SessionConfig(cfg *config.Config) session.Config {
	sc := session.DefaultConfig()
	sc.Dwells = cfg.Dwells()
	sc.Delays = stream.Delays{
		Base:    time.Duration(cfg.StreamBaseMs) * time.Millisecond,
		Jitter:  time.Duration(cfg.StreamJitterMs) * time.Millisecond,
		Space:   time.Duration(cfg.StreamSpaceMs) * time.Millisecond,
		Newline: time.Duration(cfg.StreamNewlineMs) * time.Millisecond,
	}
	return sc
}

func (s *Service) publishUpdate(u session.Update) {
	s.sseBroadcaster.Publish(sse.Event{Name: string(u.Type), ChatID: u.ChatID, Data: u})
}

func (s *Service) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
}

// requestLogger logs each request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("requestId", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func (s *Service) setupRoutes() {
	s.router.Get("/", serveIndex)
	s.router.Get("/assets/*", serveAssets)

	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/ready", s.handleReady)
	s.router.Get("/api/version", s.handleVersion)

	s.router.Group(func(r chi.Router) {
		r.Use(s.requireReady)

		r.Get("/api/events", s.sseBroadcaster.HandleSSE)
		r.Get("/api/stats", s.handleStats)

		r.Route("/api/chats", func(r chi.Router) {
			r.Post("/", s.handleCreateChat)
			r.Get("/", s.handleListChats)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetChat)
				r.Delete("/", s.handleDeleteChat)
				r.Get("/messages", s.handleGetMessages)
				r.Post("/prompts", s.handleSubmitPrompt)
				r.Get("/session", s.handleGetSession)
				r.Post("/cancel", s.handleCancel)
				r.Post("/reset", s.handleReset)
				r.Post("/breakdown", s.handleBreakdown)
				r.Get("/stats", s.handleChatStats)
			})
		})
	})
}

// requireReady rejects requests until the service has started.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeError(w, http.StatusServiceUnavailable, "service not ready")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the HTTP handler of the service.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Run serves HTTP on the configured address until ctx is done, then shuts
// down gracefully.
func (s *Service) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No write timeout: /api/events is long-lived.
		IdleTimeout: 120 * time.Second,
		// Request contexts end when Shutdown starts, which releases event
		// streams before the server waits for its handlers.
		BaseContext: func(net.Listener) context.Context { return s.ctx },
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		log.Info().Str("addr", s.server.Addr).Str("version", s.version).Msg("Starting worker")
		s.ready.Store(true)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

// Shutdown stops accepting requests, cancels in-flight sessions and closes
// the store.
func (s *Service) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	s.cancel()

	var errs []error
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if err := s.sessionManager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("session shutdown: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	log.Info().Msg("Worker shutdown complete")
	return errors.Join(errs...)
}

// GetWorkerStats returns a snapshot of worker activity.
func (s *Service) GetWorkerStats() WorkerStats {
	return WorkerStats{
		Version:          s.version,
		UptimeSeconds:    time.Since(s.startTime).Seconds(),
		ActiveSessions:   s.sessionManager.GetActiveSessionCount(),
		ConnectedClients: s.sseBroadcaster.ClientCount(),
		Processing:       s.sessionManager.IsAnySessionProcessing(),
		PromptsSubmitted: s.stats.PromptsSubmitted.Load(),
		PromptsRejected:  s.stats.PromptsRejected.Load(),
		SessionsFinished: s.stats.SessionsFinished.Load(),
		FallbackAnswers:  s.stats.FallbackAnswers.Load(),
		DeferredAnswers:  s.stats.DeferredAnswers.Load(),
	}
}
