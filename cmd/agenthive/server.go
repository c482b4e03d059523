package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agenthive"
	"github.com/BaSui01/agenthive/api/handlers"
	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/internal/database"
	"github.com/BaSui01/agenthive/internal/metrics"
	"github.com/BaSui01/agenthive/internal/server"
	"github.com/BaSui01/agenthive/internal/telemetry"
	"github.com/BaSui01/agenthive/lifecycle"
	"github.com/BaSui01/agenthive/types"
)

// gaugeInterval is how often point-in-time gauges are refreshed.
const gaugeInterval = 10 * time.Second

// Server assembles the production coordinator: the hive facade, the
// optional database-backed task archive, the Prometheus collector, and
// the two HTTP listeners (coordination API and metrics).
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	providers *telemetry.Providers

	hive      *agenthive.Hive
	pool      *database.Pool
	archive   *lifecycle.GormArchive
	collector *metrics.Collector

	apiServer     *server.Manager
	metricsServer *server.Manager

	cancelBg context.CancelFunc
}

// NewServer creates the server shell. Components are assembled in Start.
func NewServer(cfg *config.Config, logger *zap.Logger, providers *telemetry.Providers) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger,
		providers: providers,
	}
}

// Start assembles and starts every component. Listeners are bound by
// Run; Start only prepares them.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting agenthive server",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)

	// 1. Metrics collector, shared by middleware, handlers and gauges.
	s.collector = metrics.NewCollector("agenthive", s.logger)

	// 2. Optional task archive. A broken database degrades to running
	// without task history rather than failing startup.
	archive := s.openArchive()

	// 3. The coordination core.
	opts := []agenthive.Option{
		agenthive.WithConfig(s.cfg),
		agenthive.WithLogger(s.logger),
		agenthive.WithSink(&metricsSink{collector: s.collector}),
	}
	if archive != nil {
		opts = append(opts, agenthive.WithArchive(archive))
	}
	hive, err := agenthive.New(opts...)
	if err != nil {
		return fmt.Errorf("assemble hive: %w", err)
	}
	s.hive = hive
	if err := hive.Start(ctx); err != nil {
		return fmt.Errorf("start hive: %w", err)
	}

	// 4. Breaker transitions feed the transition counter. Unsubscribe
	// closes the channel and stops the goroutine.
	events := hive.Breakers.Subscribe("metrics")
	go func() {
		for ev := range events {
			s.collector.RecordBreakerTransition(ev.AgentID, ev.To.String())
		}
	}()

	// 5. HTTP listeners.
	bg, cancel := context.WithCancel(context.Background())
	s.cancelBg = cancel

	s.apiServer = server.NewManager("api", s.buildAPIHandler(bg), server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	s.metricsServer = server.NewManager("metrics", s.buildMetricsHandler(), server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)

	return nil
}

// Run starts everything and blocks until ctx is cancelled or a listener
// fails. Shutdown always runs before it returns.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer s.Shutdown()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.apiServer.Run(gctx) })
	g.Go(func() error { return s.metricsServer.Run(gctx) })
	g.Go(func() error { return s.gaugeLoop(gctx) })
	return g.Wait()
}

// Shutdown releases everything Run's errgroup does not: the middleware
// janitor, the coordination core, the archive, the database pool, and
// the telemetry providers.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.cancelBg != nil {
		s.cancelBg()
	}
	if s.hive != nil {
		s.hive.Breakers.Unsubscribe("metrics")
		if err := s.hive.Close(); err != nil {
			s.logger.Warn("hive shutdown reported errors", zap.Error(err))
		}
	}
	if s.archive != nil {
		if err := s.archive.Close(); err != nil {
			s.logger.Warn("archive close failed", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Warn("database close failed", zap.Error(err))
		}
	}
	if s.providers != nil {
		if err := s.providers.Shutdown(ctx); err != nil {
			s.logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
	s.logger.Info("agenthive server stopped")
}

// openArchive connects the database and prepares the task archive.
// Failures are logged and the server runs without persistence.
func (s *Server) openArchive() *lifecycle.GormArchive {
	if !s.cfg.Lifecycle.ArchiveEnabled {
		return nil
	}

	db, err := database.Open(s.cfg.Database, s.logger)
	if err != nil {
		s.logger.Warn("database unavailable, task archive disabled", zap.Error(err))
		return nil
	}
	pool, err := database.NewPool(db, s.cfg.Database, s.collector, s.logger)
	if err != nil {
		s.logger.Warn("database pool setup failed, task archive disabled", zap.Error(err))
		return nil
	}
	archive, err := lifecycle.NewGormArchive(pool.DB(), s.logger)
	if err != nil {
		pool.Close()
		s.logger.Warn("task archive setup failed, running without it", zap.Error(err))
		return nil
	}
	archive.StartRetention(s.cfg.Lifecycle.ArchiveRetention, s.cfg.Lifecycle.ArchiveSweepInterval)

	s.pool = pool
	s.archive = archive
	return archive
}

// buildAPIHandler mounts the coordination API and wraps it in the
// middleware chain.
func (s *Server) buildAPIHandler(bg context.Context) http.Handler {
	taskHandler := handlers.NewTaskHandler(s.hive.Lifecycle, s.collector, s.logger)
	agentHandler := handlers.NewAgentHandler(s.hive.Registry, s.hive.Monitor, s.logger)

	healthHandler := handlers.NewHealthHandler(s.logger)
	if s.pool != nil {
		healthHandler.RegisterCheck(handlers.NewPingCheck("database", s.pool.Ping))
	}
	healthHandler.RegisterCheck(handlers.NewPingCheck("queue", func(ctx context.Context) error {
		_, err := s.hive.Queue.Stats(ctx)
		return err
	}))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks", taskHandler.HandleSubmitTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}", taskHandler.HandleGetTask)
	mux.HandleFunc("DELETE /api/v1/tasks/{id}", taskHandler.HandleCancelTask)
	mux.HandleFunc("POST /api/v1/agents", agentHandler.HandleRegisterAgent)
	mux.HandleFunc("GET /api/v1/agents", agentHandler.HandleListAgents)
	mux.HandleFunc("POST /api/v1/agents/{id}/heartbeat", agentHandler.HandleHeartbeat)
	mux.HandleFunc("GET /api/v1/agents/{id}/health", agentHandler.HandleAgentHealth)
	mux.HandleFunc("GET /healthz", healthHandler.HandleHealthz)
	mux.HandleFunc("GET /readyz", healthHandler.HandleReady)
	mux.HandleFunc("GET /version", healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	skipAuth := []string{"/healthz", "/readyz", "/version"}
	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		OTelTracing(),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(bg, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		Auth(s.cfg.Auth, skipAuth, s.logger),
	)
}

// buildMetricsHandler serves the Prometheus scrape endpoint on its own
// listener so operational traffic never competes with the API.
func (s *Server) buildMetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// gaugeLoop refreshes the point-in-time gauges until ctx is cancelled.
func (s *Server) gaugeLoop(ctx context.Context) error {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.observeGauges(ctx)
		}
	}
}

// observeGauges samples queue depths, agent counts, breaker states and
// task stages. Absent values are written as zero so gauges fall back
// instead of sticking at the last reading.
func (s *Server) observeGauges(ctx context.Context) {
	if stats, err := s.hive.Queue.Stats(ctx); err == nil {
		for _, lane := range types.Priorities() {
			s.collector.SetQueueDepth(string(lane), stats.Ready[lane])
		}
		s.collector.SetQueueBacklog(stats.Delayed, stats.InFlight, stats.DeadLetter)
	}

	reg := s.hive.Registry.Stats()
	for _, status := range []types.AgentStatus{
		types.StatusRegistered, types.StatusHealthy, types.StatusDegraded,
		types.StatusUnhealthy, types.StatusOffline,
	} {
		s.collector.SetAgents(string(status), reg.ByStatus[status])
	}

	byState := map[string]int{"closed": 0, "open": 0, "half_open": 0}
	for _, view := range s.hive.Breakers.Views() {
		byState[view.State.String()]++
	}
	s.collector.SetBreakerStates(byState)

	byStage := make(map[string]int, 8)
	for _, stage := range []types.TaskStage{
		types.StageCreated, types.StageQueued, types.StageDispatched,
		types.StageProcessing, types.StageCompleted, types.StageFailed,
		types.StageEscalated, types.StageArchived,
	} {
		byStage[string(stage)] = 0
	}
	for _, t := range s.hive.Lifecycle.Tasks() {
		byStage[string(t.Stage)]++
	}
	s.collector.SetActiveTasks(byStage)
}

// metricsSink counts escalations by trigger as they are delivered.
type metricsSink struct {
	collector *metrics.Collector
}

func (s *metricsSink) Deliver(_ context.Context, ev lifecycle.Escalation) error {
	s.collector.RecordEscalation(string(ev.Reason))
	return nil
}

func (s *metricsSink) Close() error { return nil }
