package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiken/asynq"

	"github.com/tascord/embedder/internal/api"
	"github.com/tascord/embedder/internal/config"
	"github.com/tascord/embedder/internal/eventbus"
	"github.com/tascord/embedder/internal/job"
	"github.com/tascord/embedder/internal/job/repo"
	"github.com/tascord/embedder/internal/job/worker"
	"github.com/tascord/embedder/internal/monitor"
	"github.com/tascord/embedder/internal/orchestrator"
	"github.com/tascord/embedder/internal/service"
)

type Server struct {
	cfg         *config.Config
	deps        *Dependency
	httpServer  *http.Server
	asynqServer *asynq.Server
	asynqMux    *asynq.ServeMux
	orch        *orchestrator.Orchestrator
	reaper      *orchestrator.Reaper
	sweeper     *job.Sweeper
	logger      *slog.Logger
}

func NewServer(cfg *config.Config, deps *Dependency) (*Server, error) {
	logger := deps.Logger

	bus := eventbus.NewRedisBus(deps.Redis, logger)

	orch, err := NewOrchestrator(cfg, deps.Docker, deps.Redis, logger)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	jobRepo := repo.NewRepository(deps.PG, deps.Redis)
	jobMgr := job.NewManager(jobRepo, deps.AsynqClient, job.ManagerConfig{
		Queue:    cfg.Job.Queue,
		MaxRetry: cfg.Job.MaxRetry,
		Timeout:  cfg.Job.Timeout,
	}, logger)
	svc := service.NewService(orch, NewStaticFetcher(cfg.Fetch, logger), jobMgr, bus, logger)

	fetchWorker := worker.NewFetchTaskWorker(svc, jobRepo, bus, logger)

	asynqServer := asynq.NewServer(deps.AsynqRedis, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues:      map[string]int{cfg.Job.Queue: 1},
		Logger:      newAsynqLogger(logger),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(job.TaskFetch, fetchWorker.HandleFetch)

	router := api.NewRouter(svc, logger)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sweeper := job.NewSweeper(jobRepo, job.SweeperConfig{
		Interval: cfg.Job.SweepInterval,
		MaxAge:   cfg.Job.MaxAge,
	}, logger)

	return &Server{
		cfg:         cfg,
		deps:        deps,
		httpServer:  httpServer,
		asynqServer: asynqServer,
		asynqMux:    mux,
		orch:        orch,
		reaper:      orchestrator.NewReaper(orch, orchestrator.ReaperConfig{Interval: cfg.Session.ReapInterval}, logger),
		sweeper:     sweeper,
		logger:      logger,
	}, nil
}

func (s *Server) Start(ctx context.Context) error {
	// Build the session image in the background.
	go func() {
		if err := s.orch.EnsureImage(ctx); err != nil {
			s.logger.Warn("Session image not ready", "error", err)
		}
	}()

	go func() {
		s.logger.Info("Starting Asynq worker", "concurrency", s.cfg.Worker.Concurrency)
		if err := s.asynqServer.Start(s.asynqMux); err != nil {
			s.logger.Error("Asynq worker failed", "error", err)
		}
	}()

	go func() {
		if err := monitor.StartMetricsServer(ctx, s.cfg.Metrics.Addr, s.deps.Ready, s.logger); err != nil {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()

	go s.reaper.Start()
	go s.sweeper.Start()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", "addr", s.cfg.Server.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received, draining...")
	case err := <-errCh:
		s.Shutdown()
		return err
	}

	return s.Shutdown()
}

func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Session.TeardownTimeout+15*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.asynqServer.Shutdown()
	s.reaper.Stop()
	s.sweeper.Stop()

	if err := s.orch.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Session shutdown error", "error", err)
	}

	s.logger.Info("Server stopped gracefully")
	return nil
}

type asynqLogger struct {
	l *slog.Logger
}

func newAsynqLogger(l *slog.Logger) *asynqLogger {
	return &asynqLogger{l: l.With("component", "asynq")}
}

func (a *asynqLogger) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a *asynqLogger) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a *asynqLogger) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a *asynqLogger) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }
func (a *asynqLogger) Fatal(args ...any) { a.l.Error("FATAL: " + fmt.Sprint(args...)) }
