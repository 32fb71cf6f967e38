package job

import (
	"context"
	"log/slog"
	"time"
)

type SweeperConfig struct {
	Interval time.Duration
	// MaxAge is how long a job may stay pending or running.
	MaxAge time.Duration
}

// Sweeper fails jobs that were never finished, e.g. because the worker
// died mid-task.
type Sweeper struct {
	repo   Repository
	config SweeperConfig
	logger *slog.Logger
	stopCh chan struct{}
}

func NewSweeper(repo Repository, config SweeperConfig, logger *slog.Logger) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.MaxAge <= 0 {
		config.MaxAge = 15 * time.Minute
	}
	return &Sweeper{
		repo:   repo,
		config: config,
		logger: logger.With("component", "job-sweeper"),
		stopCh: make(chan struct{}),
	}
}

// Start blocks; run it in a goroutine.
func (s *Sweeper) Start() {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("Job sweeper started", "interval", s.config.Interval, "max_age", s.config.MaxAge)
	for {
		select {
		case <-s.stopCh:
			s.logger.Info("Job sweeper stopped")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			s.Sweep(ctx)
			cancel()
		}
	}
}

func (s *Sweeper) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Sweep fails every stale job once and returns how many it touched.
func (s *Sweeper) Sweep(ctx context.Context) int {
	stale, err := s.repo.ListByStatus(ctx, []Status{StatusPending, StatusRunning})
	if err != nil {
		s.logger.Error("Failed to list unfinished jobs", "error", err)
		return 0
	}

	cutoff := time.Now().Add(-s.config.MaxAge)
	swept := 0
	for _, j := range stale {
		if !j.UpdatedAt.Before(cutoff) {
			continue
		}
		s.logger.Warn("Failing stale job",
			"job_id", j.ID,
			"status", j.Status,
			"age", time.Since(j.UpdatedAt),
		)
		if err := s.repo.Fail(ctx, j.ID, "timed out in "+string(j.Status)); err != nil {
			s.logger.Error("Failed to fail stale job", "job_id", j.ID, "error", err)
			continue
		}
		swept++
	}

	if swept > 0 {
		s.logger.Info("Job sweep completed", "swept", swept)
	}
	return swept
}
