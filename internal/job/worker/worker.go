package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/tascord/embedder/internal/eventbus"
	"github.com/tascord/embedder/internal/job"
	"github.com/tascord/embedder/internal/monitor"
)

var _ FetchWorker = (*FetchTaskWorker)(nil)

type FetchTaskWorker struct {
	fetcher Fetcher
	repo    job.Repository
	bus     eventbus.EventBus
	logger  *slog.Logger
}

func NewFetchTaskWorker(fetcher Fetcher, repo job.Repository, bus eventbus.EventBus, logger *slog.Logger) *FetchTaskWorker {
	return &FetchTaskWorker{
		fetcher: fetcher,
		repo:    repo,
		bus:     bus,
		logger:  logger.With("component", "fetch-worker"),
	}
}

func (w *FetchTaskWorker) HandleFetch(ctx context.Context, task *asynq.Task) error {
	var payload job.FetchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		w.logger.Error("Failed to unmarshal payload", "error", err)
		return fmt.Errorf("json unmarshal error: %v: %w", err, asynq.SkipRetry)
	}
	logger := w.logger.With("job_id", payload.JobID, "mode", payload.Mode)
	logger.Info("Processing fetch task", "url", payload.URL)

	if err := w.repo.UpdateStatus(ctx, payload.JobID, job.StatusRunning); err != nil {
		if errors.Is(err, job.ErrNotFound) {
			logger.Error("Job vanished before processing")
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}

	data, err := w.fetcher.Fetch(ctx, payload.URL, payload.Mode)
	if err != nil {
		if !finalAttempt(ctx) {
			logger.Warn("Fetch failed, will retry", "error", err)
			return err
		}
		logger.Error("Fetch failed", "error", err)
		monitor.JobsProcessed.WithLabelValues(string(job.StatusFailed)).Inc()
		if ferr := w.repo.Fail(ctx, payload.JobID, err.Error()); ferr != nil {
			logger.Error("Failed to store job failure", "error", ferr)
		}
		w.publish(ctx, payload.JobID, eventbus.Event{
			Type:    eventbus.EventJobFailed,
			Subject: payload.JobID,
			Payload: err.Error(),
		})
		return err
	}

	if err := w.repo.Complete(ctx, payload.JobID, data); err != nil {
		logger.Error("Failed to store job result", "error", err)
		return err
	}
	monitor.JobsProcessed.WithLabelValues(string(job.StatusCompleted)).Inc()
	w.publish(ctx, payload.JobID, eventbus.Event{
		Type:    eventbus.EventJobCompleted,
		Subject: payload.JobID,
		Payload: data,
	})

	logger.Info("Fetch task completed", "title", data.Title, "type", data.Type)
	return nil
}

func (w *FetchTaskWorker) publish(ctx context.Context, jobID string, ev eventbus.Event) {
	if w.bus == nil {
		return
	}
	if err := w.bus.Publish(ctx, eventbus.JobTopic(jobID), ev); err != nil {
		w.logger.Warn("Failed to publish job event", "job_id", jobID, "error", err)
	}
}

// finalAttempt is true outside an asynq handler or on the last retry.
func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	max, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= max
}
