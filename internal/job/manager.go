package job

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

type ManagerConfig struct {
	Queue    string
	MaxRetry int
	// Timeout bounds one execution of the task.
	Timeout time.Duration
}

type Manager struct {
	repo   Repository
	queue  Enqueuer
	config ManagerConfig
	logger *slog.Logger
}

func NewManager(repo Repository, queue Enqueuer, config ManagerConfig, logger *slog.Logger) *Manager {
	if config.Queue == "" {
		config.Queue = "default"
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	return &Manager{
		repo:   repo,
		queue:  queue,
		config: config,
		logger: logger.With("component", "job-manager"),
	}
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return nil
}

// Submit stores a pending job and queues it for the fetch worker.
func (m *Manager) Submit(ctx context.Context, rawURL string, mode Mode) (*Job, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	if mode == "" {
		mode = ModeStatic
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	j := &Job{
		ID:        uuid.New().String(),
		URL:       rawURL,
		Mode:      mode,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.repo.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("store job: %w", err)
	}

	payload, err := json.Marshal(FetchPayload{JobID: j.ID, URL: j.URL, Mode: j.Mode})
	if err != nil {
		return nil, err
	}
	task := asynq.NewTask(TaskFetch, payload)

	info, err := m.queue.EnqueueContext(ctx, task,
		asynq.Queue(m.config.Queue),
		asynq.MaxRetry(m.config.MaxRetry),
		asynq.Timeout(m.config.Timeout),
		asynq.TaskID(j.ID),
	)
	if err != nil {
		m.logger.Error("Failed to enqueue job", "job_id", j.ID, "error", err)
		if ferr := m.repo.Fail(ctx, j.ID, "enqueue: "+err.Error()); ferr != nil {
			m.logger.Error("Failed to mark job failed", "job_id", j.ID, "error", ferr)
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	m.logger.Info("Job submitted", "job_id", j.ID, "task_id", info.ID, "mode", j.Mode, "url", j.URL)
	return j, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	return m.repo.GetByID(ctx, id)
}
