package job

import (
	"context"

	"github.com/hibiken/asynq"

	"github.com/tascord/embedder/internal/metadata"
)

type Repository interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, id string) (*Job, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	Complete(ctx context.Context, id string, result *metadata.WebData) error
	Fail(ctx context.Context, id string, reason string) error
	ListByStatus(ctx context.Context, statuses []Status) ([]*Job, error)
}

// Enqueuer is the part of *asynq.Client the manager needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}
