// Package jobtest provides in-memory job collaborators for tests.
package jobtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/tascord/embedder/internal/job"
	"github.com/tascord/embedder/internal/metadata"
)

var (
	_ job.Repository = (*Repository)(nil)
	_ job.Enqueuer   = (*Queue)(nil)
)

type Repository struct {
	mu   sync.Mutex
	jobs map[string]job.Job
}

func NewRepository() *Repository {
	return &Repository{jobs: make(map[string]job.Job)}
}

func (r *Repository) Create(_ context.Context, j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[j.ID]; ok {
		return fmt.Errorf("duplicate job %s", j.ID)
	}
	r.jobs[j.ID] = *j
	return nil
}

func (r *Repository) GetByID(_ context.Context, id string) (*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	return &j, nil
}

func (r *Repository) UpdateStatus(_ context.Context, id string, status job.Status) error {
	return r.update(id, func(j *job.Job) { j.Status = status })
}

func (r *Repository) Complete(_ context.Context, id string, result *metadata.WebData) error {
	return r.update(id, func(j *job.Job) {
		j.Status = job.StatusCompleted
		j.Result = result
		j.Error = ""
	})
}

func (r *Repository) Fail(_ context.Context, id string, reason string) error {
	return r.update(id, func(j *job.Job) {
		j.Status = job.StatusFailed
		j.Error = reason
	})
}

// Age moves a job's timestamps d into the past.
func (r *Repository) Age(id string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.jobs[id]
	j.CreatedAt = j.CreatedAt.Add(-d)
	j.UpdatedAt = j.UpdatedAt.Add(-d)
	r.jobs[id] = j
}

func (r *Repository) update(id string, fn func(*job.Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	fn(&j)
	j.UpdatedAt = time.Now().UTC()
	r.jobs[id] = j
	return nil
}

func (r *Repository) ListByStatus(_ context.Context, statuses []job.Status) ([]*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := make(map[job.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*job.Job
	for _, j := range r.jobs {
		if want[j.Status] {
			j := j
			out = append(out, &j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

// Queue records enqueued tasks instead of sending them to redis.
type Queue struct {
	mu    sync.Mutex
	Tasks []*asynq.Task
	Err   error
}

func (q *Queue) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return nil, q.Err
	}
	q.Tasks = append(q.Tasks, task)
	return &asynq.TaskInfo{ID: fmt.Sprintf("task-%d", len(q.Tasks)), Type: task.Type()}, nil
}
