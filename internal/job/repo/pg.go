package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-pg/pg/v10"
	"github.com/go-pg/pg/v10/orm"
	"github.com/redis/go-redis/v9"

	"github.com/tascord/embedder/internal/job"
	"github.com/tascord/embedder/internal/metadata"
)

var _ job.Repository = (*Repository)(nil)

// Repository stores jobs in postgres and caches reads in redis. A nil
// redis client disables the cache.
type Repository struct {
	db    *pg.DB
	redis redis.Cmdable
}

func NewRepository(db *pg.DB, redis redis.Cmdable) *Repository {
	return &Repository{
		db:    db,
		redis: redis,
	}
}

// CreateSchema creates the jobs table when it is missing.
func CreateSchema(db *pg.DB) error {
	return db.Model((*JobModel)(nil)).CreateTable(&orm.CreateTableOptions{
		IfNotExists: true,
	})
}

func (r *Repository) Create(ctx context.Context, j *job.Job) error {
	model := &JobModel{
		ID:        j.ID,
		URL:       j.URL,
		Mode:      j.Mode,
		Status:    j.Status,
		Result:    j.Result,
		Error:     j.Error,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
	_, err := r.db.ModelContext(ctx, model).Insert()
	return err
}

func (r *Repository) GetByID(ctx context.Context, id string) (*job.Job, error) {
	if r.redis != nil {
		val, err := r.redis.Get(ctx, jobCacheKey(id)).Bytes()
		if err == nil {
			var cached JobModel
			if err := json.Unmarshal(val, &cached); err == nil {
				return cached.toJob(), nil
			}
		}
	}

	model := &JobModel{ID: id}
	if err := r.db.ModelContext(ctx, model).WherePK().Select(); err != nil {
		if errors.Is(err, pg.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
		}
		return nil, err
	}

	if r.redis != nil {
		if b, err := json.Marshal(model); err == nil {
			_ = r.redis.Set(ctx, jobCacheKey(id), b, jobCacheTTL).Err()
		}
	}
	return model.toJob(), nil
}

func (r *Repository) UpdateStatus(ctx context.Context, id string, status job.Status) error {
	return r.update(ctx, id, func(q *orm.Query) *orm.Query {
		return q.Set("status = ?", status)
	})
}

func (r *Repository) Complete(ctx context.Context, id string, result *metadata.WebData) error {
	return r.update(ctx, id, func(q *orm.Query) *orm.Query {
		return q.Set("status = ?", job.StatusCompleted).
			Set("result = ?", result).
			Set("error = ''")
	})
}

func (r *Repository) Fail(ctx context.Context, id string, reason string) error {
	return r.update(ctx, id, func(q *orm.Query) *orm.Query {
		return q.Set("status = ?", job.StatusFailed).
			Set("error = ?", reason)
	})
}

func (r *Repository) update(ctx context.Context, id string, set func(*orm.Query) *orm.Query) error {
	q := r.db.ModelContext(ctx, &JobModel{}).
		Set("updated_at = ?", time.Now().UTC())
	res, err := set(q).Where("id = ?", id).Update()
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}

	// Invalidate cache
	if r.redis != nil {
		_ = r.redis.Del(ctx, jobCacheKey(id)).Err()
	}
	return nil
}

func (r *Repository) ListByStatus(ctx context.Context, statuses []job.Status) ([]*job.Job, error) {
	var models []JobModel
	err := r.db.ModelContext(ctx, &models).
		Where("status IN (?)", pg.In(statuses)).
		Order("created_at DESC").
		Select()
	if err != nil {
		return nil, err
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		jobs = append(jobs, models[i].toJob())
	}
	return jobs, nil
}
