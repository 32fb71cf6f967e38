package repo

import (
	"time"

	"github.com/tascord/embedder/internal/job"
	"github.com/tascord/embedder/internal/metadata"
)

const jobCacheTTL = time.Minute * 5

type JobModel struct {
	tableName struct{} `pg:"fetch_jobs"`

	ID        string            `json:"id" pg:"id,pk"`
	URL       string            `json:"url" pg:"url,notnull"`
	Mode      job.Mode          `json:"mode" pg:"mode,notnull"`
	Status    job.Status        `json:"status" pg:"status,notnull"`
	Result    *metadata.WebData `json:"result" pg:"result,type:jsonb"`
	Error     string            `json:"error" pg:"error"`
	CreatedAt time.Time         `json:"created_at" pg:"created_at,notnull"`
	UpdatedAt time.Time         `json:"updated_at" pg:"updated_at,notnull"`
}

func (m *JobModel) toJob() *job.Job {
	return &job.Job{
		ID:        m.ID,
		URL:       m.URL,
		Mode:      m.Mode,
		Status:    m.Status,
		Result:    m.Result,
		Error:     m.Error,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func jobCacheKey(jobID string) string {
	return "embedder:job:" + jobID
}
