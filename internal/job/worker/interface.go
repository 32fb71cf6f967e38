package worker

import (
	"context"

	"github.com/hibiken/asynq"

	"github.com/tascord/embedder/internal/job"
	"github.com/tascord/embedder/internal/metadata"
)

type FetchWorker interface {
	HandleFetch(ctx context.Context, task *asynq.Task) error
}

// Fetcher runs one metadata fetch in the requested mode.
type Fetcher interface {
	Fetch(ctx context.Context, url string, mode job.Mode) (*metadata.WebData, error)
}
