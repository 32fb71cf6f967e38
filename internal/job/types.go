// Package job tracks asynchronous page fetches: they are stored, queued
// on asynq and executed by the fetch worker.
package job

import (
	"time"

	"github.com/tascord/embedder/internal/metadata"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Mode selects how a page is fetched.
type Mode string

const (
	ModeStatic   Mode = "static"
	ModeRendered Mode = "rendered"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeStatic, ModeRendered:
		return Mode(s), nil
	case "":
		return ModeStatic, nil
	default:
		return "", ErrInvalidMode
	}
}

type Job struct {
	ID        string            `json:"id"`
	URL       string            `json:"url"`
	Mode      Mode              `json:"mode"`
	Status    Status            `json:"status"`
	Result    *metadata.WebData `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

const TaskFetch = "fetch:render"

type FetchPayload struct {
	JobID string `json:"job_id"`
	URL   string `json:"url"`
	Mode  Mode   `json:"mode"`
}
