package api

import (
	"time"

	"github.com/tascord/embedder/internal/job"
	"github.com/tascord/embedder/internal/metadata"
	"github.com/tascord/embedder/internal/orchestrator"
)

type FetchRequest struct {
	URL  string `json:"url" binding:"required"`
	Mode string `json:"mode" binding:"omitempty,oneof=static rendered"`
	// Wait runs the fetch inline instead of queueing it.
	Wait bool `json:"wait"`
}

type DownloadRequest struct {
	URL      string `json:"url" binding:"required"`
	Selector string `json:"selector"`
	XPath    string `json:"xpath"`
	Attr     string `json:"attr"`
	Override string `json:"override"`
}

type FetchResponse struct {
	URL    string            `json:"url"`
	Mode   string            `json:"mode"`
	Result *metadata.WebData `json:"result"`
}

type JobResponse struct {
	ID        string            `json:"id"`
	URL       string            `json:"url"`
	Mode      string            `json:"mode"`
	Status    string            `json:"status"`
	Result    *metadata.WebData `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	CreatedAt string            `json:"created_at"`
	UpdatedAt string            `json:"updated_at"`
}

type SessionResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ContainerName string `json:"container_name"`
	Port          int    `json:"port"`
	State         string `json:"state"`
	CreatedAt     string `json:"created_at"`
}

type SessionListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Sessions  int    `json:"sessions"`
	Jobs      bool   `json:"jobs"`
	Timestamp string `json:"timestamp"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// SSEEvent is one server-sent event on a job stream.
type SSEEvent struct {
	Type      string `json:"type"`
	JobID     string `json:"job_id"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp string `json:"timestamp"`
}

func toJobResponse(j *job.Job) JobResponse {
	return JobResponse{
		ID:        j.ID,
		URL:       j.URL,
		Mode:      string(j.Mode),
		Status:    string(j.Status),
		Result:    j.Result,
		Error:     j.Error,
		CreatedAt: formatTime(j.CreatedAt),
		UpdatedAt: formatTime(j.UpdatedAt),
	}
}

func toSessionResponse(info orchestrator.Info) SessionResponse {
	return SessionResponse{
		ID:            info.ID,
		Name:          info.Name,
		ContainerName: info.ContainerName,
		Port:          info.Port,
		State:         info.State,
		CreatedAt:     formatTime(info.CreatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
