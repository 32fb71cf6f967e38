package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tascord/embedder/internal/browser"
	"github.com/tascord/embedder/internal/eventbus"
	"github.com/tascord/embedder/internal/job"
	"github.com/tascord/embedder/internal/service"
)

const heartbeatInterval = 30 * time.Second

type FetchHandler struct {
	svc *service.Service
}

func NewFetchHandler(svc *service.Service) *FetchHandler {
	return &FetchHandler{svc: svc}
}

// CreateFetch POST /api/v1/fetches
// With wait=true the metadata is returned directly, otherwise a job is
// queued and 202 is returned with its id.
func (h *FetchHandler) CreateFetch(c *gin.Context) {
	var req FetchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}
	mode, err := job.ParseMode(req.Mode)
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	if req.Wait {
		data, err := h.svc.Fetch(c.Request.Context(), req.URL, mode)
		if err != nil {
			respondServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, FetchResponse{URL: req.URL, Mode: string(mode), Result: data})
		return
	}

	j, err := h.svc.SubmitFetch(c.Request.Context(), req.URL, mode)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.Header("Location", "/api/v1/fetches/"+j.ID)
	c.JSON(http.StatusAccepted, toJobResponse(j))
}

// GetFetch GET /api/v1/fetches/:id
func (h *FetchHandler) GetFetch(c *gin.Context) {
	j, err := h.svc.GetFetch(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(j))
}

// StreamFetch GET /api/v1/fetches/:id/stream
// Pushes the job's completion over SSE and closes the stream.
func (h *FetchHandler) StreamFetch(c *gin.Context) {
	jobID := c.Param("id")

	j, events, err := h.svc.WatchFetch(c.Request.Context(), jobID)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	// The server WriteTimeout would cut a long-lived stream.
	rc := http.NewResponseController(c.Writer)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		slog.Warn("Failed to disable write deadline for SSE", "error", err)
	}

	send := func(ev SSEEvent) bool {
		data, err := json.Marshal(ev)
		if err != nil {
			return false
		}
		c.SSEvent("message", string(data))
		return true
	}

	if j.Status.Terminal() {
		send(SSEEvent{
			Type:      "job." + string(j.Status),
			JobID:     j.ID,
			Payload:   toJobResponse(j),
			Timestamp: formatTime(j.UpdatedAt),
		})
		return
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			send(SSEEvent{
				Type:      string(event.Type),
				JobID:     event.Subject,
				Payload:   event.Payload,
				Timestamp: formatTime(event.Timestamp),
			})
			return event.Type != eventbus.EventJobCompleted && event.Type != eventbus.EventJobFailed

		case <-c.Request.Context().Done():
			return false

		case <-time.After(heartbeatInterval):
			c.SSEvent("ping", "")
			return true
		}
	})
}

// Download POST /api/v1/downloads
// Responds with the raw bytes of the linked file.
func (h *FetchHandler) Download(c *gin.Context) {
	var req DownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}
	if req.Selector != "" && req.XPath != "" {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, "selector and xpath are mutually exclusive")
		return
	}

	loc := browser.CSS(req.Selector)
	if req.XPath != "" {
		loc = browser.XPath(req.XPath)
	}

	body, err := h.svc.Download(c.Request.Context(), service.DownloadRequest{
		URL:      req.URL,
		Locator:  loc,
		Attr:     req.Attr,
		Override: req.Override,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.Data(http.StatusOK, http.DetectContentType(body), body)
}
