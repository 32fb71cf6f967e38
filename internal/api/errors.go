package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tascord/embedder/internal/job"
	"github.com/tascord/embedder/internal/metadata"
	"github.com/tascord/embedder/internal/orchestrator"
	"github.com/tascord/embedder/internal/service"
)

var ErrInvalidRequest = errors.New("invalid request")

func respondError(c *gin.Context, code int, err error) {
	c.JSON(code, ErrorResponse{
		Error: err.Error(),
		Code:  code,
	})
}

func respondErrorWithDetails(c *gin.Context, code int, err error, details string) {
	c.JSON(code, ErrorResponse{
		Error:   err.Error(),
		Code:    code,
		Details: details,
	})
}

// respondServiceError maps err onto a status and, for launch failures,
// reports the step that broke.
func respondServiceError(c *gin.Context, err error) {
	status := mapServiceError(err)
	var launchErr *orchestrator.LaunchError
	if errors.As(err, &launchErr) {
		respondErrorWithDetails(c, status, err, "step: "+string(launchErr.Step))
		return
	}
	respondError(c, status, err)
}

func mapServiceError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, job.ErrInvalidURL),
		errors.Is(err, job.ErrInvalidMode),
		errors.Is(err, service.ErrUnknownMode),
		errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, orchestrator.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, job.ErrNotFound),
		errors.Is(err, orchestrator.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrSessionExists):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrElementNotFound),
		errors.Is(err, orchestrator.ErrAttributeMissing),
		errors.Is(err, metadata.ErrNotHTML):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrJobsDisabled),
		errors.Is(err, orchestrator.ErrPortsExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrNavigation),
		errors.Is(err, orchestrator.ErrDownloadFailed),
		errors.Is(err, metadata.ErrFetchFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
