package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tascord/embedder/internal/service"
)

type SessionHandler struct {
	svc *service.Service
}

func NewSessionHandler(svc *service.Service) *SessionHandler {
	return &SessionHandler{svc: svc}
}

// ListSessions GET /api/v1/sessions
func (h *SessionHandler) ListSessions(c *gin.Context) {
	infos := h.svc.ListSessions()
	resp := SessionListResponse{Sessions: make([]SessionResponse, 0, len(infos))}
	for _, info := range infos {
		resp.Sessions = append(resp.Sessions, toSessionResponse(info))
	}
	c.JSON(http.StatusOK, resp)
}

// CloseSession DELETE /api/v1/sessions/:id
func (h *SessionHandler) CloseSession(c *gin.Context) {
	sessionID := c.Param("id")
	if err := h.svc.CloseSession(c.Request.Context(), sessionID); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed", "session_id": sessionID})
}
