package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tascord/embedder/internal/service"
)

func NewRouter(svc *service.Service, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(logger.With("component", "api")))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:    "ok",
			Sessions:  len(svc.ListSessions()),
			Jobs:      svc.Jobs != nil,
			Timestamp: formatTime(time.Now()),
		})
	})

	fetchHandler := NewFetchHandler(svc)
	sessionHandler := NewSessionHandler(svc)

	v1 := r.Group("/api/v1")
	{
		fetches := v1.Group("/fetches")
		{
			fetches.POST("", fetchHandler.CreateFetch)
			fetches.GET("/:id", fetchHandler.GetFetch)
			fetches.GET("/:id/stream", fetchHandler.StreamFetch)
		}

		v1.POST("/downloads", fetchHandler.Download)

		sessions := v1.Group("/sessions")
		{
			sessions.GET("", sessionHandler.ListSessions)
			sessions.DELETE("/:id", sessionHandler.CloseSession)
		}
	}

	return r
}
