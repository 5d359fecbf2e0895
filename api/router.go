package api

import (
	"github.com/gin-gonic/gin"

	"fetchd/config"
	"fetchd/event"
	"fetchd/handler"
	"fetchd/request"
)

func SetupRouter(store *request.Store, tracker *request.Tracker, queue Queue, registry *handler.Registry, bus event.Publisher, cfg *config.Config) *gin.Engine {
	r := gin.Default()
	h := NewHandler(store, tracker, queue, registry, bus, cfg)

	// Health check
	r.GET("/health", h.handleHealth)

	auth := AuthMiddleware(cfg, store)

	apiGroup := r.Group("/api")
	apiGroup.Use(auth)
	{
		apiGroup.POST("/requests", h.handleCreateRequest)
		apiGroup.GET("/requests", h.handleListRequests)
		apiGroup.GET("/requests/:requestId", h.handleGetRequest)
		apiGroup.DELETE("/requests/:requestId", h.handleDeleteRequest)
		apiGroup.PUT("/requests/:requestId/retry", h.handleRetryRequest)
		apiGroup.PUT("/requests/:requestId/compress", h.handleCompressRequest)
		apiGroup.GET("/requests/:requestId/logs", h.handleGetRequestLogs)
		apiGroup.GET("/requests/:requestId/files", h.handleGetRequestFiles)

		apiGroup.GET("/handlers", h.handleProbeHandlers)

		apiGroup.GET("/users/me/storage", h.handleUserStorage)
		apiGroup.GET("/users/me/logs", h.handleUserLogs)
	}

	// Stored files keep their ownership check in the handler itself.
	filesGroup := r.Group("/files")
	filesGroup.Use(auth)
	filesGroup.GET("/*path", h.handleGetFile)

	return r
}
