package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func SetupRouter(h *Handler, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(RequestLogger(logger), gin.Recovery())
	r.MaxMultipartMemory = 8 << 20

	r.GET("/health", h.handleHealth)
	r.GET("/voices", h.handleVoices)

	// Synchronous conversion
	r.POST("/upload", h.handleUpload)
	r.POST("/upload-base64", h.handleUploadBase64)

	// Asynchronous conversion
	r.POST("/upload-async", h.handleUploadAsync)
	r.GET("/status/:taskId", h.handleGetStatus)
	r.GET("/tasks", h.handleListTasks)

	// Produced audio
	r.GET("/outputs/:filename", h.handleGetFile)

	return r
}
