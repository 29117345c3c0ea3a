package main

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/therealutkarshpriyadarshi/suberase/internal/middleware"
)

// routeLimits configures request limiting; nil fields disable that layer
type routeLimits struct {
	perClient      *middleware.RateLimiter
	window         middleware.WindowCounter
	processPerHour int64
}

func setupRouter(api *API, limits routeLimits) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.Logger(api.logger))

	// Health check
	router.GET("/health", api.healthCheck)

	// Provider completion callbacks authenticate by signature, not JWT
	if api.webhooks != nil {
		router.POST("/webhooks/:provider", api.providerCallback)
	}

	v := router.Group("/api")
	v.Use(middleware.JWTAuth())
	if limits.perClient != nil {
		v.Use(middleware.RateLimit(limits.perClient))
	}

	process := []gin.HandlerFunc{api.processVideo}
	if limits.window != nil {
		process = append([]gin.HandlerFunc{
			middleware.WindowLimit(limits.window, "process", limits.processPerHour, time.Hour),
		}, process...)
	}

	{
		// Uploads
		v.POST("/upload", api.uploadVideo)
		v.GET("/uploads/latest", api.getLatestUpload)
		v.GET("/uploads/:id", api.getUpload)

		// Tasks
		v.POST("/process", process...)
		v.GET("/status/:id", api.getStatus)
		v.GET("/tasks", api.listTasks)
		v.POST("/tasks/:id/cancel", api.cancelTask)
		v.GET("/download/:id", api.download)

		// Credits
		v.GET("/credits", api.getCredits)
		v.GET("/credits/daily", api.getDaily)
		v.POST("/credits/daily", api.claimDaily)
		v.GET("/credits/history", api.creditHistory)
		v.GET("/credits/packages", api.creditPackages)
	}

	return router
}
