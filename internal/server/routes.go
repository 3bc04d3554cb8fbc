package server

import (
	"github.com/gin-gonic/gin"
)

func (s *Server) setupRoutes() {
	gin.SetMode(s.config.GinMode)
	s.engine = gin.New()

	s.engine.Use(gin.Logger())
	s.engine.Use(gin.Recovery())
	s.engine.Use(s.requestIDMiddleware())
	s.engine.Use(s.httpMetricsMiddleware())
	s.engine.Use(s.corsMiddleware())
	s.engine.Use(s.maxBodySizeMiddleware())
	s.engine.Use(s.rateLimitMiddleware())

	// Public routes (no auth)
	s.engine.GET("/health", s.healthCheck)
	s.engine.GET("/api/stats", s.getStatsData)
	s.engine.GET("/metrics", gin.WrapH(s.prom.Handler()))

	// API routes (auth required)
	api := s.engine.Group("/v1")
	api.Use(s.authenticateClient)
	{
		api.GET("/models", s.listModels)
		api.POST("/chat/completions", s.chatCompletions)
		api.GET("/sessions/:id/messages", s.sessionMessages)
	}
}
