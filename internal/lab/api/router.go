package api

import (
	"github.com/gin-gonic/gin"

	"github.com/labdev/labdev/internal/common/logger"
	"github.com/labdev/labdev/internal/events/bus"
	"github.com/labdev/labdev/internal/lab/lifecycle"
	"github.com/labdev/labdev/internal/lab/profile"
)

// SetupRoutes configures the lab session API routes
func SetupRoutes(router *gin.RouterGroup, manager *lifecycle.Manager, profiles *profile.Registry, eventBus bus.EventBus, log *logger.Logger) {
	handler := NewHandler(manager, profiles, log)
	watcher := NewWatcher(manager, eventBus, log)

	sessions := router.Group("/sessions")
	{
		sessions.POST("", handler.CreateSession)
		sessions.GET("", handler.ListSessions)
		sessions.GET("/:sessionId", handler.GetSession)
		sessions.POST("/:sessionId/touch", handler.TouchSession)
		sessions.DELETE("/:sessionId", handler.DeleteSession)
		sessions.GET("/:sessionId/watch", watcher.Watch)
	}

	router.GET("/profiles", handler.ListProfiles)
}
