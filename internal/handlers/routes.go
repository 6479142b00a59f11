package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/webrtc-chat/config"
	"github.com/mossy-p/webrtc-chat/internal/middleware"
)

// Mount registers the gateway API on router.
func (h *Handlers) Mount(router *gin.Engine, cfg *config.Config) {
	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := middleware.JWTAuth(cfg.JWTSecret)

	api := router.Group("/api")
	{
		api.POST("/identity", Identify(cfg.JWTSecret, cfg.TokenTTL))

		api.POST("/rooms", auth, h.CreateRoom)
		api.GET("/rooms/:roomId", h.GetRoom)
		api.POST("/rooms/:roomId/join", auth, h.JoinRoom)
		api.POST("/rooms/:roomId/leave", auth, h.LeaveRoom)
		api.DELETE("/rooms/:roomId", auth, h.DeleteRoom)
		api.POST("/rooms/:roomId/signals", auth, h.PostSignal)
	}

	ws := router.Group("/ws")
	{
		// Browsers pass the token as a query parameter here
		ws.GET("/signal/:roomId", auth, h.HandleSignaling)
	}
}
