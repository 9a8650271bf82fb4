package api

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes wires the REST surface and the websocket endpoint. The
// REST side is read-only observability; all protocol traffic goes over
// the websocket.
func SetupRoutes(router *gin.Engine, relay *Relay) {
	// Enable CORS
	router.Use(CORSMiddleware())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// API routes
	api := router.Group("/api")
	{
		devices := api.Group("/devices")
		{
			devices.GET("", func(c *gin.Context) {
				GetDevices(c, relay)
			})
		}

		sessions := api.Group("/sessions")
		{
			sessions.GET("", func(c *gin.Context) {
				GetSessions(c, relay)
			})
			sessions.GET("/:session_id/stats", func(c *gin.Context) {
				GetSessionStats(c, relay)
			})
		}
	}

	// WebSocket route
	router.GET("/ws/:device_id", func(c *gin.Context) {
		HandleWebSocket(relay, c)
	})
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
