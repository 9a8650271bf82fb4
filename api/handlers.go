package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"deskrelay/models"
)

// GetDevices returns every known device, online and recently offline.
func GetDevices(c *gin.Context, relay *Relay) {
	devices := relay.registry.Snapshot()
	c.JSON(http.StatusOK, models.SuccessResponse(devices))
}

// GetSessions returns all sessions still in memory, terminal ones
// included until their retention expires.
func GetSessions(c *gin.Context, relay *Relay) {
	sessions := relay.sessions.List()
	c.JSON(http.StatusOK, models.SuccessResponse(sessions))
}

// GetSessionStats returns the streaming counters for one session.
func GetSessionStats(c *gin.Context, relay *Relay) {
	sessionID := c.Param("session_id")
	stats, ok := relay.pipeline.Stats(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, models.ErrorResponse("session not found"))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(stats))
}
