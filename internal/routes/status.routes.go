package routes

import (
	"relaymon/internal/controllers"

	"github.com/gin-gonic/gin"
)

// RegisterStatusRoutes registers the read-only status API
func RegisterStatusRoutes(r *gin.Engine, sc *controllers.StatusController) {
	status := r.Group("/status")
	{
		status.GET("/node", sc.GetNode)
		status.GET("/processes", sc.GetProcesses)
		status.GET("/processes/:pid", sc.GetProcess)
		status.GET("/processes/:pid/history", sc.GetProcessHistory)
		status.GET("/relay", sc.GetRelay)
	}
}

// RegisterFeedRoutes registers the live status feed
func RegisterFeedRoutes(r *gin.Engine, wc *controllers.WebSocketController) {
	r.GET("/ws", wc.HandleWebSocket)
}
