package routes

import (
	"relaymon/internal/controllers"
	"relaymon/internal/middleware"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// NewRouter builds the status API engine. wc may be nil to leave out the live feed.
func NewRouter(sc *controllers.StatusController, wc *controllers.WebSocketController, allow []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(middleware.SecurityHeadersMiddleware())
	r.Use(middleware.IPWhitelistMiddleware(middleware.NewIPWhitelist(allow)))
	// 100 requests per second per IP, burst of 200
	r.Use(middleware.RateLimitMiddleware(middleware.NewRateLimiter(rate.Limit(100), 200)))

	RegisterStatusRoutes(r, sc)
	if wc != nil {
		RegisterFeedRoutes(r, wc)
	}
	return r
}
