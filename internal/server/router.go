package server

import (
	"PushRelay/internal/api"
	"PushRelay/internal/ws"
	"PushRelay/pkg/logger"
	"PushRelay/pkg/monitor"
	"PushRelay/pkg/push"

	"github.com/gin-gonic/gin"
)

// NewRouter creates and returns a gin.Engine with middleware and routes registered.
// Put route registration here so `cmd/relay/main.go` stays concise.
func NewRouter(mode string, svc *push.Service, wsServer *ws.Server) *gin.Engine {
	if mode == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	g := gin.New()
	g.Use(logger.GinLogger(), logger.GinRecovery(true))

	g.GET("/metrics", gin.WrapH(monitor.Handler()))
	g.GET("/ws", wsServer.WebSocketHandler)
	api.NewHandler(svc).RegisterRoutes(g.Group("/api"))
	return g
}
