// Package httpapi wires the gin HTTP server that exposes the websocket
// upgrade endpoint plus the ambient operational surface (/healthz,
// /metrics), generalizing the teacher's api.RestServer route-group setup
// and its logging/tracing/Prometheus middleware stack
// (internal/middleware) to this service's minimal external surface (§6).
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/annel0/mmo-game/internal/connmanager"
	"github.com/annel0/mmo-game/internal/middleware"
)

// Server is the gin-based HTTP front end for the service.
type Server struct {
	engine *gin.Engine
	addr   string
}

// New builds the router with observability middleware and the service's
// three external endpoints: GET /ws, GET /healthz, GET /metrics.
func New(addr string, connManager *connmanager.Manager) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.Use(middleware.NewRequestLogger().Handler())
	engine.Use(otelgin.Middleware("markerserver"))

	promMw := middleware.NewPrometheusMiddleware("markerserver_http")
	engine.Use(promMw.Handler())

	engine.GET("/ws", connManager.ServeWS)
	engine.GET("/healthz", handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &Server{engine: engine, addr: addr}
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}

// Run blocks serving HTTP on s.addr.
func (s *Server) Run() error {
	return s.engine.Run(s.addr)
}

// Handler exposes the underlying http.Handler for use with a manually
// constructed http.Server (needed for graceful shutdown, §5).
func (s *Server) Handler() http.Handler {
	return s.engine
}
