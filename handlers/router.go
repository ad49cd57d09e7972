package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"heartbeatmonitor/middleware"
)

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RouterOptions carries the cross-cutting pieces of the HTTP server.
type RouterOptions struct {
	Logger      *slog.Logger
	AuthEnabled bool
	JWTSecret   string
	Gatherer    prometheus.Gatherer
	Health      Pinger
}

func NewRouter(h *MonitorHandler, opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(opts.Logger))

	r.GET("/healthz", Healthz(opts.Health))
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api/monitor")
	api.Use(middleware.ServiceAuth([]byte(opts.JWTSecret), opts.AuthEnabled))
	{
		api.POST("/heartbeats", h.IngestHeartbeat)
		api.POST("/windows/sweep", h.SweepWindows)
		api.GET("/windows/:window_id", h.GetWindow)
		api.GET("/windows/:window_id/heartbeats", h.ListHeartbeats)
		api.GET("/windows/:window_id/stats", h.GetWindowStats)
	}
	return r
}

// Healthz answers 200 while the store is reachable.
func Healthz(p Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if p != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := p.PingContext(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
