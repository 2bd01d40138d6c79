// Package httpapi is the small gin HTTP surface served alongside the
// JSON-RPC facade: liveness, readiness, and Prometheus metrics.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dispatchd/internal/metrics"
	"dispatchd/internal/pool"
)

// ReadinessChecker reports whether the process is ready to accept
// dispatches — e.g. the projects registry has loaded successfully.
type ReadinessChecker func() (ready bool, reason string)

// Server is the HTTP surface's gin engine plus its dependencies.
type Server struct {
	engine *gin.Engine
}

// New builds the gin engine with /healthz, /readyz, and /metrics wired.
// tools, when non-nil, is mounted at /tools as the in-process tool server's
// HTTP endpoint (§4.6), served alongside the rest of this surface rather
// than on its own listener.
func New(pool *pool.Pool, m *metrics.Registry, ready ReadinessChecker, tools http.Handler) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	engine.GET("/readyz", func(c *gin.Context) {
		okReady, reason := true, ""
		if ready != nil {
			okReady, reason = ready()
		}
		if !okReady {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not-ready", "reason": reason})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "poolSize": pool.Size()})
	})

	if m != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Gatherer(), promhttp.HandlerOpts{})))
	}

	if tools != nil {
		engine.Any("/tools", gin.WrapH(tools))
	}

	return &Server{engine: engine}
}

// Handler returns the underlying http.Handler for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.engine
}
