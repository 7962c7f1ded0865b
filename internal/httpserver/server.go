package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/demoshop/funnel-analytics/internal/auth"
	"github.com/demoshop/funnel-analytics/internal/config"
	"github.com/demoshop/funnel-analytics/internal/funnel"
	"github.com/demoshop/funnel-analytics/internal/handlers"
	"github.com/demoshop/funnel-analytics/internal/rollup"
	"github.com/demoshop/funnel-analytics/internal/store"
)

// NewRouter wires public endpoints and authenticated APIs.
// Public: /health, /ready
// Authenticated: /events, /funnel/*, /rollups/advance
func NewRouter(cfg config.Config, st store.Store, svc *funnel.Service, eng *rollup.Engine, log *zap.Logger) *gin.Engine {
	if cfg.AppMode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))

	// Liveness: confirms the process is running.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness: confirms the store dependency is reachable.
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := st.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	// Auth group enforces client identity via X-API-Key.
	authGroup := r.Group("/")
	authGroup.Use(auth.APIKeyMiddleware(cfg.APIKeys))

	handlers.RegisterEventRoutes(authGroup, st)
	handlers.RegisterFunnelRoutes(authGroup, svc)
	handlers.RegisterRollupRoutes(authGroup, eng)

	return r
}

// requestLogger emits one structured line per request.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("client", auth.Client(c)),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
