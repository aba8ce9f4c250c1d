// Package healthz is the agent's narrow operator-facing HTTP surface: a
// liveness probe and a Prometheus scrape endpoint. Adapted from the
// teacher's api.Server, trimmed of every job/cluster REST route — this
// agent has no API surface of its own, only the orchestration client
// described in pkg/orchestration. It reuses the teacher's request-id,
// security-header, metrics, body-size, and rate-limit middleware chain.
package healthz

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"forgeagent/pkg/api/middleware"
)

// Dependency is something healthz should report the liveness of, e.g. the
// etcd registry session or the redis job source connection.
type Dependency struct {
	Name  string
	Check func() bool
}

// Server is the minimal gin server behind /healthz and /metrics.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	deps       []Dependency
	log        *zap.Logger
}

type Config struct {
	Addr string
	Deps []Dependency
	Log  *zap.Logger
}

func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.BodySizeLimitMiddleware(1 << 20))
	router.Use(middleware.RateLimitMiddleware())
	router.Use(requestLogger(cfg.Log))

	s := &Server{router: router, deps: cfg.Deps, log: cfg.Log}
	router.GET("/healthz", s.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.log.Info("starting healthz server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("healthz: serve: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthCheck(c *gin.Context) {
	statuses := make(map[string]bool, len(s.deps))
	healthy := true
	for _, d := range s.deps {
		ok := d.Check()
		statuses[d.Name] = ok
		if !ok {
			healthy = false
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":       status,
		"dependencies": statuses,
		"timestamp":    time.Now().UTC(),
	})
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		log.Debug("healthz request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
