// Package opsapi serves the operator HTTP surface: health, component stats,
// Prometheus metrics and the trading kill switch.
package opsapi

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/spbarathg/callsbotonchain-sub001/internal/observability"
)

// KillSwitch halts and resumes new trade entries. *risk.Breaker satisfies it.
type KillSwitch interface {
	Kill()
	Resume()
}

// Config configures the server.
type Config struct {
	Addr            string
	InstanceID      string
	ShutdownTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{Addr: ":9090", ShutdownTimeout: 5 * time.Second}
}

// Server is the ops HTTP server.
type Server struct {
	config   Config
	health   *observability.Health
	exporter *observability.Exporter
	kill     KillSwitch

	mu    sync.RWMutex
	stats map[string]func() any

	engine *gin.Engine
}

// New builds the router. health, exporter and kill may be nil; the matching
// routes then report 404.
func New(config Config, health *observability.Health, exporter *observability.Exporter, kill KillSwitch) *Server {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		config:   config,
		health:   health,
		exporter: exporter,
		kill:     kill,
		stats:    make(map[string]func() any),
	}
	s.engine = s.routes()
	return s
}

// AddStats registers a component whose Stats() value is served on /stats.
func (s *Server) AddStats(name string, fn func() any) {
	s.mu.Lock()
	s.stats[name] = fn
	s.mu.Unlock()
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog())

	r.GET("/health", s.handleHealth)
	r.GET("/stats", s.handleStats)
	if s.exporter != nil {
		r.GET("/metrics", gin.WrapH(s.exporter))
	}
	if s.kill != nil {
		control := r.Group("/control")
		control.POST("/kill", s.handleKill)
		control.POST("/resume", s.handleResume)
	}
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": observability.StatusHealthy})
		return
	}
	report := s.health.Check(c.Request.Context())
	code := http.StatusOK
	if report.Status == observability.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

func (s *Server) handleStats(c *gin.Context) {
	s.mu.RLock()
	names := make([]string, 0, len(s.stats))
	for name := range s.stats {
		names = append(names, name)
	}
	fns := make(map[string]func() any, len(s.stats))
	for k, v := range s.stats {
		fns[k] = v
	}
	s.mu.RUnlock()

	sort.Strings(names)
	out := gin.H{"instance_id": s.config.InstanceID}
	for _, name := range names {
		out[name] = fns[name]()
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleKill(c *gin.Context) {
	s.kill.Kill()
	log.Error().Str("remote", c.ClientIP()).Msg("opsapi: kill switch engaged, new entries halted")
	c.JSON(http.StatusOK, gin.H{"status": "killed"})
}

func (s *Server) handleResume(c *gin.Context) {
	s.kill.Resume()
	log.Warn().Str("remote", c.ClientIP()).Msg("opsapi: kill switch released")
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("opsapi: shutdown")
		}
	}()

	log.Info().Str("addr", s.config.Addr).Msg("opsapi: listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("opsapi: request")
	}
}
