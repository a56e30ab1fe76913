// Package api is the HTTP surface of the scoring service: session
// collection, prediction, health, model information, Prometheus metrics and
// the live decision feed.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"botguard/internal/common"
	"botguard/internal/scoring"
)

const shutdownTimeout = 15 * time.Second

// Options configures a Server. Zero values select the defaults in
// internal/common.
type Options struct {
	ListenAddr   string
	CORSOrigins  []string
	MaxBodyBytes int64
	Debug        bool

	// Gatherer backs GET /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Feed backs GET /ws/decisions; nil disables the route.
	Feed http.Handler
}

// Server routes HTTP requests to a scoring.Service.
type Server struct {
	svc     *scoring.Service
	opts    Options
	router  *gin.Engine
	httpSrv *http.Server
}

// New builds a Server with its middleware and routes installed.
func New(svc *scoring.Service, opts Options) *Server {
	if opts.ListenAddr == "" {
		opts.ListenAddr = common.DefaultListenAddr
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = common.DefaultMaxBodyBytes
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{svc: svc, opts: opts, router: gin.New()}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Router exposes the engine, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error().
			Interface("panic", recovered).
			Str("path", c.Request.URL.Path).
			Msg("panic recovered")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))
	s.router.Use(corsMiddleware(s.opts.CORSOrigins))
	s.router.Use(requestSizeMiddleware(s.opts.MaxBodyBytes))
	s.router.Use(requestIDMiddleware())
	s.router.Use(loggingMiddleware())
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/model/info", s.modelInfoHandler)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))

	s.router.POST("/collect", s.collectHandler)
	s.router.POST("/predict", s.predictHandler)

	if s.opts.Feed != nil {
		s.router.GET("/ws/decisions", gin.WrapH(s.opts.Feed))
	}
}

// Run serves until ctx is cancelled or the listener fails, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.opts.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.opts.ListenAddr).Msg("starting http server")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.Info().Msg("http server stopped")
	return nil
}
