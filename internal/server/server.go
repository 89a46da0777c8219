package server

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/martinmaurice/pescan/internal/server/middleware"
	"github.com/martinmaurice/pescan/pkg/env"
	"github.com/martinmaurice/pescan/pkg/metrics"
	"github.com/martinmaurice/pescan/pkg/quota"
)

const (
	DefaultGracefulShutdownTimeout = 10 * time.Second
)

type Config struct {
	port                  string
	readTimeoutInSeconds  time.Duration
	writeTimeoutInSeconds time.Duration
	maxHeaderBytes        int
	version               int
	handler               *gin.Engine
	services              Services
	disableRateLimiter    bool
	adminToken            string
	metrics               *metrics.Metrics
	metricsPath           string
	resolver              middleware.TierResolver
	quotaOptions          middleware.QuotaOptions
	maxWorkers            int
}

type Option func(config *Config)

func WithDisableRateLimiter(value bool) Option {
	return func(config *Config) {
		config.disableRateLimiter = value
	}
}

// WithAdminToken enables the usage reset endpoint, guarded by token.
func WithAdminToken(token string) Option {
	return func(config *Config) {
		config.adminToken = token
	}
}

func WithMetrics(m *metrics.Metrics, path string) Option {
	return func(config *Config) {
		config.metrics = m
		config.metricsPath = path
	}
}

func WithTierResolver(r middleware.TierResolver) Option {
	return func(config *Config) {
		config.resolver = r
	}
}

// WithMaxWorkers bounds the concurrent upstream calls of one batch request.
func WithMaxWorkers(n int) Option {
	return func(config *Config) {
		config.maxWorkers = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(config *Config) {
		config.quotaOptions.Now = now
	}
}

func NewServer(services Services, opts ...Option) *Config {
	envObj := env.GetEnv()
	c := &Config{
		port:                  envObj.ServerPort,
		readTimeoutInSeconds:  envObj.ServerReadTimeoutInSecond,
		writeTimeoutInSeconds: envObj.ServerWriteTimeoutInSecond,
		maxHeaderBytes:        envObj.ServerMaxHeaderBytes,
		version:               envObj.Version,
		adminToken:            envObj.AdminToken,
		handler:               gin.Default(),
		services:              services,
		disableRateLimiter:    false,
		resolver:              middleware.NewAPIKeyResolver(nil, quota.TierAnonymous),
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.services.Quota != nil {
		c.quotaOptions.FreeTierLimit = c.services.Quota.Limit(quota.TierFree)
	}

	c.routes()
	return c
}

func (s *Config) routes() {
	s.handler.HandleMethodNotAllowed = true
	s.handler.NoRoute(notFoundHandler)
	s.handler.NoMethod(methodNotAllowedHandler)

	s.handler.Use(middleware.RequestIDMiddleware)
	s.handler.Use(middleware.QueueTimeMiddleware)

	s.handler.GET("/", indexHandler)
	s.handler.GET("/health", healthHandler(s.services, s.version))
	if s.metrics != nil && s.metricsPath != "" {
		s.handler.GET(s.metricsPath, gin.WrapH(s.metrics.Handler()))
	}

	api := s.handler.Group("/api", middleware.AuthenticationMiddleware(s.resolver))

	analyze := api.Group("/analyze")
	if !s.disableRateLimiter {
		analyze.Use(middleware.RateLimitMiddleware(s.services.Quota, s.quotaOptions))
	}
	analyze.GET("/:ticker", analyzeTickerHandler(s.services.Analyzer, s.services.Quota))
	analyze.POST("/batch", analyzeBatchHandler(s.services.Analyzer, s.services.Quota, s.quotaOptions, s.maxWorkers))

	api.GET("/usage", usageHandler(s.services.Quota))
	if s.adminToken != "" {
		api.DELETE("/usage/:tier/:identifier",
			middleware.AdminTokenMiddleware(s.adminToken),
			resetUsageHandler(s.services.Quota))
	}
}

// Handler exposes the routes, mainly for tests.
func (s *Config) Handler() http.Handler {
	return s.handler
}

func (s *Config) Run() {
	srv := &http.Server{
		Addr:           s.port,
		Handler:        s.handler,
		ReadTimeout:    s.readTimeoutInSeconds,
		WriteTimeout:   s.writeTimeoutInSeconds,
		MaxHeaderBytes: s.maxHeaderBytes,
	}

	go func() {
		slog.Info("listening", "addr", s.port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Could not listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop // block until interrupt signal
	slog.Info("shutting down the server...")

	ctx, cancel := context.WithTimeout(context.Background(), DefaultGracefulShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown :%v", err)
	}

	slog.Info("Server exited gracefully")
}
