package main

import (
	"flag"
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/martinmaurice/pescan/internal/app"
	"github.com/martinmaurice/pescan/internal/server"
	"github.com/martinmaurice/pescan/internal/server/middleware"
	"github.com/martinmaurice/pescan/pkg/config"
	"github.com/martinmaurice/pescan/pkg/env"
)

var (
	envFilePath        string
	disableRateLimiter bool
)

func init() {
	flag.StringVar(&envFilePath, "env", "", "Enter the env file path you want to load if any")
	flag.BoolVar(&disableRateLimiter, "disableRateLimiter", false, "Disable the daily quotas")
}

func main() {
	slog.Info("P/E scanner API v1")

	flag.Parse()

	if envFilePath != "" {
		slog.Info(fmt.Sprintf("loading env file %s", envFilePath))
		if err := godotenv.Load(envFilePath); err != nil {
			panic(fmt.Errorf("could not be able to load the env file: %v", err))
		}
	}

	if disableRateLimiter {
		slog.Warn("daily quotas are disabled")
	}

	envObj := env.GetEnv()
	slog.Info(fmt.Sprintf("env file %s loaded\nVersion:%d\nEnv:%s", envFilePath, envObj.Version, envObj.Env))

	cfg := config.GetConfig()
	a := app.New(envObj, cfg)
	defer a.Close()

	opts := []server.Option{
		server.WithDisableRateLimiter(disableRateLimiter),
		server.WithTierResolver(middleware.NewAPIKeyResolver(cfg.APIKeys, cfg.Quotas.DefaultTier)),
		server.WithMaxWorkers(cfg.Fetch.MaxWorkers),
		server.WithAdminToken(envObj.AdminToken),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, server.WithMetrics(a.Metrics, cfg.Metrics.Path))
	}

	srv := server.NewServer(server.Services{
		Analyzer: a.Analyzer,
		Quota:    a.Quota,
		Throttle: a.Throttle,
		Cache:    a.Analyzer.Cache(),
		Backend:  a.Store,
	}, opts...)
	srv.Run()
}
