package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/martinmaurice/pescan/internal/server/middleware"
)

type healthResponseDTO struct {
	Status    string            `json:"status"`
	Version   int               `json:"version"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services"`
	Backend   string            `json:"backend"`
	Throttle  any               `json:"throttle,omitempty"`
	Cache     any               `json:"cache,omitempty"`
}

// healthHandler always answers 200: the API keeps serving on local counters without Redis.
func healthHandler(s Services, version int) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		logger := slog.With("handler", "health")
		if queueTime, ok := middleware.QueueTime(ctx); ok {
			logger.Debug("Queue Time (µs)", "queueTime", queueTime.Microseconds())
		}

		resp := healthResponseDTO{
			Status:    "healthy",
			Version:   version,
			Timestamp: time.Now().UTC().Format(timestampLayout),
			Services:  map[string]string{"api": "operational", "redis": "unavailable"},
		}

		if s.Backend != nil {
			if err := s.Backend.Ping(ctx.Request.Context()); err == nil {
				resp.Services["redis"] = "operational"
			} else {
				logger.Warn("redis health check failed", "error", err)
			}
			resp.Backend = s.Backend.Mode().String()
		}
		if s.Throttle != nil {
			stats := s.Throttle.Stats(ctx.Request.Context())
			resp.Throttle = stats
			if resp.Backend == "" {
				resp.Backend = stats.Mode.String()
			}
		}
		if s.Cache != nil {
			resp.Cache = s.Cache.Stats()
		}

		ctx.JSON(http.StatusOK, resp)
	}
}
