package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/martinmaurice/pescan/internal/server/middleware"
	"github.com/martinmaurice/pescan/pkg/cache"
	"github.com/martinmaurice/pescan/pkg/enum"
	"github.com/martinmaurice/pescan/pkg/fetcher"
	"github.com/martinmaurice/pescan/pkg/market"
	"github.com/martinmaurice/pescan/pkg/quota"
	"github.com/martinmaurice/pescan/pkg/throttle"
)

const timestampLayout = "2006-01-02T15:04:05Z"

type (
	Analyzer interface {
		FetchOne(ctx context.Context, ticker string, useCache bool) (market.MarketData, error)
		FetchMany(ctx context.Context, tickers []string, useCache bool, maxWorkers int) fetcher.BatchResult[market.MarketData]
	}
	QuotaServicer interface {
		middleware.QuotaChecker
		RecordUsage(ctx context.Context, tier, identifier string)
		Usage(ctx context.Context, tier, identifier string) (quota.Usage, error)
		Reset(ctx context.Context, tier, identifier string) error
		Limit(tier string) int
	}
	ThrottleStatser interface {
		Stats(ctx context.Context) throttle.Stats
	}
	CacheStatser interface {
		Stats() cache.Stats
	}
	// Backend is the counter store as seen by the health check.
	Backend interface {
		Ping(ctx context.Context) error
		Mode() enum.StoreMode
	}
)

// Services are the components the HTTP API exposes.
type Services struct {
	Analyzer Analyzer
	Quota    QuotaServicer
	Throttle ThrottleStatser
	Cache    CacheStatser
	Backend  Backend
}

type errorResponseDTO struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Ticker    string `json:"ticker,omitempty"`
	Timestamp string `json:"timestamp"`
}

func abortWithError(c *gin.Context, status int, kind, message, ticker string) {
	c.AbortWithStatusJSON(status, errorResponseDTO{
		Error:     kind,
		Message:   message,
		Ticker:    ticker,
		Timestamp: time.Now().UTC().Format(timestampLayout),
	})
}

func notFoundHandler(c *gin.Context) {
	abortWithError(c, http.StatusNotFound, "NotFound", "The requested endpoint does not exist", "")
}

func methodNotAllowedHandler(c *gin.Context) {
	abortWithError(c, http.StatusMethodNotAllowed, "MethodNotAllowed", "The HTTP method is not allowed for this endpoint", "")
}

func indexHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name": "pescan API",
		"endpoints": gin.H{
			"analyze": "/api/analyze/:ticker",
			"batch":   "/api/analyze/batch",
			"usage":   "/api/usage",
			"health":  "/health",
		},
		"timestamp": time.Now().UTC().Format(timestampLayout),
	})
}

// useCache reads the use_cache query parameter, true unless set to false.
func useCache(c *gin.Context) bool {
	return c.DefaultQuery("use_cache", "true") != "false"
}
