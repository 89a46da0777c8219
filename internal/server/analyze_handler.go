package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/martinmaurice/pescan/internal/server/middleware"
	"github.com/martinmaurice/pescan/pkg/cache"
	"github.com/martinmaurice/pescan/pkg/fetcher"
	"github.com/martinmaurice/pescan/pkg/market"
	"github.com/martinmaurice/pescan/pkg/quota"
)

const maxBatchTickers = 100

type (
	batchRequestDTO struct {
		Tickers  []string `json:"tickers" binding:"required,min=1,max=100"`
		UseCache *bool    `json:"use_cache"`
	}
	batchResponseDTO struct {
		Results        map[string]market.MarketData `json:"results"`
		Errors         map[string]string            `json:"errors"`
		CacheHits      int                          `json:"cache_hits"`
		APICalls       int                          `json:"api_calls"`
		ElapsedSeconds float64                      `json:"elapsed_seconds"`
	}
)

// recordUsage counts n uses for the caller when the request went through the quota check.
func recordUsage(c *gin.Context, q QuotaServicer, n int) {
	if _, checked := middleware.Decision(c); !checked {
		return
	}
	tier, identifier := middleware.Caller(c)
	for range n {
		q.RecordUsage(c.Request.Context(), tier, identifier)
	}
}

func analyzeTickerHandler(a Analyzer, q QuotaServicer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ticker := cache.NormalizeKey(c.Param("ticker"))

		data, err := a.FetchOne(c.Request.Context(), ticker, useCache(c))
		if errors.Is(err, fetcher.ErrThrottled) {
			c.Header("Retry-After", "1")
			abortWithError(c, http.StatusServiceUnavailable, "UpstreamBusy",
				"The market data provider is busy, please retry shortly", ticker)
			return
		}
		if err != nil {
			slog.Info("ticker not analyzed", "ticker", ticker, "error", err)
			abortWithError(c, http.StatusNotFound, "InvalidTicker", err.Error(), ticker)
			return
		}

		recordUsage(c, q, 1)
		c.JSON(http.StatusOK, data)
	}
}

func analyzeBatchHandler(a Analyzer, q QuotaServicer, quotaOpts middleware.QuotaOptions, maxWorkers int) gin.HandlerFunc {
	return func(c *gin.Context) {
		var reqDTO batchRequestDTO
		if err := c.ShouldBindJSON(&reqDTO); err != nil {
			abortWithError(c, http.StatusBadRequest, "InvalidRequest",
				fmt.Sprintf("expected {\"tickers\": [...]} with 1 to %d tickers: %v", maxBatchTickers, err), "")
			return
		}

		tickers := fetcher.Normalize(reqDTO.Tickers)
		if len(tickers) == 0 {
			abortWithError(c, http.StatusBadRequest, "InvalidRequest", "no ticker given", "")
			return
		}

		if d, checked := middleware.Decision(c); checked && d.Remaining != quota.Unlimited && len(tickers) > d.Remaining {
			middleware.AbortWithQuotaExceeded(c, d, quotaOpts, fmt.Sprintf(
				"This batch has %d tickers but only %d of your %d daily analyses remain.",
				len(tickers), d.Remaining, d.Limit))
			return
		}

		use := reqDTO.UseCache == nil || *reqDTO.UseCache
		res := a.FetchMany(c.Request.Context(), tickers, use, maxWorkers)

		recordUsage(c, q, len(res.Successful))
		c.JSON(http.StatusOK, batchResponseDTO{
			Results:        res.Successful,
			Errors:         res.Failed,
			CacheHits:      res.CacheHits,
			APICalls:       res.APICalls,
			ElapsedSeconds: res.ElapsedSeconds(),
		})
	}
}
