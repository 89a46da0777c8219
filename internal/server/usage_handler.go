package server

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/martinmaurice/pescan/internal/server/middleware"
	"github.com/martinmaurice/pescan/pkg/quota"
)

type usageResponseDTO struct {
	quota.Usage
	// Degraded is set when the counter could not be read from the shared backend.
	Degraded bool `json:"degraded"`
}

func usageHandler(q QuotaServicer) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		tier, identifier := middleware.Caller(ctx)

		usage, err := q.Usage(ctx.Request.Context(), tier, identifier)
		if err != nil {
			slog.Warn("usage unavailable", "tier", tier, "identifier", identifier, "error", err)
			ctx.JSON(http.StatusOK, usageResponseDTO{Usage: usage, Degraded: true})
			return
		}
		ctx.JSON(http.StatusOK, usageResponseDTO{Usage: usage})
	}
}

func resetUsageHandler(q QuotaServicer) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		tier, identifier := ctx.Param("tier"), ctx.Param("identifier")

		if err := q.Reset(ctx.Request.Context(), tier, identifier); err != nil {
			slog.Error("could not reset usage", "tier", tier, "identifier", identifier, "error", err)
			if quota.IsBackendError(err) {
				abortWithError(ctx, http.StatusConflict, "BackendUnavailable",
					"the shared counter backend is unavailable, nothing was reset", "")
				return
			}
			abortWithError(ctx, http.StatusBadRequest, "ResetFailed", err.Error(), "")
			return
		}

		ctx.JSON(http.StatusOK, gin.H{"reset": true, "tier": tier, "identifier": identifier})
	}
}
