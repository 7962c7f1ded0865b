package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/demoshop/funnel-analytics/internal/domain"
	"github.com/demoshop/funnel-analytics/internal/models"
	"github.com/demoshop/funnel-analytics/internal/rollup"
)

// RegisterRollupRoutes registers the externally-triggered rollup advance.
//
// POST /rollups/advance?granularity=...
//   - Single-flight per granularity: 409 when an advance is already running.
//   - Transient store failures return 503; the caller retries, the watermark
//     is unchanged.
func RegisterRollupRoutes(r gin.IRoutes, eng *rollup.Engine) {
	r.POST("/rollups/advance", func(c *gin.Context) {
		g, err := domain.ParseGranularity(c.DefaultQuery("granularity", string(domain.Hourly)))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "granularity must be hourly or daily"})
			return
		}

		watermark, err := eng.Advance(c.Request.Context(), g)
		switch {
		case errors.Is(err, domain.ErrRollupBusy):
			c.JSON(http.StatusConflict, gin.H{"error": "advance already in progress"})
		case err != nil:
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "advance failed, safe to retry"})
		default:
			c.JSON(http.StatusOK, models.AdvanceResponse{
				Granularity: string(g),
				Watermark:   watermark.UTC().Format(time.RFC3339),
			})
		}
	})
}
