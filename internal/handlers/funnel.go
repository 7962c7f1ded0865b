package handlers

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/demoshop/funnel-analytics/internal/domain"
	"github.com/demoshop/funnel-analytics/internal/funnel"
	"github.com/demoshop/funnel-analytics/internal/models"
)

// RegisterFunnelRoutes registers the serving-path endpoints.
//
// GET /funnel/stages?as_of=...
//   - Stage distribution at as_of; reads rollup buckets when covered, falls
//     back to direct classification past the watermark.
//
// GET /funnel/transitions?granularity=...&from=...&to=...
//   - Transition counts over buckets in (from, to]; 409 with a retry hint
//     when the range runs past the watermark.
func RegisterFunnelRoutes(r gin.IRoutes, svc *funnel.Service) {
	r.GET("/funnel/stages", func(c *gin.Context) {
		asOf := time.Now().UTC()
		if raw := c.Query("as_of"); raw != "" {
			t, err := parseRFC3339(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "as_of must be RFC3339"})
				return
			}
			asOf = t
		}

		dist, err := svc.StageDistribution(c.Request.Context(), asOf)
		if err != nil {
			if c.Request.Context().Err() != nil {
				c.JSON(http.StatusRequestTimeout, gin.H{"error": "query cancelled"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "stage distribution failed"})
			return
		}
		c.JSON(http.StatusOK, dist)
	})

	r.GET("/funnel/transitions", func(c *gin.Context) {
		g, err := domain.ParseGranularity(c.DefaultQuery("granularity", string(domain.Hourly)))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "granularity must be hourly or daily"})
			return
		}
		fromStr, toStr := c.Query("from"), c.Query("to")
		if fromStr == "" || toStr == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from and to are required"})
			return
		}
		from, err := parseRFC3339(fromStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		to, err := parseRFC3339(toStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}

		counts, err := svc.TransitionCounts(c.Request.Context(), g, from, to)
		switch {
		case errors.Is(err, domain.ErrStaleRange):
			c.JSON(http.StatusConflict, gin.H{"error": "range not covered by rollups yet, retry after the next advance"})
			return
		case errors.Is(err, domain.ErrInvalidPayload):
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be < to"})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "transition query failed"})
			return
		}

		resp := models.TransitionsResponse{
			Granularity: string(g),
			From:        g.Truncate(from).Format(time.RFC3339),
			To:          g.Truncate(to).Format(time.RFC3339),
			Transitions: make([]models.StageTransition, 0, len(counts)),
		}
		for tr, n := range counts {
			resp.Transitions = append(resp.Transitions, models.StageTransition{
				From:  string(tr.From),
				To:    string(tr.To),
				Count: n,
			})
		}
		// Stable output for the flow diagram renderer.
		sort.Slice(resp.Transitions, func(i, j int) bool {
			if resp.Transitions[i].From != resp.Transitions[j].From {
				return resp.Transitions[i].From < resp.Transitions[j].From
			}
			return resp.Transitions[i].To < resp.Transitions[j].To
		})
		c.JSON(http.StatusOK, resp)
	})
}
