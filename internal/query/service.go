package query

import (
	"github.com/gin-gonic/gin"

	"github.com/verity-health/verity/internal/core/rollup"
	"github.com/verity-health/verity/internal/history"
	"github.com/verity-health/verity/internal/view"
	"github.com/verity-health/verity/internal/window"
)

// Service implements the read side: rollup queries, outlier filters,
// moving averages, treatment histories and materialized view reads.
// Everything it serves comes from in-memory engine state; no call here
// touches the record store except view refreshes.
type Service struct {
	rollups *rollup.Engine
	windows *window.Engine
	history *history.Engine
	views   *view.Materializer
}

// NewService creates a new query service.
func NewService(
	rollups *rollup.Engine,
	windows *window.Engine,
	hist *history.Engine,
	views *view.Materializer,
) *Service {
	if rollups == nil || windows == nil || hist == nil || views == nil {
		panic("query: all engines must be non-nil")
	}
	return &Service{
		rollups: rollups,
		windows: windows,
		history: hist,
		views:   views,
	}
}

// RegisterRoutes registers all query API routes on the given router.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.GET("/v1/rollups/:name", s.HandleQueryRollup)
	r.GET("/v1/rollups/:name/outliers", s.HandleQueryOutliers)
	r.GET("/v1/series/:id/moving-average", s.HandleMovingAverage)
	r.GET("/v1/patients/:id/history", s.HandlePatientHistory)
	r.GET("/v1/views/:name", s.HandleReadView)
	r.POST("/v1/views/:name/refresh", s.HandleRefreshView)
}
