package query

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	httperr "github.com/verity-health/verity/internal/core/errors"
	"github.com/verity-health/verity/internal/core/rollup"
	"github.com/verity-health/verity/internal/core/store"
	"github.com/verity-health/verity/internal/history"
	"github.com/verity-health/verity/internal/view"
	"github.com/verity-health/verity/internal/window"
)

var defaultOutlierMultiplier = decimal.NewFromInt(2)

// HandleQueryRollup handles GET /v1/rollups/:name
func (s *Service) HandleQueryRollup(c *gin.Context) {
	var uri struct {
		Name string `uri:"name" binding:"required"`
	}
	if err := c.ShouldBindUri(&uri); err != nil {
		writeBadRequest(c, "Invalid path parameters", err)
		return
	}

	entries, err := s.rollups.Query(uri.Name)
	if err != nil {
		if errors.Is(err, rollup.ErrUnknownRollup) {
			c.JSON(http.StatusNotFound, httperr.ErrorResponse{
				ErrorType: httperr.HttpUnknownRollupError,
				Message:   "Unknown rollup",
				Details:   uri.Name,
			})
			return
		}
		writeInternal(c, "Failed to query rollup", err)
		return
	}

	c.JSON(http.StatusOK, RollupResponse{
		Rollup:  uri.Name,
		Groups:  len(entries),
		Entries: entries,
	})
}

// HandleQueryOutliers handles GET /v1/rollups/:name/outliers
// Query parameters: multiplier (optional, default 2)
func (s *Service) HandleQueryOutliers(c *gin.Context) {
	var uri struct {
		Name string `uri:"name" binding:"required"`
	}
	var query struct {
		Multiplier string `form:"multiplier"`
	}
	if err := c.ShouldBindUri(&uri); err != nil {
		writeBadRequest(c, "Invalid path parameters", err)
		return
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		writeBadRequest(c, "Invalid query parameters", err)
		return
	}

	multiplier := defaultOutlierMultiplier
	if query.Multiplier != "" {
		m, err := decimal.NewFromString(query.Multiplier)
		if err != nil || m.Sign() <= 0 {
			writeBadRequest(c, "Multiplier must be a positive decimal", err)
			return
		}
		multiplier = m
	}

	entries, err := s.rollups.Outliers(uri.Name, multiplier)
	if err != nil {
		if errors.Is(err, rollup.ErrUnknownRollup) {
			c.JSON(http.StatusNotFound, httperr.ErrorResponse{
				ErrorType: httperr.HttpUnknownRollupError,
				Message:   "Unknown rollup",
				Details:   uri.Name,
			})
			return
		}
		writeInternal(c, "Failed to query outliers", err)
		return
	}

	c.JSON(http.StatusOK, OutliersResponse{
		Rollup:     uri.Name,
		Multiplier: multiplier,
		Entries:    entries,
	})
}

// HandleMovingAverage handles GET /v1/series/:id/moving-average
// Query parameters: window (required, >= 1)
func (s *Service) HandleMovingAverage(c *gin.Context) {
	var uri struct {
		ID string `uri:"id" binding:"required"`
	}
	var query struct {
		Window int `form:"window" binding:"required,min=1"`
	}
	if err := c.ShouldBindUri(&uri); err != nil {
		writeBadRequest(c, "Invalid path parameters", err)
		return
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		writeBadRequest(c, "Window must be a positive integer", err)
		return
	}

	points, err := s.windows.MovingAverage(uri.ID, query.Window)
	if err != nil {
		if errors.Is(err, window.ErrUnknownSeries) {
			c.JSON(http.StatusNotFound, httperr.ErrorResponse{
				ErrorType: httperr.HttpUnknownSeriesError,
				Message:   "Unknown series",
				Details:   uri.ID,
			})
			return
		}
		writeInternal(c, "Failed to compute moving average", err)
		return
	}

	c.JSON(http.StatusOK, MovingAverageResponse{
		Series: uri.ID,
		Window: query.Window,
		Points: points,
	})
}

// HandlePatientHistory handles GET /v1/patients/:id/history
func (s *Service) HandlePatientHistory(c *gin.Context) {
	var uri struct {
		ID string `uri:"id" binding:"required"`
	}
	if err := c.ShouldBindUri(&uri); err != nil {
		writeBadRequest(c, "Invalid path parameters", err)
		return
	}

	result, err := s.history.History(c.Request.Context(), uri.ID)
	if err != nil {
		if errors.Is(err, history.ErrTraversalLimit) {
			c.JSON(http.StatusUnprocessableEntity, httperr.ErrorResponse{
				ErrorType: httperr.HttpTraversalLimitError,
				Message:   "Treatment history exceeds the traversal node limit",
				Details:   uri.ID,
			})
			return
		}
		writeInternal(c, "Failed to expand treatment history", err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// HandleReadView handles GET /v1/views/:name
// A view that has never been refreshed reads as empty, not as an error.
func (s *Service) HandleReadView(c *gin.Context) {
	var uri struct {
		Name string `uri:"name" binding:"required"`
	}
	if err := c.ShouldBindUri(&uri); err != nil {
		writeBadRequest(c, "Invalid path parameters", err)
		return
	}

	snap, err := s.views.Read(uri.Name)
	if err != nil {
		if errors.Is(err, view.ErrUnknownView) {
			c.JSON(http.StatusNotFound, httperr.ErrorResponse{
				ErrorType: httperr.HttpUnknownViewError,
				Message:   "Unknown view",
				Details:   uri.Name,
			})
			return
		}
		writeInternal(c, "Failed to read view", err)
		return
	}

	c.JSON(http.StatusOK, snap)
}

// HandleRefreshView handles POST /v1/views/:name/refresh
func (s *Service) HandleRefreshView(c *gin.Context) {
	var uri struct {
		Name string `uri:"name" binding:"required"`
	}
	if err := c.ShouldBindUri(&uri); err != nil {
		writeBadRequest(c, "Invalid path parameters", err)
		return
	}

	result, err := s.views.Refresh(c.Request.Context(), uri.Name)
	if err != nil {
		switch {
		case errors.Is(err, view.ErrUnknownView):
			c.JSON(http.StatusNotFound, httperr.ErrorResponse{
				ErrorType: httperr.HttpUnknownViewError,
				Message:   "Unknown view",
				Details:   uri.Name,
			})
		case errors.Is(err, store.ErrUnavailable):
			c.JSON(http.StatusServiceUnavailable, httperr.ErrorResponse{
				ErrorType: httperr.HttpStorageError,
				Message:   "Record store unavailable",
				Details:   err.Error(),
			})
		default:
			writeInternal(c, "Failed to refresh view", err)
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

func writeBadRequest(c *gin.Context, msg string, err error) {
	resp := httperr.ErrorResponse{
		ErrorType: httperr.HttpInvalidParameterError,
		Message:   msg,
	}
	if err != nil {
		resp.Details = err.Error()
	}
	c.JSON(http.StatusBadRequest, resp)
}

func writeInternal(c *gin.Context, msg string, err error) {
	c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
		ErrorType: httperr.HttpInternalError,
		Message:   msg,
		Details:   err.Error(),
	})
}
