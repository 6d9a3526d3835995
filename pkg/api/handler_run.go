package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/LutendoLukhele/cortex/pkg/models"
)

// listRunsHandler handles GET /runs?limit=N.
func (s *Server) listRunsHandler(c *echo.Context) error {
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(c.Request().Context(), currentUserID(c), limit)
	if err != nil {
		return mapServiceError(err)
	}
	if runs == nil {
		runs = []*models.Run{}
	}
	return c.JSON(http.StatusOK, &RunsResponse{Runs: runs})
}

// listStepsHandler handles GET /runs/:id/steps.
func (s *Server) listStepsHandler(c *echo.Context) error {
	runID := c.Param("id")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}
	steps, err := s.runs.ListSteps(c.Request().Context(), currentUserID(c), runID)
	if err != nil {
		return mapServiceError(err)
	}
	if steps == nil {
		steps = []*models.RunStep{}
	}
	return c.JSON(http.StatusOK, &StepsResponse{Steps: steps})
}

// rerunHandler handles POST /runs/:id/rerun. The rerun is a brand-new run
// targeting the same event; the original stays untouched.
func (s *Server) rerunHandler(c *echo.Context) error {
	runID := c.Param("id")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}
	run, err := s.runs.Rerun(c.Request().Context(), currentUserID(c), runID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, &RunResponse{Run: run})
}
