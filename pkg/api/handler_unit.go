package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/LutendoLukhele/cortex/pkg/models"
	"github.com/LutendoLukhele/cortex/pkg/services"
)

// createUnitHandler handles POST /units: compile the prompt and persist the
// unit, or surface the compiler's clarification request.
func (s *Server) createUnitHandler(c *echo.Context) error {
	var req CreateUnitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Prompt == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "prompt field is required")
	}

	result, err := s.units.CreateUnit(c.Request().Context(), currentUserID(c), services.CreateUnitInput{
		Name:   req.Name,
		Prompt: req.Prompt,
	})
	if err != nil {
		return mapServiceError(err)
	}
	if result.Clarification != nil {
		return c.JSON(http.StatusUnprocessableEntity,
			&ClarificationResponse{Clarification: result.Clarification})
	}
	return c.JSON(http.StatusCreated, &UnitResponse{Unit: result.Unit})
}

// listUnitsHandler handles GET /units.
func (s *Server) listUnitsHandler(c *echo.Context) error {
	units, err := s.units.ListUnits(c.Request().Context(), currentUserID(c))
	if err != nil {
		return mapServiceError(err)
	}
	if units == nil {
		units = []*models.Unit{}
	}
	return c.JSON(http.StatusOK, &UnitsResponse{Units: units})
}

// unitStatusHandler handles PATCH /units/:id/status.
func (s *Server) unitStatusHandler(c *echo.Context) error {
	unitID := c.Param("id")
	if unitID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "unit id is required")
	}
	var req UnitStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	unit, err := s.units.SetStatus(c.Request().Context(), currentUserID(c), unitID, models.UnitStatus(req.Status))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &UnitResponse{Unit: unit})
}

// deleteUnitHandler handles DELETE /units/:id.
func (s *Server) deleteUnitHandler(c *echo.Context) error {
	unitID := c.Param("id")
	if unitID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "unit id is required")
	}
	if err := s.units.DeleteUnit(c.Request().Context(), currentUserID(c), unitID); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &DeleteResponse{Success: true})
}
