package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/LutendoLukhele/cortex/pkg/models"
)

// listConnectionsHandler handles GET /connections.
func (s *Server) listConnectionsHandler(c *echo.Context) error {
	conns, err := s.connections.ListConnections(c.Request().Context(), currentUserID(c))
	if err != nil {
		return mapServiceError(err)
	}
	if conns == nil {
		conns = []*models.Connection{}
	}
	return c.JSON(http.StatusOK, &ConnectionsResponse{Connections: conns})
}

// createConnectionHandler handles POST /connections.
func (s *Server) createConnectionHandler(c *echo.Context) error {
	var req CreateConnectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	conn, err := s.connections.CreateConnection(c.Request().Context(), currentUserID(c), req.Provider, req.ConnectionID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, &ConnectionResponse{Connection: conn})
}

// deleteConnectionHandler handles DELETE /connections/:provider.
func (s *Server) deleteConnectionHandler(c *echo.Context) error {
	provider := c.Param("provider")
	if provider == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "provider is required")
	}
	if err := s.connections.DeleteConnection(c.Request().Context(), currentUserID(c), provider); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &DeleteResponse{Success: true})
}
