package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/LutendoLukhele/cortex/pkg/database"
	"github.com/LutendoLukhele/cortex/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /healthz. It checks only Cortex's own tiers
// (Postgres, Redis); the SaaS connector and the LLM provider are external and
// their failures must not mark this process unhealthy.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy
	var dbStatus *database.HealthStatus

	if s.dbClient != nil {
		health, err := database.Health(reqCtx, s.dbClient.Pool())
		dbStatus = health
		if err != nil {
			status = healthStatusUnhealthy
			checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["database"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	if s.cache != nil {
		if err := s.cache.Ping(reqCtx); err != nil {
			// The KV tier holds only short-lived state; its loss degrades
			// dedup and shaper diffs but the process keeps serving.
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["cache"] = HealthCheck{Status: healthStatusDegraded, Message: err.Error()}
		} else {
			checks["cache"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:   status,
		Version:  version.GitCommit,
		Database: dbStatus,
		Checks:   checks,
	})
}
