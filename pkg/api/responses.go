package api

import (
	"github.com/LutendoLukhele/cortex/pkg/compiler"
	"github.com/LutendoLukhele/cortex/pkg/database"
	"github.com/LutendoLukhele/cortex/pkg/models"
)

// ErrorResponse is the body of every non-2xx control API response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WebhookResponse is returned by POST /webhooks/sync.
type WebhookResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// UnitResponse is returned by POST /units and PATCH /units/:id/status.
type UnitResponse struct {
	Unit *models.Unit `json:"unit"`
}

// ClarificationResponse is returned by POST /units when the prompt is too
// ambiguous to compile.
type ClarificationResponse struct {
	Clarification *compiler.Clarification `json:"clarification"`
}

// UnitsResponse is returned by GET /units.
type UnitsResponse struct {
	Units []*models.Unit `json:"units"`
}

// RunResponse is returned by POST /runs/:id/rerun.
type RunResponse struct {
	Run *models.Run `json:"run"`
}

// RunsResponse is returned by GET /runs.
type RunsResponse struct {
	Runs []*models.Run `json:"runs"`
}

// StepsResponse is returned by GET /runs/:id/steps.
type StepsResponse struct {
	Steps []*models.RunStep `json:"steps"`
}

// ConnectionsResponse is returned by GET /connections.
type ConnectionsResponse struct {
	Connections []*models.Connection `json:"connections"`
}

// ConnectionResponse is returned by POST /connections.
type ConnectionResponse struct {
	Connection *models.Connection `json:"connection"`
}

// DeleteResponse is returned by DELETE endpoints.
type DeleteResponse struct {
	Success bool `json:"success"`
}

// HealthCheck is one component's health within HealthResponse.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Version  string                 `json:"version"`
	Database *database.HealthStatus `json:"database,omitempty"`
	Checks   map[string]HealthCheck `json:"checks"`
}
