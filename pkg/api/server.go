// Package api is the HTTP surface: the webhook front door that feeds the
// pipeline and the bearer-authenticated control API consumed by the UI.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/LutendoLukhele/cortex/pkg/config"
	"github.com/LutendoLukhele/cortex/pkg/database"
	"github.com/LutendoLukhele/cortex/pkg/metrics"
	"github.com/LutendoLukhele/cortex/pkg/services"
	"github.com/LutendoLukhele/cortex/pkg/shaper"
)

// SyncEnqueuer hands a webhook task to the dispatcher. A false return means
// the task was dropped under backpressure; the webhook is ACKed regardless.
type SyncEnqueuer interface {
	EnqueueSync(task shaper.Task) bool
}

// ConnectionResolver attributes an external connection id to a user.
type ConnectionResolver interface {
	LookupUserID(ctx context.Context, externalConnectionID, provider string) (string, error)
}

// CachePinger reports KV-tier reachability for the health endpoint.
type CachePinger interface {
	Ping(ctx context.Context) error
}

// Server hosts the webhook endpoint and the control API.
type Server struct {
	cfg         *config.Config
	units       *services.UnitService
	runs        *services.RunService
	connections *services.ConnectionService
	resolver    ConnectionResolver
	enqueuer    SyncEnqueuer
	metrics     *metrics.Metrics
	logger      *slog.Logger

	// Optional health probes, wired by Set* before Start.
	dbClient *database.Client
	cache    CachePinger

	echo       *echo.Echo
	httpServer *http.Server
}

// NewServer wires the handlers and routes. Health probes are attached
// separately via SetDBClient / SetCache.
func NewServer(
	cfg *config.Config,
	units *services.UnitService,
	runs *services.RunService,
	connections *services.ConnectionService,
	resolver ConnectionResolver,
	enqueuer SyncEnqueuer,
	met *metrics.Metrics,
	logger *slog.Logger,
) *Server {
	if cfg == nil {
		panic("api.NewServer: cfg must not be nil")
	}
	if met == nil {
		met = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:         cfg,
		units:       units,
		runs:        runs,
		connections: connections,
		resolver:    resolver,
		enqueuer:    enqueuer,
		metrics:     met,
		logger:      logger.With("component", "api"),
	}

	e := echo.New()
	e.HTTPErrorHandler = s.errorHandler
	e.Use(securityHeaders())

	e.POST("/webhooks/sync", s.webhookHandler)
	e.GET("/healthz", s.healthHandler)
	e.GET("/metrics", echo.WrapHandler(met.Handler()))

	g := e.Group("", s.requireAuth)
	g.POST("/units", s.createUnitHandler)
	g.GET("/units", s.listUnitsHandler)
	g.PATCH("/units/:id/status", s.unitStatusHandler)
	g.DELETE("/units/:id", s.deleteUnitHandler)
	g.GET("/runs", s.listRunsHandler)
	g.GET("/runs/:id/steps", s.listStepsHandler)
	g.POST("/runs/:id/rerun", s.rerunHandler)
	g.GET("/connections", s.listConnectionsHandler)
	g.POST("/connections", s.createConnectionHandler)
	g.DELETE("/connections/:provider", s.deleteConnectionHandler)

	s.echo = e
	s.httpServer = &http.Server{
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetDBClient attaches the database health probe.
func (s *Server) SetDBClient(db *database.Client) { s.dbClient = db }

// SetCache attaches the KV-tier health probe.
func (s *Server) SetCache(cache CachePinger) { s.cache = cache }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer.Addr = addr
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on an existing listener. Used by tests that need
// a random port.
func (s *Server) StartWithListener(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown stops accepting requests and waits for in-flight handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// errorHandler renders every error as the control API's { "error": string }
// contract.
func (s *Server) errorHandler(c *echo.Context, err error) {
	if r, _ := echo.UnwrapResponse(c.Response()); r != nil && r.Committed {
		return
	}
	he := &echo.HTTPError{Code: http.StatusInternalServerError, Message: "internal server error"}
	if !errors.As(err, &he) {
		s.logger.Error("unhandled error", "error", err)
	}
	if jsonErr := c.JSON(he.Code, &ErrorResponse{Error: fmt.Sprintf("%v", he.Message)}); jsonErr != nil {
		s.logger.Error("failed to write error response", "error", jsonErr)
	}
}
