package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/LutendoLukhele/cortex/pkg/models"
	"github.com/LutendoLukhele/cortex/pkg/shaper"
	"github.com/LutendoLukhele/cortex/pkg/store"
)

// ConnectionService manages a user's provider connections.
type ConnectionService struct {
	connections store.ConnectionStore
	logger      *slog.Logger
	now         func() time.Time
}

// NewConnectionService creates a new ConnectionService.
func NewConnectionService(connections store.ConnectionStore, logger *slog.Logger) *ConnectionService {
	if connections == nil {
		panic("NewConnectionService: connections must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionService{
		connections: connections,
		logger:      logger.With("component", "connection_service"),
		now:         time.Now,
	}
}

// CreateConnection links an external provider connection to the user. The
// provider must be one the shaper understands.
func (s *ConnectionService) CreateConnection(ctx context.Context, userID, provider, externalConnectionID string) (*models.Connection, error) {
	provider = strings.TrimSpace(strings.ToLower(provider))
	if provider == "" {
		return nil, NewValidationError("provider", "provider is required")
	}
	if !shaper.KnownProvider(provider) {
		return nil, NewValidationError("provider", "unknown provider")
	}
	if strings.TrimSpace(externalConnectionID) == "" {
		return nil, NewValidationError("connection_id", "connection_id is required")
	}

	conn := &models.Connection{
		UserID:               userID,
		Provider:             provider,
		ExternalConnectionID: externalConnectionID,
		Enabled:              true,
		CreatedAt:            s.now().UTC(),
	}
	if err := s.connections.SaveConnection(ctx, conn); err != nil {
		return nil, err
	}
	s.logger.Info("connection saved", "user_id", userID, "provider", provider)
	return conn, nil
}

// ListConnections returns the user's connections.
func (s *ConnectionService) ListConnections(ctx context.Context, userID string) ([]*models.Connection, error) {
	return s.connections.ListConnections(ctx, userID)
}

// DeleteConnection removes the user's connection for the provider.
func (s *ConnectionService) DeleteConnection(ctx context.Context, userID, provider string) error {
	err := s.connections.DeleteConnection(ctx, userID, strings.ToLower(provider))
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
