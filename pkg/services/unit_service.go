package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/LutendoLukhele/cortex/pkg/compiler"
	"github.com/LutendoLukhele/cortex/pkg/models"
	"github.com/LutendoLukhele/cortex/pkg/store"
)

// UnitCompiler compiles a natural-language prompt into a unit or a
// clarification request.
type UnitCompiler interface {
	Compile(ctx context.Context, userID, rawPrompt string) (*compiler.Result, error)
}

// CreateUnitInput is the domain-level data for a unit creation request.
type CreateUnitInput struct {
	Name   string
	Prompt string
}

// CreateUnitResult carries either the persisted unit or a clarification the
// user must answer before the rule can compile.
type CreateUnitResult struct {
	Unit          *models.Unit
	Clarification *compiler.Clarification
}

// UnitService handles unit compilation and lifecycle.
type UnitService struct {
	units    store.UnitStore
	compiler UnitCompiler
	logger   *slog.Logger
}

// NewUnitService creates a new UnitService.
func NewUnitService(units store.UnitStore, c UnitCompiler, logger *slog.Logger) *UnitService {
	if units == nil {
		panic("NewUnitService: units must not be nil")
	}
	if c == nil {
		panic("NewUnitService: compiler must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UnitService{units: units, compiler: c, logger: logger.With("component", "unit_service")}
}

// CreateUnit compiles the prompt and persists the resulting unit. A
// clarification outcome is returned without persisting anything.
func (s *UnitService) CreateUnit(ctx context.Context, userID string, input CreateUnitInput) (*CreateUnitResult, error) {
	prompt := strings.TrimSpace(input.Prompt)
	if prompt == "" {
		return nil, NewValidationError("prompt", "prompt is required")
	}

	result, err := s.compiler.Compile(ctx, userID, prompt)
	if err != nil {
		if models.Classify(err) == models.ErrKindValidation {
			return nil, NewValidationError("prompt", err.Error())
		}
		return nil, err
	}
	if result.Clarification != nil {
		return &CreateUnitResult{Clarification: result.Clarification}, nil
	}

	unit := result.Unit
	if name := strings.TrimSpace(input.Name); name != "" {
		unit.Name = name
	}
	if err := s.units.SaveUnit(ctx, unit); err != nil {
		return nil, err
	}
	s.logger.Info("unit created",
		"unit_id", unit.ID, "user_id", userID, "trigger", unit.Trigger.Type)
	return &CreateUnitResult{Unit: unit}, nil
}

// ListUnits returns all units owned by the user.
func (s *UnitService) ListUnits(ctx context.Context, userID string) ([]*models.Unit, error) {
	return s.units.ListUnits(ctx, userID)
}

// SetStatus transitions a unit between active, paused, and disabled.
func (s *UnitService) SetStatus(ctx context.Context, userID, unitID string, status models.UnitStatus) (*models.Unit, error) {
	if !models.ValidUnitStatus(status) {
		return nil, NewValidationError("status", "must be active, paused, or disabled")
	}
	unit, err := s.units.SetUnitStatus(ctx, userID, unitID, status)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("unit status changed", "unit_id", unitID, "status", status)
	return unit, nil
}

// DeleteUnit removes the unit and, through the store, its runs.
func (s *UnitService) DeleteUnit(ctx context.Context, userID, unitID string) error {
	err := s.units.DeleteUnit(ctx, userID, unitID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
