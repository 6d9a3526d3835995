package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LutendoLukhele/cortex/pkg/compiler"
	"github.com/LutendoLukhele/cortex/pkg/models"
	"github.com/LutendoLukhele/cortex/pkg/store"
)

// stubCompiler replays a canned compile result.
type stubCompiler struct {
	result *compiler.Result
	err    error
}

func (s *stubCompiler) Compile(_ context.Context, userID, rawPrompt string) (*compiler.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.result.Unit != nil {
		s.result.Unit.UserID = userID
		s.result.Unit.RawPrompt = rawPrompt
	}
	return s.result, nil
}

func compiledUnit() *models.Unit {
	return &models.Unit{
		ID:      "unit-1",
		Name:    "escalate urgent email",
		Trigger: models.Trigger{Source: models.SourceEmail, Type: models.EventEmailReceived},
		Actions: []models.Action{{Kind: models.ActionNoop}},
		Status:  models.UnitStatusActive,
	}
}

func TestCreateUnit(t *testing.T) {
	mem := store.NewMemory()
	svc := NewUnitService(mem, &stubCompiler{result: &compiler.Result{Unit: compiledUnit()}}, nil)

	result, err := svc.CreateUnit(context.Background(), "user-1", CreateUnitInput{
		Prompt: "when an urgent email arrives, notify me",
	})
	require.NoError(t, err)
	require.NotNil(t, result.Unit)
	assert.Nil(t, result.Clarification)
	assert.Equal(t, "user-1", result.Unit.UserID)

	saved, err := mem.GetUnit(context.Background(), "user-1", "unit-1")
	require.NoError(t, err)
	assert.Equal(t, "escalate urgent email", saved.Name)
}

func TestCreateUnit_NameOverride(t *testing.T) {
	mem := store.NewMemory()
	svc := NewUnitService(mem, &stubCompiler{result: &compiler.Result{Unit: compiledUnit()}}, nil)

	result, err := svc.CreateUnit(context.Background(), "user-1", CreateUnitInput{
		Name:   "my rule",
		Prompt: "when an urgent email arrives, notify me",
	})
	require.NoError(t, err)
	assert.Equal(t, "my rule", result.Unit.Name)
}

func TestCreateUnit_Clarification(t *testing.T) {
	mem := store.NewMemory()
	svc := NewUnitService(mem, &stubCompiler{result: &compiler.Result{
		Clarification: &compiler.Clarification{Question: "Which calendar?"},
	}}, nil)

	result, err := svc.CreateUnit(context.Background(), "user-1", CreateUnitInput{Prompt: "watch my calendar"})
	require.NoError(t, err)
	assert.Nil(t, result.Unit)
	require.NotNil(t, result.Clarification)

	// Nothing was persisted.
	units, err := mem.ListUnits(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, units)
}

func TestCreateUnit_EmptyPrompt(t *testing.T) {
	svc := NewUnitService(store.NewMemory(), &stubCompiler{}, nil)
	_, err := svc.CreateUnit(context.Background(), "user-1", CreateUnitInput{Prompt: "   "})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestCreateUnit_CompileValidationSurfaced(t *testing.T) {
	svc := NewUnitService(store.NewMemory(), &stubCompiler{
		err: models.Classified(models.ErrKindValidation, errors.New("unknown tool \"slack.post\"")),
	}, nil)

	_, err := svc.CreateUnit(context.Background(), "user-1", CreateUnitInput{Prompt: "post to slack"})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestSetStatus(t *testing.T) {
	mem := store.NewMemory()
	unit := compiledUnit()
	unit.UserID = "user-1"
	require.NoError(t, mem.SaveUnit(context.Background(), unit))
	svc := NewUnitService(mem, &stubCompiler{}, nil)

	updated, err := svc.SetStatus(context.Background(), "user-1", "unit-1", models.UnitStatusPaused)
	require.NoError(t, err)
	assert.Equal(t, models.UnitStatusPaused, updated.Status)

	_, err = svc.SetStatus(context.Background(), "user-1", "unit-1", "archived")
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	_, err = svc.SetStatus(context.Background(), "other-user", "unit-1", models.UnitStatusActive)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteUnit(t *testing.T) {
	mem := store.NewMemory()
	unit := compiledUnit()
	unit.UserID = "user-1"
	require.NoError(t, mem.SaveUnit(context.Background(), unit))
	svc := NewUnitService(mem, &stubCompiler{}, nil)

	require.NoError(t, svc.DeleteUnit(context.Background(), "user-1", "unit-1"))
	assert.ErrorIs(t, svc.DeleteUnit(context.Background(), "user-1", "unit-1"), ErrNotFound)
}
