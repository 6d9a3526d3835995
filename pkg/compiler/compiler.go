// Package compiler turns a user's natural-language automation prompt into a
// validated Unit, or a structured clarification request when the prompt does
// not map cleanly onto the available events and tools.
package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/LutendoLukhele/cortex/pkg/connector"
	"github.com/LutendoLukhele/cortex/pkg/llm"
	"github.com/LutendoLukhele/cortex/pkg/models"
	"github.com/LutendoLukhele/cortex/pkg/shaper"
)

const (
	compileTemperature = 0.2
	compileMaxTokens   = 2048

	// waitMaxMs bounds wait actions to 15 minutes.
	waitMaxMs = 15 * 60 * 1000
)

// Clarification is returned instead of a Unit when the prompt is ambiguous.
// The compiler never guesses.
type Clarification struct {
	Question    string   `json:"question"`
	Ambiguities []string `json:"ambiguities,omitempty"`
}

// Result is the outcome of a compile: exactly one field is non-nil.
type Result struct {
	Unit          *Unit
	Clarification *Clarification
}

// Unit aliases the domain type for readability at the package seam.
type Unit = models.Unit

// Compiler compiles prompts into Units via a single low-temperature
// completion against a generated system prompt.
type Compiler struct {
	llm      llm.Client
	registry *connector.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Compiler.
func New(client llm.Client, registry *connector.Registry, logger *slog.Logger) *Compiler {
	if client == nil {
		panic("compiler.New: llm client must not be nil")
	}
	if registry == nil {
		panic("compiler.New: registry must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compiler{
		llm:      client,
		registry: registry,
		logger:   logger.With("component", "compiler"),
		now:      time.Now,
	}
}

// wire mirrors the response schema for strict decoding.
type wire struct {
	Unit          *wireUnit      `json:"unit"`
	Clarification *Clarification `json:"clarification"`
}

type wireUnit struct {
	Name       string             `json:"name"`
	Trigger    models.Trigger     `json:"trigger"`
	Conditions []models.Condition `json:"conditions"`
	Actions    []models.Action    `json:"actions"`
}

// Compile translates rawPrompt into a Unit for userID. Validation failures
// of the model's output and of the resulting Unit are validation errors;
// provider failures keep their transient/permanent classification.
func (c *Compiler) Compile(ctx context.Context, userID, rawPrompt string) (*Result, error) {
	if rawPrompt == "" {
		return nil, models.Classified(models.ErrKindValidation,
			fmt.Errorf("prompt must not be empty"))
	}

	var raw json.RawMessage
	err := c.llm.CompleteJSON(ctx, llm.Request{
		System:      systemPrompt(c.registry),
		User:        rawPrompt,
		Temperature: compileTemperature,
		MaxTokens:   compileMaxTokens,
	}, compileResponseSchema(), &raw)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var resp wire
	if err := dec.Decode(&resp); err != nil {
		return nil, models.Classified(models.ErrKindValidation,
			fmt.Errorf("compiler output rejected: %w", err))
	}

	if resp.Clarification != nil {
		c.logger.Info("compile needs clarification",
			"user_id", userID, "question", resp.Clarification.Question)
		return &Result{Clarification: resp.Clarification}, nil
	}
	if resp.Unit == nil {
		return nil, models.Classified(models.ErrKindValidation,
			fmt.Errorf("compiler output carries neither unit nor clarification"))
	}

	now := c.now().UTC()
	unit := &models.Unit{
		ID:         uuid.NewString(),
		UserID:     userID,
		Name:       resp.Unit.Name,
		RawPrompt:  rawPrompt,
		Trigger:    resp.Unit.Trigger,
		Conditions: resp.Unit.Conditions,
		Actions:    resp.Unit.Actions,
		Status:     models.UnitStatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := Validate(unit, c.registry); err != nil {
		return nil, err
	}

	c.logger.Info("compiled unit",
		"user_id", userID, "unit_id", unit.ID,
		"trigger", fmt.Sprintf("%s/%s", unit.Trigger.Source, unit.Trigger.Type),
		"conditions", len(unit.Conditions), "actions", len(unit.Actions))
	return &Result{Unit: unit}, nil
}

var validOperators = map[models.Operator]bool{
	models.OpEq: true, models.OpNeq: true, models.OpIn: true, models.OpNotIn: true,
	models.OpContains: true, models.OpStartsWith: true, models.OpBetween: true,
	models.OpGt: true, models.OpGte: true, models.OpLt: true, models.OpLte: true,
	models.OpIsNull: true, models.OpIsNotNull: true,
}

var validLLMTasks = map[models.LLMTask]bool{
	models.LLMTaskSummarize: true, models.LLMTaskGenerate: true,
	models.LLMTaskClassify: true, models.LLMTaskExtract: true,
}

// Validate checks a Unit against the emission table, the tool registry, and
// the condition/action grammar. All failures are validation errors.
func Validate(unit *models.Unit, registry *connector.Registry) error {
	fail := func(format string, args ...any) error {
		return models.Classified(models.ErrKindValidation, fmt.Errorf(format, args...))
	}

	if unit.Name == "" {
		return fail("unit name must not be empty")
	}
	if !shaper.ValidTrigger(unit.Trigger.Source, unit.Trigger.Type) {
		return fail("unknown trigger %s/%s", unit.Trigger.Source, unit.Trigger.Type)
	}

	for i, cond := range unit.Conditions {
		switch cond.Kind {
		case models.ConditionRule:
			if cond.Field == "" {
				return fail("condition %d: rule requires a field", i)
			}
			if !validOperators[cond.Operator] {
				return fail("condition %d: unknown operator %q", i, cond.Operator)
			}
			if err := validateOperand(cond.Operator, cond.Value); err != nil {
				return fail("condition %d: %v", i, err)
			}
		case models.ConditionSemantic:
			if cond.Prompt == "" {
				return fail("condition %d: semantic requires a prompt", i)
			}
		default:
			return fail("condition %d: unknown kind %q", i, cond.Kind)
		}
	}

	if len(unit.Actions) == 0 {
		return fail("unit requires at least one action")
	}
	for i, action := range unit.Actions {
		switch action.Kind {
		case models.ActionTool, models.ActionNotify:
			if action.Tool == "" {
				return fail("action %d: %s requires a tool", i, action.Kind)
			}
			if !registry.Has(action.Tool) {
				return fail("action %d: unknown tool %q", i, action.Tool)
			}
		case models.ActionLLM:
			task, _ := action.Params["task"].(string)
			if !validLLMTasks[models.LLMTask(task)] {
				return fail("action %d: unknown llm task %q", i, task)
			}
			if prompt, _ := action.Params["prompt"].(string); prompt == "" {
				return fail("action %d: llm requires params.prompt", i)
			}
		case models.ActionWait:
			ms, ok := numeric(action.Params["ms"])
			if !ok || ms <= 0 {
				return fail("action %d: wait requires positive params.ms", i)
			}
			if ms > waitMaxMs {
				return fail("action %d: wait exceeds %d ms maximum", i, waitMaxMs)
			}
		case models.ActionCheck:
			field, _ := action.Params["field"].(string)
			if field == "" {
				return fail("action %d: check requires params.field", i)
			}
			op, _ := action.Params["operator"].(string)
			if !validOperators[models.Operator(op)] {
				return fail("action %d: unknown check operator %q", i, op)
			}
		case models.ActionNoop:
			// Nothing to validate.
		default:
			return fail("action %d: unknown kind %q", i, action.Kind)
		}
	}
	return nil
}

func validateOperand(op models.Operator, value any) error {
	switch op {
	case models.OpIsNull, models.OpIsNotNull:
		return nil
	case models.OpIn, models.OpNotIn:
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("operator %s requires an array value", op)
		}
	case models.OpBetween:
		arr, ok := value.([]any)
		if !ok || len(arr) != 2 {
			return fmt.Errorf("operator %s requires a two-element array value", op)
		}
	default:
		if value == nil {
			return fmt.Errorf("operator %s requires a value", op)
		}
	}
	return nil
}

func numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}
