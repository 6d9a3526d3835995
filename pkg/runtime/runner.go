package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/LutendoLukhele/cortex/pkg/config"
	"github.com/LutendoLukhele/cortex/pkg/connector"
	"github.com/LutendoLukhele/cortex/pkg/llm"
	"github.com/LutendoLukhele/cortex/pkg/matcher"
	"github.com/LutendoLukhele/cortex/pkg/models"
	"github.com/LutendoLukhele/cortex/pkg/store"
)

const (
	// maxAttempts bounds retries of a single step. Only transient errors
	// are retried; the rest fail the step on the first attempt.
	maxAttempts = 3

	defaultRetryInterval = 500 * time.Millisecond
)

// Runner executes runs. It is the sole writer of a run and its steps after
// creation; actions within a run are strictly sequential because later steps
// reference earlier outputs.
type Runner struct {
	runs     store.RunStore
	units    store.UnitStore
	events   store.EventStore
	exec     connector.ToolExecutor
	llm      llm.Client
	timeouts config.TimeoutConfig
	logger   *slog.Logger
	now      func() time.Time

	// retryInterval is the initial backoff interval, shortened by tests.
	retryInterval time.Duration
}

// New creates a Runner.
func New(stores store.Stores, exec connector.ToolExecutor, client llm.Client, timeouts config.TimeoutConfig, logger *slog.Logger) *Runner {
	if exec == nil {
		panic("runtime.New: executor must not be nil")
	}
	if client == nil {
		panic("runtime.New: llm client must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		runs:          stores.Runs,
		units:         stores.Units,
		events:        stores.Events,
		exec:          exec,
		llm:           client,
		timeouts:      timeouts,
		logger:        logger.With("component", "runtime"),
		now:           time.Now,
		retryInterval: defaultRetryInterval,
	}
}

// stepResult carries the outcome of one executed action.
type stepResult struct {
	output   any
	attempts int
	// skipRemaining is set by a false check: the step and everything after
	// it are skipped without failing the run.
	skipRemaining bool
}

// Execute drives run from pending to a terminal status, appending one
// RunStep per action, and returns that status. A failed step fails the run
// unless the action is marked continueOnError; a false check skips the
// remainder.
func (r *Runner) Execute(ctx context.Context, run *models.Run) (models.RunStatus, error) {
	logger := r.logger.With("run_id", run.ID, "unit_id", run.UnitID)

	unit, err := r.units.GetUnit(ctx, run.UserID, run.UnitID)
	if err != nil {
		return models.RunStatusFailed, r.abort(ctx, run, fmt.Sprintf("unit unavailable: %v", err))
	}
	ev, err := r.events.GetEvent(ctx, run.EventID)
	if err != nil {
		return models.RunStatusFailed, r.abort(ctx, run, fmt.Sprintf("event unavailable: %v", err))
	}

	if err := r.runs.MarkRunning(ctx, run.ID, r.now().UTC()); err != nil {
		return run.Status, err
	}
	logger.Info("run started", "event_type", ev.Type, "actions", len(unit.Actions))

	scope := NewScope(ev)
	var (
		runErr   string
		skipping bool
	)
	for i, action := range unit.Actions {
		if skipping {
			if err := r.appendSkipped(ctx, run.ID, i, action.Kind); err != nil {
				return models.RunStatusRunning, err
			}
			scope.AddOutput(nil)
			continue
		}

		result, stepErr := r.runStep(ctx, logger, run, i, action, scope)
		if stepErr != nil {
			scope.AddOutput(nil)
			if action.ContinueOnError {
				logger.Warn("step failed, continuing", "step", i, "error", stepErr)
				continue
			}
			runErr = fmt.Sprintf("step %d (%s): %v", i, action.Kind, stepErr)
			skipping = true
			continue
		}

		scope.AddOutput(result.output)
		if result.skipRemaining {
			logger.Info("check not satisfied, skipping remaining steps", "step", i)
			skipping = true
		}
	}

	status := models.RunStatusCompleted
	if runErr != "" {
		status = models.RunStatusFailed
	}
	if err := r.runs.FinishRun(ctx, run.ID, status, runErr, r.now().UTC()); err != nil {
		return models.RunStatusRunning, err
	}
	logger.Info("run finished", "status", status)
	return status, nil
}

// runStep appends the step as running, executes it with retries, and records
// the terminal state. A false check terminates with status skipped.
func (r *Runner) runStep(ctx context.Context, logger *slog.Logger, run *models.Run, index int, action models.Action, scope *Scope) (*stepResult, error) {
	input, inputErr := RenderParams(action.Params, scope)
	step := &models.RunStep{
		RunID:      run.ID,
		Index:      index,
		ActionKind: action.Kind,
		Input:      input,
		Status:     models.StepStatusRunning,
	}
	if err := r.runs.AppendStep(ctx, step); err != nil {
		return nil, err
	}

	started := r.now()
	var (
		result *stepResult
		err    error
	)
	if inputErr != nil {
		err = inputErr
	} else {
		result, err = r.execute(ctx, run, action, input, scope)
	}
	elapsed := r.now().Sub(started).Milliseconds()

	update := store.StepUpdate{
		Status:     models.StepStatusCompleted,
		Attempts:   1,
		DurationMs: elapsed,
	}
	if result != nil {
		update.Output = result.output
		update.Attempts = result.attempts
		if result.skipRemaining {
			update.Status = models.StepStatusSkipped
		}
	}
	if err != nil {
		update.Status = models.StepStatusFailed
		update.Error = err.Error()
		if result != nil && result.attempts > 0 {
			update.Attempts = result.attempts
		}
		logger.Warn("step failed", "step", index, "kind", action.Kind,
			"attempts", update.Attempts, "error", err)
	}
	if finishErr := r.runs.FinishStep(ctx, run.ID, index, update); finishErr != nil {
		return nil, finishErr
	}
	return result, err
}

func (r *Runner) execute(ctx context.Context, run *models.Run, action models.Action, input map[string]any, scope *Scope) (*stepResult, error) {
	switch action.Kind {
	case models.ActionTool, models.ActionNotify:
		return r.executeTool(ctx, run, action, input)
	case models.ActionLLM:
		return r.executeLLM(ctx, input)
	case models.ActionWait:
		return r.executeWait(ctx, input)
	case models.ActionCheck:
		return r.executeCheck(input, scope)
	case models.ActionNoop:
		return &stepResult{output: map[string]any{}, attempts: 1}, nil
	default:
		return nil, models.Classified(models.ErrKindInternal,
			fmt.Errorf("unknown action kind %q", action.Kind))
	}
}

func (r *Runner) executeTool(ctx context.Context, run *models.Run, action models.Action, input map[string]any) (*stepResult, error) {
	result := &stepResult{}
	err := r.withRetry(ctx, result, func(ctx context.Context) error {
		stepCtx, cancel := context.WithTimeout(ctx, r.timeouts.ToolStep)
		defer cancel()
		out, err := r.exec.Execute(stepCtx, run.UserID, action.Tool, input)
		if err != nil {
			return err
		}
		result.output = out
		return nil
	})
	return result, err
}

func (r *Runner) executeLLM(ctx context.Context, input map[string]any) (*stepResult, error) {
	prompt, _ := input["prompt"].(string)
	if prompt == "" {
		return nil, models.Classified(models.ErrKindPermanent,
			errors.New("llm action requires params.prompt"))
	}
	task, _ := input["task"].(string)

	result := &stepResult{}
	err := r.withRetry(ctx, result, func(ctx context.Context) error {
		stepCtx, cancel := context.WithTimeout(ctx, r.timeouts.LLMStep)
		defer cancel()
		text, err := r.llm.Complete(stepCtx, llm.Request{
			System: llmSystemPrompt(task),
			User:   prompt,
		})
		if err != nil {
			return err
		}
		result.output = map[string]any{"text": text}
		return nil
	})
	return result, err
}

func llmSystemPrompt(task string) string {
	switch models.LLMTask(task) {
	case models.LLMTaskSummarize:
		return "Summarize the given content concisely. Respond with the summary only."
	case models.LLMTaskClassify:
		return "Classify the given content as instructed. Respond with the label only."
	case models.LLMTaskExtract:
		return "Extract the requested fields from the given content."
	default:
		return "Follow the instruction exactly. Respond with the result only."
	}
}

// executeWait sleeps for params.ms, bounded by the configured maximum and
// cancellable through ctx.
func (r *Runner) executeWait(ctx context.Context, input map[string]any) (*stepResult, error) {
	ms, ok := number(input["ms"])
	if !ok || ms <= 0 {
		return nil, models.Classified(models.ErrKindPermanent,
			errors.New("wait action requires positive params.ms"))
	}
	duration := time.Duration(ms) * time.Millisecond
	if duration > r.timeouts.WaitMax {
		return nil, models.Classified(models.ErrKindPermanent,
			fmt.Errorf("wait of %s exceeds maximum %s", duration, r.timeouts.WaitMax))
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return &stepResult{output: map[string]any{"waited_ms": ms}, attempts: 1}, nil
	}
}

// executeCheck evaluates a rule condition against the accumulated context.
// A false verdict skips the step and everything after it.
func (r *Runner) executeCheck(input map[string]any, scope *Scope) (*stepResult, error) {
	field, _ := input["field"].(string)
	operator, _ := input["operator"].(string)
	if field == "" || operator == "" {
		return nil, models.Classified(models.ErrKindPermanent,
			errors.New("check action requires params.field and params.operator"))
	}

	passed := matcher.EvalRule(scope.contextPayload(), models.Condition{
		Kind:     models.ConditionRule,
		Field:    field,
		Operator: models.Operator(operator),
		Value:    input["value"],
	})
	return &stepResult{
		output:        map[string]any{"passed": passed},
		attempts:      1,
		skipRemaining: !passed,
	}, nil
}

// contextPayload flattens the scope into a payload the rule evaluator can
// traverse: event fields under "event", step outputs under "steps.N.output".
func (s *Scope) contextPayload() map[string]any {
	steps := make(map[string]any, len(s.Outputs))
	for i, out := range s.Outputs {
		steps[strconv.Itoa(i)] = map[string]any{"output": out}
	}
	eventObj := map[string]any{}
	if s.Event != nil {
		eventObj = map[string]any{
			"id":        s.Event.ID,
			"source":    string(s.Event.Source),
			"type":      string(s.Event.Type),
			"record_id": s.Event.RecordID,
			"payload":   s.Event.Payload,
		}
	}
	return map[string]any{"event": eventObj, "steps": steps}
}

// withRetry runs fn with jittered exponential backoff for transient errors,
// honoring a 429 retry-after hint. result.attempts counts every try.
func (r *Runner) withRetry(ctx context.Context, result *stepResult, fn func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.retryInterval
	bo.MaxInterval = 10 * time.Second

	var err error
	for attempt := 1; ; attempt++ {
		result.attempts = attempt
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !models.Retryable(err) || attempt >= maxAttempts {
			return err
		}

		delay := bo.NextBackOff()
		var ce *models.ClassifiedError
		if errors.As(err, &ce) && ce.RetryAfter > 0 {
			delay = ce.RetryAfter
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// abort finishes a run that could not start, keeping the failure observable
// in the run history.
func (r *Runner) abort(ctx context.Context, run *models.Run, reason string) error {
	r.logger.Error("run aborted", "run_id", run.ID, "reason", reason)
	return r.runs.FinishRun(ctx, run.ID, models.RunStatusFailed, reason, r.now().UTC())
}

// appendSkipped writes a step directly as skipped, used for the tail after a
// failed step or an unsatisfied check.
func (r *Runner) appendSkipped(ctx context.Context, runID string, index int, kind models.ActionKind) error {
	if err := r.runs.AppendStep(ctx, &models.RunStep{
		RunID:      runID,
		Index:      index,
		ActionKind: kind,
		Status:     models.StepStatusRunning,
	}); err != nil {
		return err
	}
	return r.runs.FinishStep(ctx, runID, index, store.StepUpdate{Status: models.StepStatusSkipped})
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}
