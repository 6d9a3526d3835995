package connector

import (
	"context"
	"log/slog"
	"sync"

	"github.com/LutendoLukhele/cortex/pkg/config"
)

// ToolExecutor executes a named tool action for a user. The runtime is the
// only caller; inputs have already been templated.
type ToolExecutor interface {
	Execute(ctx context.Context, userID, tool string, input map[string]any) (map[string]any, error)
}

// Executor implements ToolExecutor over the connector client: validate the
// input against the registry schema, resolve the provider, then dispatch
// writes to the action endpoint and reads to the record cache.
type Executor struct {
	registry *Registry
	client   *Client
	logger   *slog.Logger
}

var _ ToolExecutor = (*Executor)(nil)

// NewExecutor creates the connector-backed executor.
func NewExecutor(registry *Registry, client *Client, logger *slog.Logger) *Executor {
	if registry == nil {
		panic("connector.NewExecutor: registry must not be nil")
	}
	if client == nil {
		panic("connector.NewExecutor: client must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, client: client, logger: logger.With("component", "executor")}
}

func (e *Executor) Execute(ctx context.Context, userID, tool string, input map[string]any) (map[string]any, error) {
	def, err := e.registry.Lookup(tool)
	if err != nil {
		return nil, err
	}
	if err := e.registry.ValidateInput(tool, input); err != nil {
		return nil, err
	}

	e.logger.Debug("executing tool",
		"tool", tool, "provider", def.Provider, "kind", def.Kind, "user_id", userID)

	if def.Kind == config.ToolKindRead {
		return e.client.Records(ctx, userID, def.Provider, tool, input)
	}
	return e.client.Action(ctx, userID, def.Provider, tool, input)
}

// StubExecutor is a recording ToolExecutor for tests and dry runs. Outputs
// are keyed by tool name; unknown tools return an empty result.
type StubExecutor struct {
	mu      sync.Mutex
	Outputs map[string]map[string]any
	Errs    map[string]error
	Calls   []StubCall
}

// StubCall records one Execute invocation.
type StubCall struct {
	UserID string
	Tool   string
	Input  map[string]any
}

var _ ToolExecutor = (*StubExecutor)(nil)

// NewStubExecutor creates an empty stub.
func NewStubExecutor() *StubExecutor {
	return &StubExecutor{
		Outputs: make(map[string]map[string]any),
		Errs:    make(map[string]error),
	}
}

func (s *StubExecutor) Execute(_ context.Context, userID, tool string, input map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, StubCall{UserID: userID, Tool: tool, Input: input})
	if err, ok := s.Errs[tool]; ok {
		return nil, err
	}
	if out, ok := s.Outputs[tool]; ok {
		return out, nil
	}
	return map[string]any{}, nil
}

// CallCount returns the number of recorded calls for tool.
func (s *StubExecutor) CallCount(tool string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, call := range s.Calls {
		if call.Tool == tool {
			n++
		}
	}
	return n
}
