// Package llm provides the chat-completion client used by the compiler, the
// matcher's semantic conditions, and llm run steps. Responses are cached
// in-process keyed by a hash of the full request; a hit never changes
// semantics, only latency.
package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	openai "github.com/sashabaranov/go-openai"

	"github.com/LutendoLukhele/cortex/pkg/cache"
	"github.com/LutendoLukhele/cortex/pkg/models"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = openai.GPT4oMini

	responseCacheTTL  = 5 * time.Minute
	responseCacheSize = 100
)

// Request is a single completion request.
type Request struct {
	System      string
	User        string
	Temperature float32
	MaxTokens   int
}

// Client is the completion interface consumed by the pipeline.
type Client interface {
	// Complete returns the raw text of the model's response.
	Complete(ctx context.Context, req Request) (string, error)
	// CompleteJSON requests a JSON response, validates it against schema
	// when non-nil, and decodes it into out.
	CompleteJSON(ctx context.Context, req Request, schema *jsonschema.Schema, out any) error
}

// ChatClient captures the subset of the go-openai client used here.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI implements Client via the Chat Completions API.
type OpenAI struct {
	chat   ChatClient
	model  string
	cache  *cache.Cache
	logger *slog.Logger
}

var _ Client = (*OpenAI)(nil)

// Options configures the OpenAI client.
type Options struct {
	APIKey  string
	BaseURL string // optional override, used by tests and proxies
	Model   string
	Logger  *slog.Logger
}

// New creates an OpenAI-backed client.
func New(opts Options) (*OpenAI, error) {
	if opts.APIKey == "" {
		return nil, errors.New("llm: api key is required")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAI{
		chat:   openai.NewClientWithConfig(cfg),
		model:  model,
		cache:  cache.New(responseCacheTTL, responseCacheSize),
		logger: logger.With("component", "llm"),
	}, nil
}

// NewWithChat creates a client over an existing ChatClient. Used by tests.
func NewWithChat(chat ChatClient, model string, logger *slog.Logger) *OpenAI {
	if chat == nil {
		panic("NewWithChat: chat must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAI{
		chat:   chat,
		model:  model,
		cache:  cache.New(responseCacheTTL, responseCacheSize),
		logger: logger.With("component", "llm"),
	}
}

func (c *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	return c.complete(ctx, req, false)
}

func (c *OpenAI) CompleteJSON(ctx context.Context, req Request, schema *jsonschema.Schema, out any) error {
	content, err := c.complete(ctx, req, true)
	if err != nil {
		return err
	}
	if schema != nil {
		inst, err := jsonschema.UnmarshalJSON(strings.NewReader(content))
		if err != nil {
			return models.Classified(models.ErrKindPermanent,
				fmt.Errorf("llm returned invalid JSON: %w", err))
		}
		if err := schema.Validate(inst); err != nil {
			return models.Classified(models.ErrKindPermanent,
				fmt.Errorf("llm response failed schema validation: %w", err))
		}
	}
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return models.Classified(models.ErrKindPermanent,
			fmt.Errorf("failed to decode llm response: %w", err))
	}
	return nil
}

func (c *OpenAI) complete(ctx context.Context, req Request, jsonMode bool) (string, error) {
	key := cacheKey(c.model, req, jsonMode)
	if cached, ok := c.cache.Get(key); ok {
		c.logger.Debug("llm cache hit", "key", key[:12])
		return cached.(string), nil
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: req.User,
	})

	request := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if jsonMode {
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", models.Classified(models.ErrKindTransient,
			errors.New("llm returned no choices"))
	}
	content := resp.Choices[0].Message.Content
	c.cache.Set(key, content)
	return content, nil
}

// cacheKey hashes the full request so distinct prompts never collide.
func cacheKey(model string, req Request, jsonMode bool) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%v|%d|%t", model, req.System, req.User, req.Temperature, req.MaxTokens, jsonMode)
	return hex.EncodeToString(h.Sum(nil))
}

// classify maps provider errors onto retry kinds: 429 and 5xx are transient,
// other 4xx are permanent, network and deadline errors are transient.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500:
			return models.Classified(models.ErrKindTransient, err)
		case apiErr.HTTPStatusCode >= 400:
			return models.Classified(models.ErrKindPermanent, err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return models.Classified(models.ErrKindTransient, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return models.Classified(models.ErrKindTransient, err)
}
