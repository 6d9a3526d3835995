package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v6"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LutendoLukhele/cortex/pkg/models"
)

type mockChatClient struct {
	response openai.ChatCompletionResponse
	err      error
	calls    int
	lastReq  openai.ChatCompletionRequest
}

func (m *mockChatClient) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.calls++
	m.lastReq = req
	return m.response, m.err
}

func textResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Role: "assistant", Content: content}},
		},
	}
}

func compileSchema(t *testing.T, raw string) *jsonschema.Schema {
	t.Helper()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	require.NoError(t, err)
	c := jsonschema.NewCompiler()
	require.NoError(t, c.AddResource("schema.json", doc))
	schema, err := c.Compile("schema.json")
	require.NoError(t, err)
	return schema
}

func TestComplete_PassesMessagesAndModel(t *testing.T) {
	mock := &mockChatClient{response: textResponse("hello")}
	client := NewWithChat(mock, "gpt-4o-mini", nil)

	got, err := client.Complete(context.Background(), Request{
		System: "you are terse",
		User:   "say hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	require.Len(t, mock.lastReq.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, mock.lastReq.Messages[0].Role)
	assert.Equal(t, "you are terse", mock.lastReq.Messages[0].Content)
	assert.Equal(t, "gpt-4o-mini", mock.lastReq.Model)
	assert.Nil(t, mock.lastReq.ResponseFormat)
}

func TestComplete_CachesIdenticalRequests(t *testing.T) {
	mock := &mockChatClient{response: textResponse("cached")}
	client := NewWithChat(mock, "gpt-4o-mini", nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := client.Complete(ctx, Request{User: "same prompt"})
		require.NoError(t, err)
		assert.Equal(t, "cached", got)
	}
	assert.Equal(t, 1, mock.calls)

	// A different prompt misses the cache.
	_, err := client.Complete(ctx, Request{User: "other prompt"})
	require.NoError(t, err)
	assert.Equal(t, 2, mock.calls)
}

func TestCompleteJSON_ValidatesAndDecodes(t *testing.T) {
	mock := &mockChatClient{response: textResponse(`{"matched": true}`)}
	client := NewWithChat(mock, "gpt-4o-mini", nil)
	schema := compileSchema(t, `{
		"type": "object",
		"properties": {"matched": {"type": "boolean"}},
		"required": ["matched"],
		"additionalProperties": false
	}`)

	var out struct {
		Matched bool `json:"matched"`
	}
	err := client.CompleteJSON(context.Background(), Request{User: "does it match?"}, schema, &out)
	require.NoError(t, err)
	assert.True(t, out.Matched)
	require.NotNil(t, mock.lastReq.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, mock.lastReq.ResponseFormat.Type)
}

func TestCompleteJSON_SchemaViolationIsPermanent(t *testing.T) {
	mock := &mockChatClient{response: textResponse(`{"matched": "yes"}`)}
	client := NewWithChat(mock, "gpt-4o-mini", nil)
	schema := compileSchema(t, `{
		"type": "object",
		"properties": {"matched": {"type": "boolean"}},
		"required": ["matched"]
	}`)

	var out struct {
		Matched bool `json:"matched"`
	}
	err := client.CompleteJSON(context.Background(), Request{User: "?"}, schema, &out)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindPermanent, models.Classify(err))
}

func TestCompleteJSON_MalformedJSONIsPermanent(t *testing.T) {
	mock := &mockChatClient{response: textResponse(`not json at all`)}
	client := NewWithChat(mock, "gpt-4o-mini", nil)

	var out map[string]any
	err := client.CompleteJSON(context.Background(), Request{User: "?"}, nil, &out)
	require.Error(t, err)
	assert.Equal(t, models.ErrKindPermanent, models.Classify(err))
}

func TestComplete_ErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.ErrorKind
	}{
		{"rate limited", &openai.APIError{HTTPStatusCode: 429}, models.ErrKindTransient},
		{"server error", &openai.APIError{HTTPStatusCode: 503}, models.ErrKindTransient},
		{"bad request", &openai.APIError{HTTPStatusCode: 400}, models.ErrKindPermanent},
		{"unauthorized", &openai.APIError{HTTPStatusCode: 401}, models.ErrKindPermanent},
		{"deadline", context.DeadlineExceeded, models.ErrKindTransient},
		{"unknown", errors.New("connection reset"), models.ErrKindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockChatClient{err: tt.err}
			client := NewWithChat(mock, "gpt-4o-mini", nil)
			_, err := client.Complete(context.Background(), Request{User: "ping"})
			require.Error(t, err)
			assert.Equal(t, tt.want, models.Classify(err))
		})
	}
}

func TestComplete_NoChoicesIsTransient(t *testing.T) {
	mock := &mockChatClient{response: openai.ChatCompletionResponse{}}
	client := NewWithChat(mock, "gpt-4o-mini", nil)
	_, err := client.Complete(context.Background(), Request{User: "ping"})
	require.Error(t, err)
	assert.Equal(t, models.ErrKindTransient, models.Classify(err))
}
