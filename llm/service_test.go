package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, handler http.HandlerFunc) *Service {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	svc, err := NewService(&Config{
		Provider: "openai",
		Model:    "gpt-test",
		APIKey:   "test-key",
		BaseURL:  srv.URL + "/v1",
		Timeout:  5,
	})
	require.NoError(t, err)

	return svc
}

func Test_NewService_RequiresModel(t *testing.T) {
	_, err := NewService(&Config{})
	require.Error(t, err)
}

func Test_NewService_GenericProviderRequiresBaseURL(t *testing.T) {
	_, err := NewService(&Config{Provider: "custom", Model: "m"})
	require.Error(t, err)

	_, err = NewService(&Config{Provider: "custom", Model: "m", BaseURL: "http://localhost:1234/v1"})
	require.NoError(t, err)
}

func Test_Chat(t *testing.T) {
	var got openai.ChatCompletionRequest
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "pong"},
			}},
		})
	})

	reply, err := svc.Chat(context.Background(), []Message{
		SystemPrompt("be brief"),
		UserMessage("ping"),
	})
	require.NoError(t, err)
	assert.Equal(t, "pong", reply)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, "gpt-test", got.Model)
	assert.Equal(t, openai.ChatMessageRoleSystem, got.Messages[0].Role)
	assert.Equal(t, "ping", got.Messages[1].Content)
}

func Test_Chat_EmptyChoices(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{})
	})

	_, err := svc.Chat(context.Background(), []Message{UserMessage("ping")})
	require.Error(t, err)
}

func Test_Chat_ProviderError(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	})

	_, err := svc.Chat(context.Background(), []Message{UserMessage("ping")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LLM chat failed")
}

func Test_ChatWithTools(t *testing.T) {
	var got openai.ChatCompletionRequest
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{
					Role: openai.ChatMessageRoleAssistant,
					ToolCalls: []openai.ToolCall{{
						ID:   "call_1",
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      "getAddressComponents",
							Arguments: `{"address":"Paris"}`,
						},
					}},
				},
			}},
		})
	})

	resp, err := svc.ChatWithTools(context.Background(), []Message{UserMessage("where is Paris?")}, []ToolDescriptor{{
		Name:        "getAddressComponents",
		Description: "geocode",
		Parameters:  json.RawMessage(`{"type":"object"}`),
	}})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, ToolCall{ID: "call_1", Name: "getAddressComponents", Arguments: `{"address":"Paris"}`}, resp.ToolCalls[0])

	require.Len(t, got.Tools, 1)
	assert.Equal(t, "getAddressComponents", got.Tools[0].Function.Name)
}

func Test_EmbedBatch_OrdersByIndex(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[
			{"object":"embedding","index":1,"embedding":[0,1]},
			{"object":"embedding","index":0,"embedding":[1,0]}
		]}`))
	})

	vectors, err := svc.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vectors)
}

func Test_EmbedBatch_Empty(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("unexpected request")
	})

	_, err := svc.EmbedBatch(context.Background(), nil)
	require.Error(t, err)
}

func Test_ConvertMessages_ToolRoundTrip(t *testing.T) {
	out := convertMessages([]Message{
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "ask_question", Arguments: `{}`}}},
		{Role: RoleTool, ToolCallID: "c1", Content: "42"},
		{Role: "unknown", Content: "fallback"},
	})

	require.Len(t, out, 3)
	assert.Equal(t, openai.ChatMessageRoleAssistant, out[0].Role)
	require.Len(t, out[0].ToolCalls, 1)
	assert.Equal(t, "ask_question", out[0].ToolCalls[0].Function.Name)
	assert.Equal(t, openai.ChatMessageRoleTool, out[1].Role)
	assert.Equal(t, "c1", out[1].ToolCallID)
	assert.Equal(t, openai.ChatMessageRoleUser, out[2].Role)
}
