package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pageindex/internal/resilience"
)

func openAIServer(t *testing.T, status int, body map[string]any, seen *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIBackend_Infer(t *testing.T) {
	var sent map[string]any
	srv := openAIServer(t, http.StatusOK, map[string]any{
		"id":    "cmpl-1",
		"model": "gpt-test",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": `{"ok": true}`},
			"finish_reason": "length",
		}},
		"usage": map[string]any{
			"prompt_tokens": 20, "completion_tokens": 4, "total_tokens": 24,
			"prompt_tokens_details": map[string]any{"cached_tokens": 16},
		},
	}, &sent)

	b := NewOpenAIBackend(NewOpenAIClient("key", srv.URL), OpenAIOptions{Model: "gpt-test", MaxTokens: 256})
	res, err := b.Infer(context.Background(), Request{
		RequestID: "r1",
		Messages: []Message{
			{Role: RoleSystem, Parts: []Part{{Text: "a"}, {Text: "b"}}},
			Text(RoleUser, "question"),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "r1", res.RequestID)
	assert.Equal(t, `{"ok": true}`, res.Content)
	assert.Equal(t, MaxOutputReached, res.FinishReason)
	assert.Equal(t, Usage{PromptTokens: 20, CompletionTokens: 4, TotalTokens: 24, CacheReadTokens: 16}, res.Usage)

	assert.Equal(t, "gpt-test", sent["model"])
	assert.EqualValues(t, 256, sent["max_tokens"])
	msgs := sent["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a\n\nb", msgs[0].(map[string]any)["content"])
}

func TestOpenAIBackend_RateLimited(t *testing.T) {
	srv := openAIServer(t, http.StatusTooManyRequests, map[string]any{
		"error": map[string]any{"message": "slow down", "type": "rate_limit"},
	}, nil)

	b := NewOpenAIBackend(NewOpenAIClient("key", srv.URL), OpenAIOptions{Model: "m"})
	_, err := b.Infer(context.Background(), Request{RequestID: "r", Messages: []Message{Text(RoleUser, "q")}})
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.True(t, resilience.IsRetryable(err))
}

func TestOpenAIBackend_BadRequestIsPermanent(t *testing.T) {
	srv := openAIServer(t, http.StatusBadRequest, map[string]any{
		"error": map[string]any{"message": "bad", "type": "invalid_request_error"},
	}, nil)

	b := NewOpenAIBackend(NewOpenAIClient("key", srv.URL), OpenAIOptions{Model: "m"})
	_, err := b.Infer(context.Background(), Request{RequestID: "r", Messages: []Message{Text(RoleUser, "q")}})
	require.Error(t, err)
	assert.False(t, resilience.IsRetryable(err))
}
