package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockClient is a testify mock implementing Client.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*MessageResponse), args.Error(1)
}

func (m *MockClient) CreateBatch(ctx context.Context, req BatchRequest) (*BatchResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*BatchResponse), args.Error(1)
}

func (m *MockClient) GetBatch(ctx context.Context, batchID string) (*BatchResponse, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*BatchResponse), args.Error(1)
}

func (m *MockClient) GetBatchResults(ctx context.Context, batchID string) (BatchResultIterator, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(BatchResultIterator), args.Error(1)
}

// sliceIterator replays fixed items.
type sliceIterator struct {
	items  []BatchResultItem
	pos    int
	err    error
	closed bool
}

func (s *sliceIterator) Next() bool {
	if s.pos >= len(s.items) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceIterator) Item() BatchResultItem { return s.items[s.pos-1] }
func (s *sliceIterator) Err() error            { return s.err }
func (s *sliceIterator) Close() error          { s.closed = true; return nil }

func messageJSON(id, text, stop string) map[string]any {
	return map[string]any{
		"id":   id,
		"type": "message",
		"role": "assistant",
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
		"model":       "claude-sonnet-4-5-20250929",
		"stop_reason": stop,
		"usage": map[string]any{
			"input_tokens":                100,
			"output_tokens":               20,
			"cache_creation_input_tokens": 80,
			"cache_read_input_tokens":     0,
		},
	}
}

func TestSDKClient_CreateMessage_SendsCacheControl(t *testing.T) {
	var body map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/messages")
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(messageJSON("msg_1", `{"answers":[]}`, "end_turn"))
	}))
	defer ts.Close()

	temp := 0.0
	client := NewClient("test-key", WithBaseURL(ts.URL))
	resp, err := client.CreateMessage(context.Background(), MessageRequest{
		Model:     "claude-sonnet-4-5-20250929",
		MaxTokens: 1024,
		System: []SystemBlock{
			{Text: "rules", CacheControl: &CacheControl{TTL: "5m"}},
			{Text: "document"},
		},
		Messages:    []Message{{Role: "user", Content: "question"}},
		Temperature: &temp,
	})
	require.NoError(t, err)
	assert.Equal(t, "msg_1", resp.ID)
	assert.Equal(t, `{"answers":[]}`, resp.Text())
	assert.Equal(t, StopEndTurn, resp.StopReason)
	assert.Equal(t, int64(80), resp.Usage.CacheCreationInputTokens)

	system, ok := body["system"].([]any)
	require.True(t, ok)
	require.Len(t, system, 2)
	first := system[0].(map[string]any)
	assert.Equal(t, "rules", first["text"])
	assert.Contains(t, first, "cache_control")
	assert.NotContains(t, system[1].(map[string]any), "cache_control")
}

func TestSDKClient_AssistantPrefill(t *testing.T) {
	var body map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(messageJSON("msg_2", "tail", "max_tokens"))
	}))
	defer ts.Close()

	client := NewClient("k", WithBaseURL(ts.URL))
	resp, err := client.CreateMessage(context.Background(), MessageRequest{
		Model:     "m",
		MaxTokens: 10,
		Messages: []Message{
			{Role: "user", Content: "q"},
			{Role: "assistant", Content: "head"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StopMaxTokens, resp.StopReason)

	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "assistant", msgs[1].(map[string]any)["role"])
}

func TestSDKClient_ErrorStatusCode(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer ts.Close()

	client := NewClient("k", WithBaseURL(ts.URL))
	_, err := client.CreateMessage(context.Background(), MessageRequest{
		Model: "m", MaxTokens: 10, Messages: []Message{{Role: "user", Content: "q"}},
	})
	require.Error(t, err)
	assert.Equal(t, http.StatusTooManyRequests, StatusCode(err))
	assert.Equal(t, 0, StatusCode(assert.AnError))
}

func TestSDKClient_CreateBatch(t *testing.T) {
	var body map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/messages/batches")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":                "msgbatch_1",
			"type":              "message_batch",
			"processing_status": "in_progress",
			"request_counts":    map[string]any{"processing": 2},
		})
	}))
	defer ts.Close()

	client := NewClient("k", WithBaseURL(ts.URL))
	resp, err := client.CreateBatch(context.Background(), BatchRequest{Requests: []BatchRequestItem{
		{CustomID: "r1", Params: MessageRequest{Model: "m", MaxTokens: 10, Messages: []Message{{Role: "user", Content: "a"}}}},
		{CustomID: "r2", Params: MessageRequest{Model: "m", MaxTokens: 10, Messages: []Message{{Role: "user", Content: "b"}}}},
	}})
	require.NoError(t, err)
	assert.Equal(t, "msgbatch_1", resp.ID)
	assert.Equal(t, int64(2), resp.RequestCounts.Processing)
	assert.Len(t, body["requests"], 2)
}
