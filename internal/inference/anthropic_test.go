package inference

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pageindex/internal/resilience"
	"github.com/sells-group/pageindex/pkg/anthropic"
)

// fakeAnthropic answers messages with "re:<last user content>" and ends every
// batch immediately.
type fakeAnthropic struct {
	mu       sync.Mutex
	messages []anthropic.MessageRequest
	batches  []anthropic.BatchRequest
	failIDs  map[string]bool
	err      error
	stop     string
}

func (f *fakeAnthropic) reply(req anthropic.MessageRequest) *anthropic.MessageResponse {
	last := req.Messages[len(req.Messages)-1].Content
	stop := f.stop
	if stop == "" {
		stop = anthropic.StopEndTurn
	}
	return &anthropic.MessageResponse{
		ID:         "msg",
		Model:      req.Model,
		Content:    []anthropic.ContentBlock{{Type: "text", Text: "re:" + last}},
		StopReason: stop,
		Usage:      anthropic.TokenUsage{InputTokens: 100, OutputTokens: 10, CacheReadInputTokens: 50},
	}
}

func (f *fakeAnthropic) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.reply(req), nil
}

func (f *fakeAnthropic) CreateBatch(_ context.Context, req anthropic.BatchRequest) (*anthropic.BatchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, req)
	return &anthropic.BatchResponse{ID: "batch-1", ProcessingStatus: "in_progress"}, nil
}

func (f *fakeAnthropic) GetBatch(_ context.Context, id string) (*anthropic.BatchResponse, error) {
	return &anthropic.BatchResponse{ID: id, ProcessingStatus: "ended"}, nil
}

func (f *fakeAnthropic) GetBatchResults(_ context.Context, _ string) (anthropic.BatchResultIterator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req := f.batches[len(f.batches)-1]
	var items []anthropic.BatchResultItem
	// Reverse order: results must be correlated by custom id.
	for i := len(req.Requests) - 1; i >= 0; i-- {
		item := req.Requests[i]
		if f.failIDs[item.CustomID] {
			items = append(items, anthropic.BatchResultItem{CustomID: item.CustomID, Type: "errored"})
			continue
		}
		items = append(items, anthropic.BatchResultItem{CustomID: item.CustomID, Type: "succeeded", Message: f.reply(item.Params)})
	}
	return &itemIterator{items: items}, nil
}

type itemIterator struct {
	items []anthropic.BatchResultItem
	pos   int
}

func (it *itemIterator) Next() bool {
	if it.pos >= len(it.items) {
		return false
	}
	it.pos++
	return true
}

func (it *itemIterator) Item() anthropic.BatchResultItem { return it.items[it.pos-1] }
func (it *itemIterator) Err() error                      { return nil }
func (it *itemIterator) Close() error                    { return nil }

func layeredRequest(id, query string) Request {
	return Request{
		RequestID: id,
		Messages: []Message{
			{Role: RoleSystem, Parts: []Part{{Text: "system rules", Cache: true}, {Text: "document", Cache: true}, {Text: "volatile"}}},
			Text(RoleUser, query),
		},
		Params: Params{Temperature: 0},
	}
}

func TestAnthropicBackend_Infer(t *testing.T) {
	client := &fakeAnthropic{}
	b := NewAnthropicBackend(client, AnthropicOptions{Model: "claude-test", MaxTokens: 1024, CacheTTL: "1h"})

	res, err := b.Infer(context.Background(), layeredRequest("r1", "what?"))
	require.NoError(t, err)

	assert.Equal(t, "r1", res.RequestID)
	assert.Equal(t, "re:what?", res.Content)
	assert.Equal(t, Finished, res.FinishReason)
	assert.Equal(t, Usage{PromptTokens: 100, CompletionTokens: 10, TotalTokens: 160, CacheReadTokens: 50}, res.Usage)
	assert.False(t, res.Batch)

	require.Len(t, client.messages, 1)
	sent := client.messages[0]
	assert.Equal(t, "claude-test", sent.Model)
	assert.Equal(t, int64(1024), sent.MaxTokens)
	require.Len(t, sent.System, 3)
	require.NotNil(t, sent.System[0].CacheControl)
	assert.Equal(t, "1h", sent.System[0].CacheControl.TTL)
	assert.NotNil(t, sent.System[1].CacheControl)
	assert.Nil(t, sent.System[2].CacheControl)
	assert.Equal(t, []anthropic.Message{{Role: RoleUser, Content: "what?"}}, sent.Messages)
}

func TestAnthropicBackend_MaxTokens(t *testing.T) {
	client := &fakeAnthropic{stop: anthropic.StopMaxTokens}
	b := NewAnthropicBackend(client, AnthropicOptions{Model: "m"})

	res, err := b.Infer(context.Background(), Request{RequestID: "r", Messages: []Message{Text(RoleUser, "q")}})
	require.NoError(t, err)
	assert.Equal(t, MaxOutputReached, res.FinishReason)
}

func TestAnthropicBackend_TransientError(t *testing.T) {
	client := &fakeAnthropic{err: errors.New("anthropic: overloaded")}
	b := NewAnthropicBackend(client, AnthropicOptions{Model: "m"})

	_, err := b.Infer(context.Background(), Request{RequestID: "r", Messages: []Message{Text(RoleUser, "q")}})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestAnthropicBackend_SmallBatchUsesDirectCalls(t *testing.T) {
	client := &fakeAnthropic{}
	b := NewAnthropicBackend(client, AnthropicOptions{Model: "m", SmallBatch: 3})

	reqs := []Request{layeredRequest("a", "1"), layeredRequest("b", "2")}
	results, err := b.InferBatch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Empty(t, client.batches)
	assert.Len(t, client.messages, 2)
	for _, r := range results {
		assert.False(t, r.Result.Batch)
	}
}

func TestAnthropicBackend_BatchWithPrimer(t *testing.T) {
	client := &fakeAnthropic{failIDs: map[string]bool{"req-1": true}}
	b := NewAnthropicBackend(client, AnthropicOptions{
		Model:       "m",
		SmallBatch:  2,
		PollOptions: []anthropic.PollOption{anthropic.WithPollInterval(0)},
	})

	reqs := []Request{
		layeredRequest("q-1", "one"),
		layeredRequest("q-2", "two"),
		layeredRequest("q-3", "three"),
		layeredRequest("q-4", "four"),
	}
	results, err := b.InferBatch(context.Background(), reqs)
	require.NoError(t, err)

	require.Len(t, client.messages, 1, "first request primes the cache directly")
	assert.Equal(t, "one", client.messages[0].Messages[0].Content)
	require.Len(t, client.batches, 1)
	require.Len(t, client.batches[0].Requests, 3)
	for i, item := range client.batches[0].Requests {
		assert.Regexp(t, `^req-\d+$`, item.CustomID, "item %d", i)
	}

	byID := ByRequestID(results)
	require.Len(t, byID, 4)
	assert.False(t, byID["q-1"].Result.Batch)
	assert.Equal(t, "re:two", byID["q-2"].Result.Content)
	assert.True(t, byID["q-2"].Result.Batch)
	assert.Equal(t, "re:four", byID["q-4"].Result.Content)

	failed := byID["q-3"]
	assert.Nil(t, failed.Result)
	require.Error(t, failed.Err)
	assert.True(t, resilience.IsTransient(failed.Err))
}

func TestAnthropicBackend_NoBatch(t *testing.T) {
	client := &fakeAnthropic{}
	b := NewAnthropicBackend(client, AnthropicOptions{Model: "m", NoBatch: true})

	reqs := make([]Request, 6)
	for i := range reqs {
		reqs[i] = layeredRequest(string(rune('a'+i)), "q")
	}
	_, err := b.InferBatch(context.Background(), reqs)
	require.NoError(t, err)
	assert.Empty(t, client.batches)
	assert.Len(t, client.messages, 6)
}
