package inference

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pageindex/pkg/anthropic"
)

// AnthropicOptions tunes the Anthropic backend.
type AnthropicOptions struct {
	Model       string
	MaxTokens   int
	CacheTTL    string
	NoBatch     bool
	SmallBatch  int
	Concurrency int
	PollOptions []anthropic.PollOption
}

// AnthropicBackend serves inference through the Messages API and batches
// through the Message Batches API.
type AnthropicBackend struct {
	client anthropic.Client
	opts   AnthropicOptions
}

// NewAnthropicBackend wraps client.
func NewAnthropicBackend(client anthropic.Client, opts AnthropicOptions) *AnthropicBackend {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	return &AnthropicBackend{client: client, opts: opts}
}

// Name implements Backend.
func (a *AnthropicBackend) Name() string { return "anthropic" }

// Infer implements Backend.
func (a *AnthropicBackend) Infer(ctx context.Context, req Request) (*Result, error) {
	resp, err := a.client.CreateMessage(ctx, a.messageRequest(req))
	if err != nil {
		return nil, classify(err, anthropic.StatusCode(err))
	}
	return fromAnthropic(req.RequestID, resp, false), nil
}

// InferBatch implements Backend. Small batches, and all batches when batching
// is disabled, run as concurrent direct calls. When requests share cached
// system blocks the first request runs directly to warm the prompt cache
// before the remainder is submitted as a batch.
func (a *AnthropicBackend) InferBatch(ctx context.Context, reqs []Request) ([]BatchResult, error) {
	if a.opts.NoBatch || len(reqs) <= a.opts.SmallBatch {
		return InferEach(ctx, a, reqs, a.opts.Concurrency)
	}

	var out []BatchResult
	rest := reqs
	if hasCacheBreakpoint(reqs[0]) {
		res, err := a.Infer(ctx, reqs[0])
		out = append(out, BatchResult{RequestID: reqs[0].RequestID, Result: res, Err: err})
		rest = reqs[1:]
	}

	items := make([]anthropic.BatchRequestItem, len(rest))
	ids := make(map[string]string, len(rest))
	for i, req := range rest {
		customID := fmt.Sprintf("req-%d", i)
		ids[customID] = req.RequestID
		items[i] = anthropic.BatchRequestItem{CustomID: customID, Params: a.messageRequest(req)}
	}

	collected, err := anthropic.RunBatch(ctx, a.client, anthropic.BatchRequest{Requests: items}, a.opts.PollOptions...)
	if err != nil {
		return nil, classify(err, anthropic.StatusCode(err))
	}

	for customID, reqID := range ids {
		if resp, ok := collected.Succeeded[customID]; ok {
			out = append(out, BatchResult{RequestID: reqID, Result: fromAnthropic(reqID, resp, true)})
		}
	}
	for _, f := range collected.Failures {
		reqID, ok := ids[f.CustomID]
		if !ok {
			continue
		}
		out = append(out, BatchResult{
			RequestID: reqID,
			Err:       resilienceTransient(eris.Errorf("anthropic: batch item %s %s", reqID, f.Type)),
		})
	}
	zap.L().Debug("inference: anthropic batch complete",
		zap.Int("requests", len(reqs)),
		zap.Int("failed", len(collected.Failures)),
	)
	return out, nil
}

func (a *AnthropicBackend) messageRequest(req Request) anthropic.MessageRequest {
	model := req.Model
	if model == "" {
		model = a.opts.Model
	}
	maxTokens := req.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.opts.MaxTokens
	}
	ttl := req.Params.CacheTTL
	if ttl == "" {
		ttl = a.opts.CacheTTL
	}
	temp := req.Params.Temperature

	out := anthropic.MessageRequest{
		Model:       model,
		MaxTokens:   int64(maxTokens),
		Temperature: &temp,
	}
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			for _, p := range m.Parts {
				block := anthropic.SystemBlock{Text: p.Text}
				if p.Cache {
					block.CacheControl = &anthropic.CacheControl{TTL: ttl}
				}
				out.System = append(out.System, block)
			}
			continue
		}
		out.Messages = append(out.Messages, anthropic.Message{Role: m.Role, Content: m.Content()})
	}
	return out
}

func fromAnthropic(reqID string, resp *anthropic.MessageResponse, batch bool) *Result {
	finish := Finished
	if resp.StopReason == anthropic.StopMaxTokens {
		finish = MaxOutputReached
	}
	u := resp.Usage
	return &Result{
		RequestID:    reqID,
		Content:      resp.Text(),
		FinishReason: finish,
		Model:        resp.Model,
		Batch:        batch,
		Usage: Usage{
			PromptTokens:     int(u.InputTokens),
			CompletionTokens: int(u.OutputTokens),
			TotalTokens:      int(u.InputTokens + u.OutputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens),
			CacheWriteTokens: int(u.CacheCreationInputTokens),
			CacheReadTokens:  int(u.CacheReadInputTokens),
		},
	}
}

func hasCacheBreakpoint(req Request) bool {
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			if p.Cache {
				return true
			}
		}
	}
	return false
}
