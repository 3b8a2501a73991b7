package inference

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"
)

// ChatCompleter is the subset of the go-openai client the backend uses.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIOptions tunes the OpenAI-compatible backend.
type OpenAIOptions struct {
	Model       string
	MaxTokens   int
	Concurrency int
}

// OpenAIBackend talks to any OpenAI-compatible chat completions endpoint.
// It has no batch API; InferBatch fans out direct calls.
type OpenAIBackend struct {
	client ChatCompleter
	opts   OpenAIOptions
}

// NewOpenAIClient builds a go-openai client, optionally against baseURL.
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// NewOpenAIBackend wraps client.
func NewOpenAIBackend(client ChatCompleter, opts OpenAIOptions) *OpenAIBackend {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	return &OpenAIBackend{client: client, opts: opts}
}

// Name implements Backend.
func (o *OpenAIBackend) Name() string { return "openai" }

// Infer implements Backend.
func (o *OpenAIBackend) Infer(ctx context.Context, req Request) (*Result, error) {
	model := req.Model
	if model == "" {
		model = o.opts.Model
	}
	maxTokens := req.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = o.opts.MaxTokens
	}

	creq := openai.ChatCompletionRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: float32(req.Params.Temperature),
	}
	for _, m := range req.Messages {
		creq.Messages = append(creq.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content()})
	}

	resp, err := o.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, classify(err, openAIStatus(err))
	}
	if len(resp.Choices) == 0 {
		return nil, eris.Errorf("openai: empty response for %s", req.RequestID)
	}

	choice := resp.Choices[0]
	finish := Finished
	if choice.FinishReason == openai.FinishReasonLength {
		finish = MaxOutputReached
	}
	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	if d := resp.Usage.PromptTokensDetails; d != nil {
		usage.CacheReadTokens = d.CachedTokens
	}
	return &Result{
		RequestID:    req.RequestID,
		Content:      choice.Message.Content,
		FinishReason: finish,
		Usage:        usage,
		Model:        resp.Model,
	}, nil
}

// InferBatch implements Backend.
func (o *OpenAIBackend) InferBatch(ctx context.Context, reqs []Request) ([]BatchResult, error) {
	return InferEach(ctx, o, reqs, o.opts.Concurrency)
}

func openAIStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
