// Package inference defines the request/response contract for LLM providers
// and the backends that implement it.
package inference

import (
	"context"
	"strings"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FinishReason reports why generation stopped.
type FinishReason string

const (
	// Finished means the model completed its output.
	Finished FinishReason = "finished"
	// MaxOutputReached means the output was truncated at the token limit.
	MaxOutputReached FinishReason = "max_output_reached"
)

// Part is one text block of a message. Cache marks a cache breakpoint at the
// end of the block.
type Part struct {
	Text  string `json:"text"`
	Cache bool   `json:"cache,omitempty"`
}

// Message is a role plus ordered text parts.
type Message struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Text builds a single-part message.
func Text(role, text string) Message {
	return Message{Role: role, Parts: []Part{{Text: text}}}
}

// Content joins the message parts.
func (m Message) Content() string {
	if len(m.Parts) == 1 {
		return m.Parts[0].Text
	}
	texts := make([]string, len(m.Parts))
	for i, p := range m.Parts {
		texts[i] = p.Text
	}
	return strings.Join(texts, "\n\n")
}

// Params are the generation parameters shared by all providers.
type Params struct {
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature"`
	// CacheTTL applies to parts marked as cache breakpoints ("5m" or "1h").
	CacheTTL string `json:"cache_ttl,omitempty"`
}

// Meta describes the unit of work a request belongs to. It is carried into
// dead letters and logs and never sent to the provider.
type Meta struct {
	DocID    string   `json:"doc_id,omitempty"`
	Stage    string   `json:"stage,omitempty"`
	Category string   `json:"category,omitempty"`
	Units    []string `json:"units,omitempty"`
}

// Request is a single inference call.
type Request struct {
	RequestID string    `json:"request_id"`
	Model     string    `json:"model,omitempty"`
	Messages  []Message `json:"messages"`
	Params    Params    `json:"params"`
	Meta      Meta      `json:"meta"`
}

// Prompt returns every message's content joined for digests and dead letters.
func (r Request) Prompt() string {
	var b strings.Builder
	for i, m := range r.Messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content())
	}
	return b.String()
}

// Usage counts tokens for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
}

// Add merges other into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.CacheWriteTokens += other.CacheWriteTokens
	u.CacheReadTokens += other.CacheReadTokens
}

// Result is the outcome of one inference call.
type Result struct {
	RequestID    string       `json:"request_id"`
	Content      string       `json:"content"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
	Model        string       `json:"model,omitempty"`
	// Batch is set when the result came from a provider batch API.
	Batch bool `json:"batch,omitempty"`
}

// BatchResult correlates a batch response with its request. Exactly one of
// Result and Err is set.
type BatchResult struct {
	RequestID string
	Result    *Result
	Err       error
}

// Backend is an inference provider.
type Backend interface {
	Infer(ctx context.Context, req Request) (*Result, error)
	InferBatch(ctx context.Context, reqs []Request) ([]BatchResult, error)
	Name() string
}

// ByRequestID indexes batch results by request id.
func ByRequestID(results []BatchResult) map[string]BatchResult {
	m := make(map[string]BatchResult, len(results))
	for _, r := range results {
		m[r.RequestID] = r
	}
	return m
}
