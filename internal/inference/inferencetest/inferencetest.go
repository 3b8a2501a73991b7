// Package inferencetest provides fake inference backends for tests.
package inferencetest

import (
	"context"
	"strings"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/pageindex/internal/inference"
)

// Responder produces the reply for one request.
type Responder func(req inference.Request) (*inference.Result, error)

// Scripted is a Backend whose replies come from a Responder. It records every
// request and counts calls.
type Scripted struct {
	mu       sync.Mutex
	respond  Responder
	requests []inference.Request
	batches  int
	name     string
}

// NewScripted returns a backend answering with respond.
func NewScripted(respond Responder) *Scripted {
	return &Scripted{respond: respond, name: "scripted"}
}

// Reply returns a Responder that always answers content.
func Reply(content string) Responder {
	return func(req inference.Request) (*inference.Result, error) {
		return Result(req, content), nil
	}
}

// Result builds a finished result for req.
func Result(req inference.Request, content string) *inference.Result {
	return &inference.Result{
		RequestID:    req.RequestID,
		Content:      content,
		FinishReason: inference.Finished,
		Usage:        inference.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Model:        req.Model,
	}
}

// ByPrompt dispatches to the first responder whose key appears in the last
// user message. fallback handles everything else.
func ByPrompt(routes map[string]Responder, fallback Responder) Responder {
	return func(req inference.Request) (*inference.Result, error) {
		last := lastUser(req)
		var best string
		for key := range routes {
			if strings.Contains(last, key) && len(key) > len(best) {
				best = key
			}
		}
		if best != "" {
			return routes[best](req)
		}
		return fallback(req)
	}
}

func lastUser(req inference.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == inference.RoleUser {
			return req.Messages[i].Content()
		}
	}
	return ""
}

// Name implements inference.Backend.
func (s *Scripted) Name() string { return s.name }

// Infer implements inference.Backend.
func (s *Scripted) Infer(ctx context.Context, req inference.Request) (*inference.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return s.respond(req)
}

// InferBatch implements inference.Backend by answering each request in turn.
func (s *Scripted) InferBatch(ctx context.Context, reqs []inference.Request) ([]inference.BatchResult, error) {
	s.mu.Lock()
	s.batches++
	s.mu.Unlock()
	out := make([]inference.BatchResult, len(reqs))
	for i, req := range reqs {
		res, err := s.Infer(ctx, req)
		out[i] = inference.BatchResult{RequestID: req.RequestID, Result: res, Err: err}
	}
	return out, nil
}

// Calls returns the number of requests served.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Batches returns the number of InferBatch invocations.
func (s *Scripted) Batches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}

// Requests returns a copy of the recorded requests.
func (s *Scripted) Requests() []inference.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]inference.Request(nil), s.requests...)
}

// CallsForStage counts recorded requests whose Meta.Stage is stage.
func (s *Scripted) CallsForStage(stage string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Meta.Stage == stage {
			n++
		}
	}
	return n
}

// Mock is a testify mock implementing inference.Backend.
type Mock struct {
	mock.Mock
}

// Name implements inference.Backend.
func (m *Mock) Name() string { return "mock" }

// Infer implements inference.Backend.
func (m *Mock) Infer(ctx context.Context, req inference.Request) (*inference.Result, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*inference.Result), args.Error(1)
}

// InferBatch implements inference.Backend.
func (m *Mock) InferBatch(ctx context.Context, reqs []inference.Request) ([]inference.BatchResult, error) {
	args := m.Called(ctx, reqs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]inference.BatchResult), args.Error(1)
}
