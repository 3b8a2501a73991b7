// Package extraction answers questions from retrieved context. Tier-1
// questions are answered in shared batches; tier-2 and tier-3 questions get
// one reasoning call each.
package extraction

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pageindex/internal/cache"
	"github.com/sells-group/pageindex/internal/config"
	"github.com/sells-group/pageindex/internal/inference"
	"github.com/sells-group/pageindex/internal/model"
	"github.com/sells-group/pageindex/internal/promptlayer"
)

// ExtractionError records a question that could not be answered. It never
// escapes the engine: the question gets a not-found result and the error is
// reported in Outcome.Failures.
type ExtractionError struct {
	QuestionID string `json:"question_id"`
	Reason     string `json:"reason"`
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction: question %s: %s", e.QuestionID, e.Reason)
}

// Request is one category's extraction work.
type Request struct {
	DocID     string
	Category  string
	Questions []model.ExtractionQuestion
	Context   Context
	// IndexHash is the structural hash of the index, used in cache keys.
	IndexHash string
	// OnProgress receives the answered results of each completed batch or
	// individual question. Failed questions are left out. It may be called
	// concurrently.
	OnProgress func(results []model.ExtractionResult)
}

// Outcome is the result of Extract.
type Outcome struct {
	Results   []model.ExtractionResult
	Failures  []*ExtractionError
	CacheHits int
}

// Engine runs tiered extraction.
type Engine struct {
	backend inference.Backend
	cfg     config.ExtractionConfig
	model   string
	cache   *cache.Results
	layers  *promptlayer.Builder
	params  inference.Params
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache enables result caching. A nil cache is valid and always misses.
func WithCache(c *cache.Results) Option {
	return func(e *Engine) { e.cache = c }
}

// WithPromptBuilder sets the layer builder used to place cache breakpoints.
func WithPromptBuilder(b *promptlayer.Builder) Option {
	return func(e *Engine) { e.layers = b }
}

// WithParams sets generation parameters.
func WithParams(p inference.Params) Option {
	return func(e *Engine) { e.params = p }
}

// New returns an Engine. modelID is part of every cache key.
func New(backend inference.Backend, cfg config.ExtractionConfig, modelID string, opts ...Option) *Engine {
	e := &Engine{
		backend: backend,
		cfg:     cfg,
		model:   modelID,
		layers:  promptlayer.New(promptlayer.DefaultMaxBreakpoints),
		params:  inference.Params{MaxTokens: 4096},
	}
	for _, o := range opts {
		o(e)
	}
	if e.cfg.BatchSize <= 0 {
		e.cfg.BatchSize = 20
	}
	if e.cfg.Concurrency <= 0 {
		e.cfg.Concurrency = 1
	}
	return e
}

// Extract answers every question in req. Cached answers are returned as
// stored without a call. Tier-1 questions go to the batch path in groups of
// batch_size; tier-2 and tier-3 questions always go to the individual path.
// Results come back sorted by question id. Only cancellation returns an error.
func (e *Engine) Extract(ctx context.Context, req Request) (*Outcome, error) {
	out := &Outcome{}
	var mu sync.Mutex
	record := func(results []model.ExtractionResult, failures []*ExtractionError, cacheable bool) {
		failed := make(map[string]bool, len(failures))
		for _, f := range failures {
			failed[f.QuestionID] = true
		}
		answered := make([]model.ExtractionResult, 0, len(results))
		for _, r := range results {
			if failed[r.QuestionID] {
				continue
			}
			answered = append(answered, r)
			if cacheable {
				e.cache.Put(ctx, e.cacheKey(req, r.QuestionID), r)
			}
		}
		mu.Lock()
		out.Results = append(out.Results, results...)
		out.Failures = append(out.Failures, failures...)
		mu.Unlock()
		if req.OnProgress != nil && len(answered) > 0 {
			req.OnProgress(answered)
		}
	}

	var tier1, individual []model.ExtractionQuestion
	var cached []model.ExtractionResult
	for _, q := range req.Questions {
		if r, ok := e.cache.Get(ctx, e.cacheKey(req, q.QuestionID)); ok {
			cached = append(cached, r)
			continue
		}
		if q.Tier == model.TierLookup {
			tier1 = append(tier1, q)
		} else {
			individual = append(individual, q)
		}
	}
	out.CacheHits = len(cached)
	if len(cached) > 0 {
		record(cached, nil, false)
	}

	if req.Context.Empty() {
		var results []model.ExtractionResult
		for _, q := range append(tier1, individual...) {
			results = append(results, model.NotFoundResult(q))
		}
		record(results, nil, false)
		sortResults(out.Results)
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	if len(tier1) > 0 {
		g.Go(func() error {
			return e.extractBatches(gctx, req, tier1, record)
		})
	}
	for _, q := range individual {
		g.Go(func() error {
			res, ee := e.individual(gctx, req, q)
			if gctx.Err() != nil {
				return gctx.Err()
			}
			var failures []*ExtractionError
			if ee != nil {
				failures = append(failures, ee)
			}
			record([]model.ExtractionResult{res}, failures, true)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrapf(err, "extraction: category %q", req.Category)
	}
	if ctx.Err() != nil {
		return nil, eris.Wrapf(ctx.Err(), "extraction: category %q", req.Category)
	}

	sortResults(out.Results)
	zap.L().Debug("extraction: category done",
		zap.String("doc_id", req.DocID),
		zap.String("category", req.Category),
		zap.Int("results", len(out.Results)),
		zap.Int("failures", len(out.Failures)),
		zap.Int("cache_hits", out.CacheHits),
	)
	return out, nil
}

// extractBatches sends every tier-1 batch of the category through one
// InferBatch call and records each batch as it is parsed.
func (e *Engine) extractBatches(ctx context.Context, req Request, questions []model.ExtractionQuestion, record func([]model.ExtractionResult, []*ExtractionError, bool)) error {
	var batches [][]model.ExtractionQuestion
	for start := 0; start < len(questions); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(questions))
		batches = append(batches, questions[start:end])
	}

	reqs := make([]inference.Request, len(batches))
	for i, batch := range batches {
		reqs[i] = e.batchRequest(req, batch, i)
	}
	results, err := e.backend.InferBatch(ctx, reqs)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	byID := inference.ByRequestID(results)

	for i, batch := range batches {
		br, ok := byID[reqs[i].RequestID]
		switch {
		case err != nil:
			record(notFoundAll(batch), failAll(batch, "inference failed: "+err.Error()), false)
		case !ok:
			record(notFoundAll(batch), failAll(batch, "no result for batch"), false)
		case br.Err != nil:
			record(notFoundAll(batch), failAll(batch, "inference failed: "+br.Err.Error()), false)
		default:
			res, failures := e.parseBatch(batch, br.Result.Content, req.Context)
			record(res, failures, true)
		}
	}
	return nil
}

// ExtractBatch answers tier-1 questions in one call. Questions that cannot
// be answered come back as not found.
func (e *Engine) ExtractBatch(ctx context.Context, req Request, questions []model.ExtractionQuestion) []model.ExtractionResult {
	results, _ := e.batch(ctx, req, questions)
	return results
}

func (e *Engine) batch(ctx context.Context, req Request, questions []model.ExtractionQuestion) ([]model.ExtractionResult, []*ExtractionError) {
	if req.Context.Empty() {
		return notFoundAll(questions), nil
	}
	r := e.batchRequest(req, questions, 0)
	res, err := e.backend.Infer(ctx, r)
	if err != nil {
		return notFoundAll(questions), failAll(questions, "inference failed: "+err.Error())
	}
	return e.parseBatch(questions, res.Content, req.Context)
}

func (e *Engine) batchRequest(req Request, questions []model.ExtractionQuestion, n int) inference.Request {
	units := make([]string, len(questions))
	for i, q := range questions {
		units[i] = q.QuestionID
	}
	return inference.Request{
		RequestID: fmt.Sprintf("%s-extract-%s-b%02d", req.DocID, slug(req.Category), n),
		Messages: e.layers.Messages(promptlayer.Input{
			System:   batchSystemPrompt,
			Tools:    batchSchema,
			Document: req.Context.Text,
			Query:    batchQuery(req.Category, questions),
		}),
		Params: e.params,
		Meta: inference.Meta{
			DocID:    req.DocID,
			Stage:    "extraction/batch",
			Category: req.Category,
			Units:    units,
		},
	}
}

func (e *Engine) parseBatch(questions []model.ExtractionQuestion, content string, c Context) ([]model.ExtractionResult, []*ExtractionError) {
	var resp batchResponse
	if err := inference.DecodeJSON(content, &resp); err != nil {
		return notFoundAll(questions), failAll(questions, "unparseable response")
	}
	byID := make(map[string]rawAnswer, len(resp))
	for _, a := range resp {
		id := strings.TrimSpace(a.QuestionID)
		if _, dup := byID[id]; !dup {
			byID[id] = a
		}
	}
	// A single answer without an id belongs to a single question.
	if len(questions) == 1 && len(resp) == 1 && resp[0].QuestionID == "" {
		byID[questions[0].QuestionID] = resp[0]
	}

	results := make([]model.ExtractionResult, 0, len(questions))
	var failures []*ExtractionError
	for _, q := range questions {
		a, ok := byID[q.QuestionID]
		if !ok {
			results = append(results, model.NotFoundResult(q))
			failures = append(failures, &ExtractionError{QuestionID: q.QuestionID, Reason: "answer missing from response"})
			continue
		}
		results = append(results, finalize(q, a, c, model.TierLookup))
	}
	return results, failures
}

// ExtractIndividual answers one tier-2 or tier-3 question with step-by-step
// reasoning. A question that cannot be answered comes back as not found.
func (e *Engine) ExtractIndividual(ctx context.Context, req Request, q model.ExtractionQuestion) model.ExtractionResult {
	res, _ := e.individual(ctx, req, q)
	return res
}

func (e *Engine) individual(ctx context.Context, req Request, q model.ExtractionQuestion) (model.ExtractionResult, *ExtractionError) {
	if req.Context.Empty() {
		return model.NotFoundResult(q), nil
	}
	r := inference.Request{
		RequestID: fmt.Sprintf("%s-extract-%s", req.DocID, slug(q.QuestionID)),
		Messages: e.layers.Messages(promptlayer.Input{
			System:   individualSystemPrompt,
			Tools:    individualSchema,
			Document: req.Context.Text,
			Query:    individualQuery(q),
		}),
		Params: e.params,
		Meta: inference.Meta{
			DocID:    req.DocID,
			Stage:    "extraction/individual",
			Category: req.Category,
			Units:    []string{q.QuestionID},
		},
	}
	res, err := e.backend.Infer(ctx, r)
	if err != nil {
		return model.NotFoundResult(q), &ExtractionError{QuestionID: q.QuestionID, Reason: "inference failed: " + err.Error()}
	}
	var a rawAnswer
	if err := inference.DecodeJSON(res.Content, &a); err != nil {
		return model.NotFoundResult(q), &ExtractionError{QuestionID: q.QuestionID, Reason: "unparseable response"}
	}
	return finalize(q, a, req.Context, q.Tier), nil
}

func (e *Engine) cacheKey(req Request, questionID string) string {
	return cache.Key(questionID, req.IndexHash, e.model, req.Context.Hash)
}

func notFoundAll(questions []model.ExtractionQuestion) []model.ExtractionResult {
	out := make([]model.ExtractionResult, len(questions))
	for i, q := range questions {
		out[i] = model.NotFoundResult(q)
	}
	return out
}

func failAll(questions []model.ExtractionQuestion, reason string) []*ExtractionError {
	out := make([]*ExtractionError, len(questions))
	for i, q := range questions {
		out[i] = &ExtractionError{QuestionID: q.QuestionID, Reason: reason}
	}
	return out
}

func sortResults(results []model.ExtractionResult) {
	sort.SliceStable(results, func(i, j int) bool { return results[i].QuestionID < results[j].QuestionID })
}

func slug(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '/' {
			return '_'
		}
		return r
	}, s)
}
