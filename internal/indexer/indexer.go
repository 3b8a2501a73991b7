// Package indexer builds a DocumentIndex from page text through a cascade of
// strategies: a heuristic table-of-contents pass first, then three LLM modes
// of increasing cost.
package indexer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pageindex/internal/config"
	"github.com/sells-group/pageindex/internal/inference"
	"github.com/sells-group/pageindex/internal/model"
	"github.com/sells-group/pageindex/internal/tokens"
)

// Cascade modes, in escalation order.
const (
	ModeHeuristic = "heuristic"
	ModeMinimal   = "minimal_llm"
	ModeGuided    = "guided_llm"
	ModeFull      = "full_llm"
)

// IndexingError means every mode of the cascade failed for a document.
type IndexingError struct {
	DocID    string
	LastMode string
	Err      error
}

func (e *IndexingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("indexer: %s: all modes failed (last %s): %v", e.DocID, e.LastMode, e.Err)
	}
	return fmt.Sprintf("indexer: %s: all modes failed (last %s)", e.DocID, e.LastMode)
}

func (e *IndexingError) Unwrap() error { return e.Err }

// Builder turns pages into a DocumentIndex.
type Builder struct {
	backend inference.Backend
	cfg     config.IndexingConfig
	counter tokens.Counter
	params  inference.Params
	nowFunc func() time.Time
}

// Option configures a Builder.
type Option func(*Builder)

// WithCounter sets the token counter used for grouping, splitting and enrichment.
func WithCounter(c tokens.Counter) Option {
	return func(b *Builder) { b.counter = c }
}

// WithParams sets the generation parameters for indexing calls.
func WithParams(p inference.Params) Option {
	return func(b *Builder) { b.params = p }
}

// New returns a Builder. backend is normally a guarded backend so indexing
// calls share retry, breaker and dead-letter handling with the rest of a run.
func New(backend inference.Backend, cfg config.IndexingConfig, opts ...Option) *Builder {
	b := &Builder{
		backend: backend,
		cfg:     cfg,
		counter: tokens.Estimate{},
		params:  inference.Params{MaxTokens: 4096},
		nowFunc: time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	if b.cfg.MaxTokensPerGroup <= 0 {
		b.cfg.MaxTokensPerGroup = 20000
	}
	if b.cfg.EnrichConcurrency <= 0 {
		b.cfg.EnrichConcurrency = 1
	}
	return b
}

// buildState is the per-document state shared by the cascade stages.
type buildState struct {
	docID   string
	pages   []model.PageContent
	lookup  pageLookup
	total   int
	scan    *scan
	groups  []pageGroup
	calls   atomic.Int64
	lastErr error
}

func (st *buildState) pageGroups(b *Builder) []pageGroup {
	if st.groups == nil {
		st.groups = groupPages(st.pages, b.counter, b.cfg.MaxTokensPerGroup, b.cfg.GroupOverlapPages)
	}
	return st.groups
}

// strategy is one cascade stage. applies reports whether the document
// offers the signal the stage needs; llm allows the verification and fix
// steps to call the model.
type strategy struct {
	mode    string
	applies func(st *buildState) bool
	run     func(ctx context.Context, st *buildState) ([]entry, error)
	llm     bool
}

func (b *Builder) strategies() []strategy {
	return []strategy{
		{
			mode:    ModeHeuristic,
			applies: func(st *buildState) bool { return st.scan.withPages },
			run: func(_ context.Context, st *buildState) ([]entry, error) {
				return st.scan.physicalEntries(), nil
			},
		},
		{
			mode:    ModeMinimal,
			applies: func(st *buildState) bool { return len(st.scan.entries) > 0 },
			run:     b.mapTitles,
			llm:     true,
		},
		{
			mode:    ModeGuided,
			applies: func(st *buildState) bool { return len(st.scan.hints) > 0 || len(st.scan.entries) > 0 },
			run:     b.guided,
			llm:     true,
		},
		{
			mode:    ModeFull,
			applies: func(*buildState) bool { return true },
			run:     b.generate,
			llm:     true,
		},
	}
}

// Build runs the cascade over pages. Each stage runs at most once and only
// after every earlier stage was skipped or rejected. If the last stage fails
// too, Build returns an *IndexingError.
func (b *Builder) Build(ctx context.Context, pages []model.PageContent, docID, docName string) (*model.DocumentIndex, error) {
	if err := model.ValidatePages(pages); err != nil {
		return nil, eris.Wrapf(err, "indexer: %s", docID)
	}
	sorted := append([]model.PageContent(nil), pages...)
	model.SortPages(sorted)

	st := &buildState{
		docID:  docID,
		pages:  sorted,
		lookup: lookupOf(sorted),
		total:  sorted[len(sorted)-1].PageNumber,
	}
	st.scan = scanDocument(sorted, b.cfg.TOCCheckPages)

	log := zap.L().With(zap.String("doc_id", docID))
	log.Debug("indexer: scanned document",
		zap.Int("pages", len(sorted)),
		zap.Ints("toc_pages", st.scan.tocPages),
		zap.Int("toc_entries", len(st.scan.entries)),
		zap.Int("hints", len(st.scan.hints)),
		zap.Int("offset", st.scan.offset),
	)

	start := time.Now()
	var (
		sections []*section
		mode     string
		lastMode string
	)
	for _, s := range b.strategies() {
		if !s.applies(st) {
			log.Debug("indexer: mode not applicable", zap.String("mode", s.mode))
			continue
		}
		lastMode = s.mode
		entries, err := s.run(ctx, st)
		if ctx.Err() != nil {
			return nil, eris.Wrapf(ctx.Err(), "indexer: %s cancelled in %s", docID, s.mode)
		}
		if err != nil {
			st.lastErr = err
			log.Warn("indexer: mode failed, escalating", zap.String("mode", s.mode), zap.Error(err))
			continue
		}
		accepted, ok := b.accept(ctx, st, s, entries)
		if ctx.Err() != nil {
			return nil, eris.Wrapf(ctx.Err(), "indexer: %s cancelled in %s", docID, s.mode)
		}
		if !ok {
			continue
		}
		sections = buildSections(accepted, st.total)
		mode = s.mode
		break
	}
	if len(sections) == 0 {
		return nil, &IndexingError{DocID: docID, LastMode: lastMode, Err: st.lastErr}
	}

	sections = b.splitLarge(st, sections)
	idx := b.toIndex(st, sections, docID, docName, mode)
	b.enrich(ctx, st, idx)
	if ctx.Err() != nil {
		return nil, eris.Wrapf(ctx.Err(), "indexer: %s cancelled during enrichment", docID)
	}
	if err := idx.Validate(); err != nil {
		return nil, eris.Wrapf(err, "indexer: %s produced an invalid tree", docID)
	}

	log.Info("indexer: index built",
		zap.String("mode", mode),
		zap.Int("nodes", len(idx.Nodes)),
		zap.Int("roots", len(idx.Roots)),
		zap.Int64("llm_calls", st.calls.Load()),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return idx, nil
}

// accept cleans and verifies a stage's entries. Perfect accuracy is taken
// as is, accuracy under the threshold escalates, and anything between goes
// through the fix step first.
func (b *Builder) accept(ctx context.Context, st *buildState, s strategy, entries []entry) ([]entry, bool) {
	log := zap.L().With(zap.String("doc_id", st.docID), zap.String("mode", s.mode))

	entries = cleanEntries(entries, st.total)
	if len(entries) == 0 {
		st.lastErr = eris.Errorf("indexer: %s produced no usable entries", s.mode)
		log.Warn("indexer: no usable entries, escalating")
		return nil, false
	}

	verified := b.verify(ctx, st, entries, s.llm)
	accuracy := accuracyOf(verified)
	log.Debug("indexer: verified", zap.Float64("accuracy", accuracy), zap.Int("entries", len(entries)))
	if accuracy == 1 {
		return withPreface(entries), true
	}
	if accuracy < b.cfg.VerifyThreshold {
		st.lastErr = eris.Errorf("indexer: %s accuracy %.2f below %.2f", s.mode, accuracy, b.cfg.VerifyThreshold)
		log.Warn("indexer: verification below threshold, escalating", zap.Float64("accuracy", accuracy))
		return nil, false
	}

	entries = b.fix(ctx, st, s.mode, entries, verified, s.llm)
	sortByPhysical(entries)
	entries = cleanEntries(entries, st.total)
	if len(entries) == 0 {
		st.lastErr = eris.Errorf("indexer: %s lost every entry during fix", s.mode)
		return nil, false
	}
	return withPreface(entries), true
}

// ask sends one indexing prompt and decodes the JSON answer into v.
func (b *Builder) ask(ctx context.Context, st *buildState, stage, prompt string, v any) error {
	n := st.calls.Add(1)
	req := inference.Request{
		RequestID: fmt.Sprintf("%s-%s-%03d", st.docID, stage, n),
		Messages: []inference.Message{
			inference.Text(inference.RoleSystem, systemPrompt),
			inference.Text(inference.RoleUser, prompt),
		},
		Params: b.params,
		Meta:   inference.Meta{DocID: st.docID, Stage: "indexing/" + stage},
	}
	res, err := b.backend.Infer(ctx, req)
	if err != nil {
		return eris.Wrapf(err, "indexer: %s call", stage)
	}
	if err := inference.DecodeJSON(res.Content, v); err != nil {
		zap.L().Debug("indexer: unparseable response", zap.String("stage", stage), zap.String("content", truncate(res.Content, 300)))
		return eris.Wrapf(err, "indexer: %s response", stage)
	}
	return nil
}
