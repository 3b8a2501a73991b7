package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pageindex/internal/extraction"
	"github.com/sells-group/pageindex/internal/model"
	"github.com/sells-group/pageindex/internal/retrieval"
)

const stepIndex = "index"

func retrievalStep(category string) string  { return "retrieval/" + stepSegment(category) }
func extractionStep(category string) string { return "extraction/" + stepSegment(category) }

func stepSegment(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "/", "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

type indexCheckpoint struct {
	Key            string `json:"key"`
	StructuralHash string `json:"structural_hash"`
	Mode           string `json:"mode"`
}

type retrievalCheckpoint struct {
	IndexHash string                     `json:"index_hash"`
	Result    model.BatchRetrievalResult `json:"result"`
}

type extractionCheckpoint struct {
	IndexHash   string                   `json:"index_hash"`
	ContextHash string                   `json:"context_hash"`
	Results     []model.ExtractionResult `json:"results"`
}

type categoryOutcome struct {
	results  []model.ExtractionResult
	manifest []model.DegradedUnit
	resumed  bool
}

func (p *Pipeline) runExtraction(ctx context.Context, idx *model.DocumentIndex, catalog *model.Catalog, t *tracker) (*model.RunReport, error) {
	if err := model.ValidateQuestions(catalog.Questions); err != nil {
		return nil, err
	}
	groups, names := model.GroupByCategory(catalog.Questions)
	hash := idx.StructuralHash()
	cacheErrors := p.cache.Stats().Errors

	report := &model.RunReport{DocID: idx.DocID}
	var mu sync.Mutex

	t.setStatus(model.RunStatusExtracting)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.cfg.Pipeline.Concurrency, 1))
	for _, name := range names {
		g.Go(func() error {
			out, err := p.runCategory(gctx, idx, hash, name, catalog.Categories[name], groups[name], t)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			report.Results = append(report.Results, out.results...)
			report.Manifest = append(report.Manifest, out.manifest...)
			report.Resumed = report.Resumed || out.resumed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrapf(err, "pipeline: extract %s", idx.DocID)
	}

	if n := p.cache.Stats().Errors - cacheErrors; n > 0 {
		report.Manifest = append(report.Manifest, model.DegradedUnit{
			Kind:   model.DegradedCache,
			Reason: fmt.Sprintf("%d cache backend errors treated as misses", n),
		})
	}
	report.SortResults()
	sortManifest(report.Manifest)
	if report.Manifest == nil {
		report.Manifest = []model.DegradedUnit{}
	}
	if p.tracker != nil {
		report.Usage = p.tracker.Usage(idx.DocID)
	}

	zap.L().Info("pipeline: extraction complete",
		zap.String("doc_id", idx.DocID),
		zap.Int("categories", len(names)),
		zap.Int("results", len(report.Results)),
		zap.Int("degraded", len(report.Manifest)),
		zap.Bool("resumed", report.Resumed),
		zap.Float64("cost_usd", report.Usage.Cost),
	)
	return report, nil
}

// runCategory runs one category's retrieval then extraction. The chain is
// sequential: extraction always sees the category's final context.
func (p *Pipeline) runCategory(ctx context.Context, idx *model.DocumentIndex, hash, category, description string, questions []model.ExtractionQuestion, t *tracker) (*categoryOutcome, error) {
	out := &categoryOutcome{}

	sel, reason, resumed, err := p.retrieve(ctx, idx, hash, category, description, questions, t)
	if err != nil {
		return nil, err
	}
	out.resumed = resumed
	if reason != "" {
		out.manifest = append(out.manifest, model.DegradedUnit{
			Kind:        model.DegradedRetrieval,
			Category:    category,
			QuestionIDs: questionIDs(questions),
			Reason:      reason,
		})
	}

	results, failures, resumed, err := p.extract(ctx, idx, hash, category, questions, sel, t)
	if err != nil {
		return nil, err
	}
	out.resumed = out.resumed || resumed
	out.results = results
	out.manifest = append(out.manifest, failureUnits(category, failures)...)
	return out, nil
}

// retrieve returns the category's selection, from its checkpoint when one
// matches the index. A non-empty reason means the category was degraded.
func (p *Pipeline) retrieve(ctx context.Context, idx *model.DocumentIndex, hash, category, description string, questions []model.ExtractionQuestion, t *tracker) (*model.BatchRetrievalResult, string, bool, error) {
	step := retrievalStep(category)
	log := t.logger().With(zap.String("category", category))

	var cp retrievalCheckpoint
	ok, err := p.checkpoints.Load(ctx, idx.DocID, step, &cp)
	if err != nil {
		log.Warn("pipeline: unreadable retrieval checkpoint, retrieving again", zap.Error(err))
	}
	if ok && err == nil && cp.IndexHash == hash {
		t.skipPhase(phaseRetrievePrefix+category, map[string]any{"nodes": len(cp.Result.Nodes), "from_checkpoint": true})
		return &cp.Result, "", true, nil
	}

	var res *model.BatchRetrievalResult
	var reason string
	err = t.phase(phaseRetrievePrefix+category, func() (map[string]any, error) {
		r, rerr := p.retriever.RetrieveCategory(ctx, idx, category, description, questions)
		var re *retrieval.RetrievalError
		switch {
		case errors.As(rerr, &re):
			reason = re.Reason
		case rerr != nil:
			return nil, rerr
		}
		res = r
		return map[string]any{"nodes": len(r.Nodes), "fallback": r.Fallback}, nil
	})
	if err != nil {
		return nil, "", false, err
	}

	// Degraded selections are not checkpointed so a resume retries them.
	if reason == "" {
		if err := p.checkpoints.Save(ctx, idx.DocID, step, retrievalCheckpoint{IndexHash: hash, Result: *res}); err != nil {
			log.Warn("pipeline: failed to checkpoint retrieval", zap.Error(err))
		}
	}
	return res, reason, false, nil
}

// extract answers the category's questions that its checkpoint does not
// already hold. Answered results are checkpointed as each batch or
// individual question completes.
func (p *Pipeline) extract(ctx context.Context, idx *model.DocumentIndex, hash, category string, questions []model.ExtractionQuestion, sel *model.BatchRetrievalResult, t *tracker) ([]model.ExtractionResult, []*extraction.ExtractionError, bool, error) {
	step := extractionStep(category)
	log := t.logger().With(zap.String("category", category))
	c := p.contexts.Build(idx, sel.Nodes)

	var cp extractionCheckpoint
	ok, err := p.checkpoints.Load(ctx, idx.DocID, step, &cp)
	if err != nil {
		log.Warn("pipeline: unreadable extraction checkpoint, extracting again", zap.Error(err))
	}
	done := make(map[string]model.ExtractionResult)
	if ok && err == nil && cp.IndexHash == hash && cp.ContextHash == c.Hash {
		for _, r := range cp.Results {
			done[r.QuestionID] = r
		}
	}

	var prior []model.ExtractionResult
	var pending []model.ExtractionQuestion
	for _, q := range questions {
		if r, ok := done[q.QuestionID]; ok {
			prior = append(prior, r)
		} else {
			pending = append(pending, q)
		}
	}
	resumed := len(prior) > 0
	if len(pending) == 0 {
		t.skipPhase(phaseExtractPrefix+category, map[string]any{"results": len(prior), "from_checkpoint": true})
		return prior, nil, resumed, nil
	}

	var cpMu sync.Mutex
	saved := extractionCheckpoint{
		IndexHash:   hash,
		ContextHash: c.Hash,
		Results:     append([]model.ExtractionResult(nil), prior...),
	}
	onProgress := func(results []model.ExtractionResult) {
		// One writer at a time for this category's checkpoint.
		cpMu.Lock()
		defer cpMu.Unlock()
		saved.Results = append(saved.Results, results...)
		if err := p.checkpoints.Save(ctx, idx.DocID, step, saved); err != nil {
			log.Warn("pipeline: failed to checkpoint extraction", zap.Error(err))
		}
	}

	var outcome *extraction.Outcome
	err = t.phase(phaseExtractPrefix+category, func() (map[string]any, error) {
		var xerr error
		outcome, xerr = p.extractor.Extract(ctx, extraction.Request{
			DocID:      idx.DocID,
			Category:   category,
			Questions:  pending,
			Context:    c,
			IndexHash:  hash,
			OnProgress: onProgress,
		})
		if xerr != nil {
			return nil, xerr
		}
		return map[string]any{
			"results":       len(outcome.Results),
			"failures":      len(outcome.Failures),
			"cache_hits":    outcome.CacheHits,
			"resumed":       len(prior),
			"context_pages": len(c.Pages),
			"compression":   c.Method,
		}, nil
	})
	if err != nil {
		return nil, nil, resumed, err
	}
	return append(prior, outcome.Results...), outcome.Failures, resumed, nil
}

func questionIDs(questions []model.ExtractionQuestion) []string {
	ids := make([]string, len(questions))
	for i, q := range questions {
		ids[i] = q.QuestionID
	}
	sort.Strings(ids)
	return ids
}

// failureUnits groups failed questions by reason.
func failureUnits(category string, failures []*extraction.ExtractionError) []model.DegradedUnit {
	byReason := make(map[string][]string)
	for _, f := range failures {
		byReason[f.Reason] = append(byReason[f.Reason], f.QuestionID)
	}
	units := make([]model.DegradedUnit, 0, len(byReason))
	for reason, ids := range byReason {
		sort.Strings(ids)
		units = append(units, model.DegradedUnit{
			Kind:        model.DegradedExtraction,
			Category:    category,
			QuestionIDs: ids,
			Reason:      reason,
		})
	}
	return units
}

func sortManifest(units []model.DegradedUnit) {
	sort.SliceStable(units, func(i, j int) bool {
		a, b := units[i], units[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return strings.Join(a.QuestionIDs, ",") < strings.Join(b.QuestionIDs, ",")
	})
}
