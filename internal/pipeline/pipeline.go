// Package pipeline composes index building, category retrieval, context
// construction and tiered extraction for one document, with checkpointed
// resume and run tracking.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pageindex/internal/cache"
	"github.com/sells-group/pageindex/internal/compress"
	"github.com/sells-group/pageindex/internal/config"
	"github.com/sells-group/pageindex/internal/cost"
	"github.com/sells-group/pageindex/internal/extraction"
	"github.com/sells-group/pageindex/internal/indexer"
	"github.com/sells-group/pageindex/internal/inference"
	"github.com/sells-group/pageindex/internal/model"
	"github.com/sells-group/pageindex/internal/prefix"
	"github.com/sells-group/pageindex/internal/promptlayer"
	"github.com/sells-group/pageindex/internal/resilience"
	"github.com/sells-group/pageindex/internal/retrieval"
	"github.com/sells-group/pageindex/internal/store"
	"github.com/sells-group/pageindex/internal/tokens"
)

// ErrNoIndex is returned when a run needs a persisted index that does not exist.
var ErrNoIndex = eris.New("pipeline: no index for document")

// Deps are the collaborators of a Pipeline. Runs, Cache and Tracker may be nil.
type Deps struct {
	Config    *config.Config
	Inference inference.Backend
	Store     store.Backend
	Runs      store.RunStore
	Cache     *cache.Results
	Tracker   *cost.Tracker
}

// Pipeline runs documents through indexing, retrieval and extraction.
type Pipeline struct {
	cfg         *config.Config
	store       store.Backend
	runs        store.RunStore
	cache       *cache.Results
	tracker     *cost.Tracker
	builder     *indexer.Builder
	retriever   *retrieval.Engine
	extractor   *extraction.Engine
	contexts    *extraction.ContextBuilder
	checkpoints *resilience.Checkpointer
}

// New wires the engines from cfg.
func New(d Deps) (*Pipeline, error) {
	if d.Config == nil || d.Inference == nil || d.Store == nil {
		return nil, eris.New("pipeline: config, inference and store are required")
	}
	cfg := d.Config

	counter := tokens.New(cfg.Context.Tokenizer, cfg.Inference.Model)
	var codec compress.Codec
	if tk, ok := counter.(*tokens.Tiktoken); ok {
		codec = tk
	}
	compressor, err := compress.New(cfg.Context.Compressor, cfg.Context.MinTokens, counter, codec)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: compressor")
	}
	stabilizer, err := prefix.New(prefix.Strategy(cfg.Context.SortStrategy))
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: sort strategy")
	}

	layers := promptlayer.New(cfg.Context.MaxBreakpoints)
	params := inference.Params{
		MaxTokens:   cfg.Inference.MaxTokens,
		Temperature: cfg.Inference.Temperature,
		CacheTTL:    cfg.Inference.CacheTTL,
	}

	return &Pipeline{
		cfg:     cfg,
		store:   d.Store,
		runs:    d.Runs,
		cache:   d.Cache,
		tracker: d.Tracker,
		builder: indexer.New(d.Inference, cfg.Indexing,
			indexer.WithCounter(counter),
			indexer.WithParams(params),
		),
		retriever: retrieval.New(d.Inference, cfg.Retrieval,
			retrieval.WithPromptBuilder(layers),
			retrieval.WithParams(params),
		),
		extractor: extraction.New(d.Inference, cfg.Extraction, cfg.Inference.Model,
			extraction.WithCache(d.Cache),
			extraction.WithPromptBuilder(layers),
			extraction.WithParams(params),
		),
		contexts:    extraction.NewContextBuilder(stabilizer, compressor, cfg.Context.TargetRatio),
		checkpoints: resilience.NewCheckpointer(d.Store),
	}, nil
}

// Checkpoints exposes the checkpointer for inspection.
func (p *Pipeline) Checkpoints() *resilience.Checkpointer {
	return p.checkpoints
}

// BuildIndex builds the index of a document, persists it at
// indexes/<doc_id>.json and records the index checkpoint.
func (p *Pipeline) BuildIndex(ctx context.Context, pages []model.PageContent, docID, docName string) (*model.DocumentIndex, error) {
	idx, err := p.builder.Build(ctx, pages, docID, docName)
	if err != nil {
		return nil, err
	}
	if err := p.SaveIndex(ctx, idx); err != nil {
		return nil, err
	}
	return idx, nil
}

// SaveIndex persists idx and records the index checkpoint.
func (p *Pipeline) SaveIndex(ctx context.Context, idx *model.DocumentIndex) error {
	data, err := json.Marshal(idx)
	if err != nil {
		return eris.Wrapf(err, "pipeline: marshal index %s", idx.DocID)
	}
	key := store.IndexKey(idx.DocID)
	if err := p.store.Save(ctx, key, data); err != nil {
		return eris.Wrapf(err, "pipeline: save index %s", idx.DocID)
	}
	cp := indexCheckpoint{Key: key, StructuralHash: idx.StructuralHash(), Mode: idx.Mode}
	if err := p.checkpoints.Save(ctx, idx.DocID, stepIndex, cp); err != nil {
		return err
	}
	zap.L().Info("pipeline: index saved",
		zap.String("doc_id", idx.DocID),
		zap.String("mode", idx.Mode),
		zap.Int("nodes", len(idx.Nodes)),
	)
	return nil
}

// LoadIndex reads a persisted index. It returns ErrNoIndex when none exists.
func (p *Pipeline) LoadIndex(ctx context.Context, docID string) (*model.DocumentIndex, error) {
	data, err := p.store.Load(ctx, store.IndexKey(docID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(ErrNoIndex, "pipeline: load index %s", docID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load index %s", docID)
	}
	var idx model.DocumentIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, eris.Wrapf(err, "pipeline: decode index %s", docID)
	}
	if err := idx.Validate(); err != nil {
		return nil, eris.Wrapf(err, "pipeline: index %s", docID)
	}
	return &idx, nil
}

// Input is one document run.
type Input struct {
	DocID   string
	DocName string
	Catalog *model.Catalog

	// Pages are required unless an index for DocID already exists.
	Pages        []model.PageContent
	// RequireIndex fails the run instead of building a missing index.
	RequireIndex bool
}

// Run loads the index of a document or builds it, then extracts every
// catalog question. Checkpoints left by an earlier run are reused.
func (p *Pipeline) Run(ctx context.Context, in Input) (*model.RunReport, error) {
	if in.Catalog == nil {
		return nil, eris.New("pipeline: no question catalog")
	}
	log := zap.L().With(zap.String("doc_id", in.DocID))

	t := p.newTracker(ctx, in.DocID, in.DocName)

	idx, err := p.LoadIndex(ctx, in.DocID)
	resumed := err == nil
	switch {
	case err == nil:
		t.skipPhase(phaseIndex, map[string]any{"mode": idx.Mode, "from_checkpoint": true})
		log.Info("pipeline: reusing index", zap.String("mode", idx.Mode))
	case !errors.Is(err, ErrNoIndex):
		t.fail(err)
		return nil, err
	case in.RequireIndex || len(in.Pages) == 0:
		t.fail(err)
		return nil, err
	default:
		t.setStatus(model.RunStatusIndexing)
		err = t.phase(phaseIndex, func() (map[string]any, error) {
			var berr error
			idx, berr = p.BuildIndex(ctx, in.Pages, in.DocID, in.DocName)
			if berr != nil {
				return nil, berr
			}
			return map[string]any{"mode": idx.Mode, "nodes": len(idx.Nodes)}, nil
		})
		if err != nil {
			t.fail(err)
			return nil, err
		}
	}

	report, err := p.runExtraction(ctx, idx, in.Catalog, t)
	if err != nil {
		t.fail(err)
		return nil, err
	}
	report.Resumed = report.Resumed || resumed
	t.complete(report)
	return report, nil
}

// RunExtraction answers questions against a built index. Categories already
// checkpointed are not redone.
func (p *Pipeline) RunExtraction(ctx context.Context, idx *model.DocumentIndex, catalog *model.Catalog) (*model.RunReport, error) {
	return p.runExtraction(ctx, idx, catalog, &tracker{})
}
