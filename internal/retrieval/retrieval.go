// Package retrieval selects the index nodes relevant to a question set,
// issuing one inference call per question category.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pageindex/internal/config"
	"github.com/sells-group/pageindex/internal/inference"
	"github.com/sells-group/pageindex/internal/model"
	"github.com/sells-group/pageindex/internal/promptlayer"
)

// Fallback kinds recorded on a BatchRetrievalResult.
const (
	FallbackAncestor = "ancestor"
	FallbackRoots    = "roots"
)

// RetrievalError reports a category whose selection was empty or invalid
// even after falling back. The category still gets the root sections.
type RetrievalError struct {
	Category string
	Reason   string
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval: category %q degraded: %s", e.Category, e.Reason)
}

// Engine runs category-batched retrieval over a DocumentIndex.
type Engine struct {
	backend inference.Backend
	cfg     config.RetrievalConfig
	layers  *promptlayer.Builder
	params  inference.Params
}

// Option configures an Engine.
type Option func(*Engine)

// WithPromptBuilder sets the layer builder used to place cache breakpoints.
func WithPromptBuilder(b *promptlayer.Builder) Option {
	return func(e *Engine) { e.layers = b }
}

// WithParams sets the generation parameters for retrieval calls.
func WithParams(p inference.Params) Option {
	return func(e *Engine) { e.params = p }
}

// New returns an Engine.
func New(backend inference.Backend, cfg config.RetrievalConfig, opts ...Option) *Engine {
	e := &Engine{
		backend: backend,
		cfg:     cfg,
		layers:  promptlayer.New(promptlayer.DefaultMaxBreakpoints),
		params:  inference.Params{MaxTokens: 2048},
	}
	for _, o := range opts {
		o(e)
	}
	if e.cfg.Concurrency <= 0 {
		e.cfg.Concurrency = 1
	}
	return e
}

// BatchRetrieve groups questions by category and issues exactly one call per
// category. Degraded categories are returned with Fallback set to
// FallbackRoots; only cancellation fails the whole batch.
func (e *Engine) BatchRetrieve(ctx context.Context, idx *model.DocumentIndex, questions []model.ExtractionQuestion, descriptions map[string]string) (map[string]*model.BatchRetrievalResult, error) {
	groups, names := model.GroupByCategory(questions)

	var mu sync.Mutex
	out := make(map[string]*model.BatchRetrievalResult, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, name := range names {
		g.Go(func() error {
			res, err := e.RetrieveCategory(gctx, idx, name, descriptions[name], groups[name])
			var re *RetrievalError
			if err != nil && !errors.As(err, &re) {
				return err
			}
			mu.Lock()
			out[name] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// RetrieveCategory selects nodes for one category. A non-nil result is
// always returned unless ctx is done; the error is a *RetrievalError when the
// category fell back to the root sections.
func (e *Engine) RetrieveCategory(ctx context.Context, idx *model.DocumentIndex, category, description string, questions []model.ExtractionQuestion) (*model.BatchRetrievalResult, error) {
	units := make([]string, len(questions))
	for i, q := range questions {
		units[i] = q.QuestionID
	}
	query := categoryQuery(category, description, questions)
	return e.selectNodes(ctx, idx, category, query, units)
}

// Retrieve selects nodes for a single free-form query.
func (e *Engine) Retrieve(ctx context.Context, idx *model.DocumentIndex, query string) (*model.BatchRetrievalResult, error) {
	return e.selectNodes(ctx, idx, "", "Question:\n"+query, nil)
}

func (e *Engine) selectNodes(ctx context.Context, idx *model.DocumentIndex, category, query string, units []string) (*model.BatchRetrievalResult, error) {
	log := zap.L().With(zap.String("doc_id", idx.DocID), zap.String("category", category))
	start := time.Now()

	req := inference.Request{
		RequestID: requestID(idx.DocID, category),
		Messages: e.layers.Messages(promptlayer.Input{
			System:   systemPrompt,
			Tools:    responseSchema,
			Document: SerializeTree(idx),
			Query:    query,
		}),
		Params: e.params,
		Meta: inference.Meta{
			DocID:    idx.DocID,
			Stage:    "retrieval",
			Category: category,
			Units:    units,
		},
	}

	res, err := e.backend.Infer(ctx, req)
	if ctx.Err() != nil {
		return nil, eris.Wrapf(ctx.Err(), "retrieval: category %q", category)
	}

	var sel selection
	var reason string
	switch {
	case err != nil:
		reason = "inference failed: " + err.Error()
	default:
		if derr := inference.DecodeJSON(res.Content, &sel); derr != nil {
			log.Debug("retrieval: unparseable selection", zap.Error(derr))
			reason = "unparseable selection"
		}
	}

	out := &model.BatchRetrievalResult{Category: category, Reasoning: sel.Reasoning}
	nodes := e.rank(idx, sel)
	if len(nodes) > 0 {
		out.Nodes = toRetrieved(idx, nodes, sel.Reasoning)
		log.Debug("retrieval: selected", zap.Int("nodes", len(nodes)), zap.Int64("duration_ms", time.Since(start).Milliseconds()))
		return out, nil
	}

	if anchor := findAnchor(idx, sel); anchor != nil {
		section := nearestAncestor(idx, anchor)
		out.Nodes = toRetrieved(idx, []*model.TreeNode{section}, sel.Reasoning)
		out.Fallback = FallbackAncestor
		log.Info("retrieval: no valid node ids, using ancestor section", zap.String("node_id", section.ID))
		return out, nil
	}

	if reason == "" {
		reason = "no valid node ids and no anchor"
	}
	out.Nodes = toRetrieved(idx, idx.RootNodes(), sel.Reasoning)
	out.Fallback = FallbackRoots
	if out.Reasoning == "" {
		out.Reasoning = reason
	}
	log.Warn("retrieval: category degraded to root sections", zap.String("reason", reason))
	return out, &RetrievalError{Category: category, Reason: reason}
}

// rank resolves the selected ids, orders them by score (depth-first order
// breaks ties and applies when no scores were given) and caps at top_k.
func (e *Engine) rank(idx *model.DocumentIndex, sel selection) []*model.TreeNode {
	pos := idx.DepthFirstPosition()
	seen := make(map[string]bool)
	var nodes []*model.TreeNode
	for _, raw := range sel.NodeIDs {
		n := resolveID(idx, raw)
		if n == nil || seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		nodes = append(nodes, n)
	}

	scores := make(map[string]float64, len(sel.Scores))
	for raw, s := range sel.Scores {
		if n := resolveID(idx, raw); n != nil {
			scores[n.ID] = s
		}
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if len(scores) > 0 && scores[a.ID] != scores[b.ID] {
			return scores[a.ID] > scores[b.ID]
		}
		return pos[a.ID] < pos[b.ID]
	})
	if e.cfg.TopK > 0 && len(nodes) > e.cfg.TopK {
		nodes = nodes[:e.cfg.TopK]
	}
	return nodes
}

// findAnchor looks for a node the response pointed at indirectly: an
// invalid id that names a node title, or a page number.
func findAnchor(idx *model.DocumentIndex, sel selection) *model.TreeNode {
	for _, raw := range sel.NodeIDs {
		want := strings.ToLower(strings.TrimSpace(raw))
		if want == "" {
			continue
		}
		for _, n := range idx.DepthFirst() {
			if strings.ToLower(n.Title) == want {
				return n
			}
		}
	}
	for _, p := range sel.Pages {
		if n := idx.DeepestAt(p); n != nil {
			return n
		}
	}
	return nil
}

// nearestAncestor returns the parent section of n, or n itself at the top level.
func nearestAncestor(idx *model.DocumentIndex, n *model.TreeNode) *model.TreeNode {
	if parent, ok := idx.Parents()[n.ID]; ok {
		if p, ok := idx.Node(parent); ok {
			return p
		}
	}
	return n
}

func toRetrieved(idx *model.DocumentIndex, nodes []*model.TreeNode, reasoning string) []model.RetrievedNode {
	paths := idx.SectionPaths()
	out := make([]model.RetrievedNode, len(nodes))
	for i, n := range nodes {
		out[i] = model.RetrievedNode{
			DocID:       idx.DocID,
			NodeID:      n.ID,
			Title:       n.Title,
			SectionPath: paths[n.ID],
			StartPage:   n.StartPage,
			EndPage:     n.EndPage,
			Reasoning:   reasoning,
		}
	}
	return out
}

func requestID(docID, category string) string {
	if category == "" {
		category = "query"
	}
	return fmt.Sprintf("%s-retrieval-%s", docID, strings.ReplaceAll(category, " ", "_"))
}
