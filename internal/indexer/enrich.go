package indexer

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pageindex/internal/model"
)

const (
	shortSummaryChars = 500
	summaryInputChars = 4000
)

// enrich attaches summaries, content types and the document description.
// Failures leave the node as it was.
func (b *Builder) enrich(ctx context.Context, st *buildState, idx *model.DocumentIndex) {
	if b.cfg.Summaries {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(b.cfg.EnrichConcurrency)
		for _, n := range idx.DepthFirst() {
			g.Go(func() error {
				b.summarize(gctx, st, n)
				return nil
			})
		}
		_ = g.Wait()
	}
	if b.cfg.DocDescription && ctx.Err() == nil {
		b.describe(ctx, st, idx)
	}
}

func (b *Builder) summarize(ctx context.Context, st *buildState, n *model.TreeNode) {
	text := strings.TrimSpace(st.lookup.span(n.StartPage, n.EndPage))
	if text == "" {
		return
	}
	if n.TokenCount < b.cfg.SummaryTokenThreshold {
		n.Summary = truncate(text, shortSummaryChars)
		return
	}
	var resp struct {
		Summary     string `json:"summary"`
		ContentType string `json:"content_type"`
	}
	prompt := fmt.Sprintf(summaryPrompt, n.Title, truncate(text, summaryInputChars))
	if err := b.ask(ctx, st, "summary", prompt, &resp); err != nil {
		zap.L().Warn("indexer: summary failed",
			zap.String("doc_id", st.docID), zap.String("node_id", n.ID), zap.Error(err))
		return
	}
	n.Summary = strings.TrimSpace(resp.Summary)
	n.ContentType = strings.TrimSpace(resp.ContentType)
}

func (b *Builder) describe(ctx context.Context, st *buildState, idx *model.DocumentIndex) {
	var outline strings.Builder
	idx.Walk(func(n *model.TreeNode, depth int) bool {
		fmt.Fprintf(&outline, "%s- %s\n", strings.Repeat("  ", depth), n.Title)
		return depth < 1
	})
	var resp struct {
		Description string `json:"description"`
	}
	if err := b.ask(ctx, st, "description", fmt.Sprintf(descriptionPrompt, outline.String()), &resp); err != nil {
		zap.L().Warn("indexer: description failed", zap.String("doc_id", st.docID), zap.Error(err))
		return
	}
	idx.Description = strings.TrimSpace(resp.Description)
}
