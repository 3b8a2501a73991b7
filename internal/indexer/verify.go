package indexer

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// verify reports, per entry, whether its title appears on its start page.
// With verify_with_llm and an LLM stage, misses are rechecked by the model.
func (b *Builder) verify(ctx context.Context, st *buildState, entries []entry, llm bool) []bool {
	ok := make([]bool, len(entries))
	var misses []int
	for i, e := range entries {
		ok[i] = appearsIn(e.Title, st.lookup[int(e.Physical)])
		if !ok[i] {
			misses = append(misses, i)
		}
	}
	if !llm || !b.cfg.VerifyWithLLM || len(misses) == 0 {
		return ok
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.EnrichConcurrency)
	for _, i := range misses {
		g.Go(func() error {
			ok[i] = b.checkTitle(gctx, st, entries[i])
			return nil
		})
	}
	_ = g.Wait()
	return ok
}

func (b *Builder) checkTitle(ctx context.Context, st *buildState, e entry) bool {
	var resp struct {
		Answer string `json:"answer"`
	}
	page := st.lookup[int(e.Physical)]
	if err := b.ask(ctx, st, "verify", fmt.Sprintf(checkTitlePrompt, e.Title, truncate(page, 8000)), &resp); err != nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(resp.Answer), "yes")
}

func accuracyOf(verified []bool) float64 {
	if len(verified) == 0 {
		return 0
	}
	n := 0
	for _, v := range verified {
		if v {
			n++
		}
	}
	return float64(n) / float64(len(verified))
}

// fix relocates unverified entries between their verified neighbours. A
// textual search runs first; LLM stages then re-query what is still missing,
// up to fix_attempts rounds. Entries that stay unverified are dropped.
func (b *Builder) fix(ctx context.Context, st *buildState, mode string, entries []entry, verified []bool, llm bool) []entry {
	out := append([]entry(nil), entries...)
	ok := append([]bool(nil), verified...)

	for i := range out {
		if ok[i] {
			continue
		}
		lo, hi := neighbours(out, ok, i, st.total)
		if p := searchTitle(st.lookup, out[i].Title, lo, hi); p > 0 {
			out[i].Physical = physicalIndex(p)
			ok[i] = true
		}
	}

	if llm {
		for round := 0; round < b.cfg.FixAttempts && ctx.Err() == nil; round++ {
			pending := 0
			for i := range out {
				if ok[i] {
					continue
				}
				lo, hi := neighbours(out, ok, i, st.total)
				p := b.locateTitle(ctx, st, out[i].Title, lo, hi)
				if p <= 0 {
					pending++
					continue
				}
				out[i].Physical = physicalIndex(p)
				ok[i] = appearsIn(out[i].Title, st.lookup[p]) ||
					(b.cfg.VerifyWithLLM && b.checkTitle(ctx, st, out[i]))
				if !ok[i] {
					pending++
				}
			}
			if pending == 0 {
				break
			}
		}
	}

	kept := out[:0]
	dropped := 0
	for i, e := range out {
		if ok[i] {
			kept = append(kept, e)
		} else {
			dropped++
		}
	}
	if dropped > 0 {
		zap.L().Debug("indexer: dropped unverifiable entries",
			zap.String("doc_id", st.docID), zap.String("mode", mode), zap.Int("dropped", dropped))
	}
	return kept
}

// neighbours returns the page window between the closest verified entries
// around i.
func neighbours(entries []entry, ok []bool, i, total int) (int, int) {
	lo, hi := 1, total
	for j := i - 1; j >= 0; j-- {
		if ok[j] {
			lo = int(entries[j].Physical)
			break
		}
	}
	for j := i + 1; j < len(entries); j++ {
		if ok[j] {
			hi = int(entries[j].Physical)
			break
		}
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// searchTitle prefers a page the title opens over a page merely containing it.
func searchTitle(lookup pageLookup, title string, lo, hi int) int {
	for p := lo; p <= hi; p++ {
		if startsPage(title, lookup[p]) {
			return p
		}
	}
	for p := lo; p <= hi; p++ {
		if appearsIn(title, lookup[p]) {
			return p
		}
	}
	return 0
}

func (b *Builder) locateTitle(ctx context.Context, st *buildState, title string, lo, hi int) int {
	text := truncate(st.lookup.labeledSpan(lo, hi), b.cfg.MaxTokensPerGroup*4)
	var resp struct {
		Physical physicalIndex `json:"physical_index"`
	}
	if err := b.ask(ctx, st, "fix", fmt.Sprintf(fixPrompt, title, text), &resp); err != nil {
		return 0
	}
	p := int(resp.Physical)
	if p < lo || p > hi {
		return 0
	}
	return p
}
