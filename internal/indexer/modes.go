package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// mapTitles asks, group by group, where each listed title starts. The first
// group that places a title wins.
func (b *Builder) mapTitles(ctx context.Context, st *buildState) ([]entry, error) {
	toc := st.scan.entries
	listing := make([]entry, len(toc))
	for i, e := range toc {
		listing[i] = entry{Structure: e.Structure, Title: e.Title}
	}
	tocJSON, err := json.MarshalIndent(listing, "", "  ")
	if err != nil {
		return nil, err
	}

	found := make(map[string]physicalIndex, len(toc))
	for _, g := range st.pageGroups(b) {
		if len(found) == len(toc) {
			break
		}
		var resp tocResponse
		if err := b.ask(ctx, st, ModeMinimal, fmt.Sprintf(mapTitlesPrompt, tocJSON, g.text), &resp); err != nil {
			return nil, err
		}
		for _, r := range resp {
			key := normalizeTitle(r.Title)
			if _, ok := found[key]; ok || r.Physical < physicalIndex(g.first) || r.Physical > physicalIndex(g.last) {
				continue
			}
			found[key] = r.Physical
		}
	}

	out := make([]entry, 0, len(toc))
	for _, e := range toc {
		if p, ok := found[normalizeTitle(e.Title)]; ok {
			out = append(out, entry{Structure: e.Structure, Title: e.Title, Physical: p})
		}
	}
	return out, nil
}

// guided sends heading hints with each group and lets the model confirm,
// correct and extend them.
func (b *Builder) guided(ctx context.Context, st *buildState) ([]entry, error) {
	candidates := append([]hint(nil), st.scan.hints...)
	if len(candidates) == 0 {
		for _, e := range st.scan.entries {
			p := 0
			if e.Page > 0 {
				p = int(e.Page) + st.scan.offset
			}
			candidates = append(candidates, hint{Structure: e.Structure, Title: e.Title, Page: p})
		}
	}

	var lists [][]entry
	for _, g := range st.pageGroups(b) {
		var lines []string
		for _, h := range candidates {
			if h.Page != 0 && (h.Page < g.first || h.Page > g.last) {
				continue
			}
			lines = append(lines, formatHint(h))
		}
		listing := "(none)"
		if len(lines) > 0 {
			listing = strings.Join(lines, "\n")
		}
		var resp tocResponse
		if err := b.ask(ctx, st, ModeGuided, fmt.Sprintf(guidedPrompt, listing, g.text), &resp); err != nil {
			return nil, err
		}
		lists = append(lists, resp)
	}
	return mergeEntries(lists...), nil
}

func formatHint(h hint) string {
	title := h.Title
	if h.Structure != "" {
		title = h.Structure + " " + title
	}
	if h.Page == 0 {
		return fmt.Sprintf("- %s (page unknown)", title)
	}
	return fmt.Sprintf("- %s (page %d)", title, h.Page)
}

// generate derives the structure from raw pages: the first group starts
// the table of contents and every later group continues it.
func (b *Builder) generate(ctx context.Context, st *buildState) ([]entry, error) {
	all := []entry{}
	for i, g := range st.pageGroups(b) {
		var prompt string
		if i == 0 {
			prompt = fmt.Sprintf(generatePrompt, g.text)
		} else {
			so, err := json.MarshalIndent(all, "", "  ")
			if err != nil {
				return nil, err
			}
			prompt = fmt.Sprintf(continuePrompt, so, g.text)
		}
		var resp tocResponse
		if err := b.ask(ctx, st, ModeFull, prompt, &resp); err != nil {
			return nil, err
		}
		all = mergeEntries(all, resp)
	}
	return all, nil
}
