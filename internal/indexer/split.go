package indexer

import (
	"fmt"

	"github.com/sells-group/pageindex/internal/model"
)

// splitLarge subdivides leaves that exceed the page or token limits into
// synthetic halves, recursing up to max_split_depth levels.
func (b *Builder) splitLarge(st *buildState, sections []*section) []*section {
	walkSections(sections, func(s *section, _ int) {
		s.tokens = b.counter.Count(st.lookup.span(s.start, s.end))
	})
	var visit func(list []*section)
	visit = func(list []*section) {
		for _, s := range list {
			if len(s.children) > 0 {
				visit(s.children)
				continue
			}
			b.split(st, s, 0)
		}
	}
	visit(sections)
	return sections
}

func (b *Builder) tooLarge(s *section) bool {
	pages := s.end - s.start + 1
	if pages < 2 {
		return false
	}
	return (b.cfg.MaxPagesPerNode > 0 && pages > b.cfg.MaxPagesPerNode) ||
		(b.cfg.MaxTokensPerNode > 0 && s.tokens > b.cfg.MaxTokensPerNode)
}

func (b *Builder) split(st *buildState, s *section, depth int) {
	if depth >= b.cfg.MaxSplitDepth || !b.tooLarge(s) {
		return
	}
	mid := b.midpoint(st, s)
	title := s.title
	if s.synthetic {
		title = baseTitle(s)
	}
	left := &section{title: title, start: s.start, end: mid, synthetic: true}
	right := &section{title: title, start: mid + 1, end: s.end, synthetic: true}
	for _, c := range []*section{left, right} {
		c.tokens = b.counter.Count(st.lookup.span(c.start, c.end))
		c.title = fmt.Sprintf("%s (pages %d-%d)", title, c.start, c.end)
		b.split(st, c, depth+1)
	}
	s.children = []*section{left, right}
}

// midpoint returns the last page of the first half, chosen so each half
// carries about the same number of tokens. Both halves keep at least a page.
func (b *Builder) midpoint(st *buildState, s *section) int {
	half := s.tokens / 2
	sum := 0
	for p := s.start; p < s.end; p++ {
		sum += b.counter.Count(st.lookup[p])
		if sum >= half && half > 0 {
			return p
		}
	}
	return s.start + (s.end-s.start)/2
}

func baseTitle(s *section) string {
	suffix := fmt.Sprintf(" (pages %d-%d)", s.start, s.end)
	if len(s.title) > len(suffix) && s.title[len(s.title)-len(suffix):] == suffix {
		return s.title[:len(s.title)-len(suffix)]
	}
	return s.title
}

// toIndex assigns zero-padded ids in depth-first order.
func (b *Builder) toIndex(st *buildState, sections []*section, docID, docName, mode string) *model.DocumentIndex {
	idx := &model.DocumentIndex{
		DocID:      docID,
		DocName:    docName,
		TotalPages: st.total,
		Mode:       mode,
		Nodes:      make(map[string]*model.TreeNode),
		Pages:      st.pages,
		CreatedAt:  b.nowFunc().UTC(),
	}
	next := 0
	var convert func(list []*section, level int) []string
	convert = func(list []*section, level int) []string {
		ids := make([]string, 0, len(list))
		for _, s := range list {
			next++
			n := &model.TreeNode{
				ID:         fmt.Sprintf("%04d", next),
				Title:      s.title,
				Level:      level,
				StartPage:  s.start,
				EndPage:    s.end,
				TokenCount: s.tokens,
				Structure:  s.structure,
				Synthetic:  s.synthetic,
			}
			idx.Nodes[n.ID] = n
			ids = append(ids, n.ID)
			n.Children = convert(s.children, level+1)
			if len(n.Children) == 0 {
				n.Children = nil
			}
		}
		return ids
	}
	idx.Roots = convert(sections, 0)
	return idx
}

