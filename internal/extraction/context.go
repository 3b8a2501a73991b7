package extraction

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sells-group/pageindex/internal/cache"
	"github.com/sells-group/pageindex/internal/compress"
	"github.com/sells-group/pageindex/internal/model"
	"github.com/sells-group/pageindex/internal/prefix"
)

// Context is the rendered document text one category is answered from.
type Context struct {
	Text           string `json:"-"`
	Hash           string `json:"hash"`
	Pages          []int  `json:"pages"`
	OriginalLength int    `json:"original_length"`
	Method         string `json:"method"`
}

// Empty reports whether there is nothing to answer from.
func (c Context) Empty() bool {
	return strings.TrimSpace(c.Text) == ""
}

// HasPage reports whether page is part of the context.
func (c Context) HasPage(page int) bool {
	i := sort.SearchInts(c.Pages, page)
	return i < len(c.Pages) && c.Pages[i] == page
}

// ContextBuilder renders retrieved nodes into a deterministic context.
type ContextBuilder struct {
	stabilizer *prefix.Stabilizer
	compressor compress.Compressor
	ratio      float64
}

// NewContextBuilder returns a builder. A nil compressor disables compression.
func NewContextBuilder(stabilizer *prefix.Stabilizer, compressor compress.Compressor, targetRatio float64) *ContextBuilder {
	if compressor == nil {
		compressor = compress.Noop{}
	}
	if targetRatio <= 0 || targetRatio > 1 {
		targetRatio = 1
	}
	return &ContextBuilder{stabilizer: stabilizer, compressor: compressor, ratio: targetRatio}
}

// Build orders nodes with the stabilizer and renders each section header
// followed by its pages. Pages already rendered for an earlier node are not
// repeated. Compression runs per page so page markers survive.
func (b *ContextBuilder) Build(idx *model.DocumentIndex, nodes []model.RetrievedNode) Context {
	ordered := nodes
	if b.stabilizer != nil {
		ordered = b.stabilizer.Stabilize(nodes)
	}
	pages := idx.PageMap()
	seen := make(map[int]bool)

	var out strings.Builder
	original := 0
	method := compress.MethodNone
	for _, rn := range ordered {
		start, end := rn.StartPage, rn.EndPage
		var body strings.Builder
		for p := start; p <= end; p++ {
			text, ok := pages[p]
			if !ok || seen[p] {
				continue
			}
			seen[p] = true
			original += len(text)
			res := b.compressor.Compress(text, b.ratio)
			if !res.Skipped {
				method = res.Method
			}
			fmt.Fprintf(&body, "[Page %d]\n%s\n", p, strings.TrimSpace(res.Text))
		}
		if body.Len() == 0 {
			continue
		}
		out.WriteString(sectionHeader(idx, rn))
		out.WriteString(body.String())
		out.WriteString("\n")
	}

	c := Context{Text: out.String(), OriginalLength: original, Method: method}
	for p := range seen {
		c.Pages = append(c.Pages, p)
	}
	sort.Ints(c.Pages)
	c.Hash = cache.ContextHash(c.Text)
	return c
}

func sectionHeader(idx *model.DocumentIndex, rn model.RetrievedNode) string {
	title := rn.Title
	kind := ""
	if n, ok := idx.Node(rn.NodeID); ok {
		if title == "" {
			title = n.Title
		}
		kind = n.ContentType
	}
	if kind == "" {
		kind = "section"
	}
	return fmt.Sprintf("[Section: %s | Type: %s | Pages %d-%d]\n", title, kind, rn.StartPage, rn.EndPage)
}
