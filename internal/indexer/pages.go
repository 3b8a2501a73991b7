package indexer

import (
	"fmt"
	"math"
	"strings"

	"github.com/sells-group/pageindex/internal/model"
	"github.com/sells-group/pageindex/internal/tokens"
)

// labeled wraps one page in physical index tags for prompts.
func labeled(p model.PageContent) string {
	return fmt.Sprintf("<physical_index_%d>\n%s\n<physical_index_%d>\n\n", p.PageNumber, p.Text, p.PageNumber)
}

// pageGroup is a contiguous run of pages sent to the model in one call.
type pageGroup struct {
	first, last int
	text        string
}

// groupPages partitions pages into groups of roughly equal token size under
// maxTokens, each starting overlap pages before the previous group ended.
func groupPages(pages []model.PageContent, counter tokens.Counter, maxTokens, overlap int) []pageGroup {
	if len(pages) == 0 {
		return nil
	}
	texts := make([]string, len(pages))
	counts := make([]int, len(pages))
	total := 0
	for i, p := range pages {
		texts[i] = labeled(p)
		counts[i] = counter.Count(texts[i])
		total += counts[i]
	}
	if total <= maxTokens || maxTokens <= 0 {
		return []pageGroup{makeGroup(pages, texts, 0, len(pages))}
	}

	expected := int(math.Ceil(float64(total) / float64(maxTokens)))
	target := int(math.Ceil((float64(total)/float64(expected) + float64(maxTokens)) / 2))

	var groups []pageGroup
	start, size := 0, 0
	for i := range pages {
		if size+counts[i] > target && i > start {
			groups = append(groups, makeGroup(pages, texts, start, i))
			next := i - overlap
			if next <= start {
				next = start + 1
			}
			start = next
			size = 0
			for j := start; j < i; j++ {
				size += counts[j]
			}
		}
		size += counts[i]
	}
	return append(groups, makeGroup(pages, texts, start, len(pages)))
}

func makeGroup(pages []model.PageContent, texts []string, from, to int) pageGroup {
	return pageGroup{
		first: pages[from].PageNumber,
		last:  pages[to-1].PageNumber,
		text:  strings.Join(texts[from:to], ""),
	}
}

// pageLookup indexes page text by physical page number.
type pageLookup map[int]string

func lookupOf(pages []model.PageContent) pageLookup {
	m := make(pageLookup, len(pages))
	for _, p := range pages {
		m[p.PageNumber] = p.Text
	}
	return m
}

// span joins page text in [start, end].
func (l pageLookup) span(start, end int) string {
	var b strings.Builder
	for p := start; p <= end; p++ {
		if t, ok := l[p]; ok {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(t)
		}
	}
	return b.String()
}

// labeledSpan renders pages in [start, end] with physical index tags.
func (l pageLookup) labeledSpan(start, end int) string {
	var b strings.Builder
	for p := start; p <= end; p++ {
		if t, ok := l[p]; ok {
			b.WriteString(labeled(model.PageContent{PageNumber: p, Text: t}))
		}
	}
	return b.String()
}
