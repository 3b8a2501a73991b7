package retrieval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sells-group/pageindex/internal/model"
)

const systemPrompt = `You navigate a document through its table of contents. Given the section tree and a set of
questions, choose the sections most likely to contain the answers. Prefer the most specific sections. Use only ids
that appear in the tree.`

const responseSchema = `Reply with JSON only:
{
  "reasoning": "<why these sections>",
  "node_ids": ["<id>", ...],
  "scores": {"<id>": <relevance 0-1>, ...},
  "pages": [<page numbers where answers likely are>]
}
"scores" and "pages" are optional.`

const summaryChars = 160

// SerializeTree renders the index as one line per node in depth-first order.
// The output depends only on the index so identical trees give identical
// prompt prefixes.
func SerializeTree(idx *model.DocumentIndex) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Document: %s (%d pages)\n", idx.DocName, idx.TotalPages)
	if idx.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", idx.Description)
	}
	idx.Walk(func(n *model.TreeNode, depth int) bool {
		b.WriteString(strings.Repeat("  ", depth))
		fmt.Fprintf(&b, "[%s] %s (pages %d-%d)", n.ID, n.Title, n.StartPage, n.EndPage)
		if n.ContentType != "" {
			fmt.Fprintf(&b, " {%s}", n.ContentType)
		}
		if s := oneLine(n.Summary); s != "" {
			b.WriteString(": ")
			b.WriteString(clip(s, summaryChars))
		}
		b.WriteByte('\n')
		return true
	})
	return b.String()
}

func categoryQuery(category, description string, questions []model.ExtractionQuestion) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Category: %s\n", category)
	if description != "" {
		fmt.Fprintf(&b, "Category description: %s\n", description)
	}
	b.WriteString("Questions:\n")
	for _, q := range questions {
		fmt.Fprintf(&b, "- [%s] %s\n", q.QuestionID, q.Text)
	}
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// selection is the model's answer. Ids and pages may come back as numbers
// or strings.
type selection struct {
	Reasoning string             `json:"reasoning"`
	NodeIDs   idList             `json:"node_ids"`
	Scores    map[string]float64 `json:"scores"`
	Pages     pageList           `json:"pages"`
}

type idList []string

func (l *idList) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		var s string
		if json.Unmarshal(r, &s) == nil {
			out = append(out, s)
			continue
		}
		out = append(out, string(bytes.TrimSpace(r)))
	}
	*l = out
	return nil
}

type pageList []int

func (l *pageList) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, r := range raw {
		s := strings.Trim(string(bytes.TrimSpace(r)), `"`)
		s = strings.TrimSpace(strings.TrimPrefix(strings.ToLower(s), "page"))
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			out = append(out, n)
		}
	}
	*l = out
	return nil
}

// resolveID maps a returned id onto a node. Bracketed ids and unpadded
// numbers ("7" for "0007") are accepted.
func resolveID(idx *model.DocumentIndex, raw string) *model.TreeNode {
	id := strings.Trim(strings.TrimSpace(raw), "[]\"")
	if n, ok := idx.Node(id); ok {
		return n
	}
	if v, err := strconv.Atoi(id); err == nil {
		if n, ok := idx.Node(fmt.Sprintf("%04d", v)); ok {
			return n
		}
	}
	return nil
}
