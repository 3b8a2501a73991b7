package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// TreeNode is one section of a DocumentIndex. Children hold node ids in document order.
type TreeNode struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Level       int      `json:"level"`
	StartPage   int      `json:"start_page"`
	EndPage     int      `json:"end_page"`
	Children    []string `json:"children,omitempty"`
	Summary     string   `json:"summary,omitempty"`
	TokenCount  int      `json:"token_count,omitempty"`
	Structure   string   `json:"structure,omitempty"`
	ContentType string   `json:"content_type,omitempty"`
	Synthetic   bool     `json:"synthetic,omitempty"`
}

// PageCount returns the number of pages the node spans.
func (n *TreeNode) PageCount() int {
	return n.EndPage - n.StartPage + 1
}

// IsLeaf reports whether the node has no children.
func (n *TreeNode) IsLeaf() bool {
	return len(n.Children) == 0
}

// DocumentIndex is the navigable tree built over a document's pages.
type DocumentIndex struct {
	DocID       string               `json:"doc_id"`
	DocName     string               `json:"doc_name"`
	Description string               `json:"description,omitempty"`
	TotalPages  int                  `json:"total_pages"`
	Mode        string               `json:"mode"`
	Roots       []string             `json:"roots"`
	Nodes       map[string]*TreeNode `json:"nodes"`
	Pages       []PageContent        `json:"pages,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
}

// Node looks up a node by id.
func (idx *DocumentIndex) Node(id string) (*TreeNode, bool) {
	n, ok := idx.Nodes[id]
	return n, ok
}

// RootNodes returns the top-level sections in document order.
func (idx *DocumentIndex) RootNodes() []*TreeNode {
	out := make([]*TreeNode, 0, len(idx.Roots))
	for _, id := range idx.Roots {
		if n, ok := idx.Nodes[id]; ok {
			out = append(out, n)
		}
	}
	return out
}

// Walk visits nodes depth-first in document order. Returning false from fn
// skips the node's subtree.
func (idx *DocumentIndex) Walk(fn func(n *TreeNode, depth int) bool) {
	var visit func(ids []string, depth int)
	visit = func(ids []string, depth int) {
		for _, id := range ids {
			n, ok := idx.Nodes[id]
			if !ok {
				continue
			}
			if fn(n, depth) {
				visit(n.Children, depth+1)
			}
		}
	}
	visit(idx.Roots, 0)
}

// DepthFirst returns every node in depth-first document order.
func (idx *DocumentIndex) DepthFirst() []*TreeNode {
	out := make([]*TreeNode, 0, len(idx.Nodes))
	idx.Walk(func(n *TreeNode, _ int) bool {
		out = append(out, n)
		return true
	})
	return out
}

// DepthFirstPosition maps node ids to their depth-first ordinal.
func (idx *DocumentIndex) DepthFirstPosition() map[string]int {
	pos := make(map[string]int, len(idx.Nodes))
	for i, n := range idx.DepthFirst() {
		pos[n.ID] = i
	}
	return pos
}

// Parents maps each non-root node id to its parent id.
func (idx *DocumentIndex) Parents() map[string]string {
	parents := make(map[string]string, len(idx.Nodes))
	idx.Walk(func(n *TreeNode, _ int) bool {
		for _, c := range n.Children {
			parents[c] = n.ID
		}
		return true
	})
	return parents
}

// SectionPaths maps node ids to a sortable positional path such as "001.003".
func (idx *DocumentIndex) SectionPaths() map[string]string {
	paths := make(map[string]string, len(idx.Nodes))
	var visit func(ids []string, prefix string)
	visit = func(ids []string, prefix string) {
		for i, id := range ids {
			n, ok := idx.Nodes[id]
			if !ok {
				continue
			}
			p := fmt.Sprintf("%03d", i+1)
			if prefix != "" {
				p = prefix + "." + p
			}
			paths[id] = p
			visit(n.Children, p)
		}
	}
	visit(idx.Roots, "")
	return paths
}

// DeepestAt returns the deepest node whose range covers page, or nil.
func (idx *DocumentIndex) DeepestAt(page int) *TreeNode {
	var best *TreeNode
	idx.Walk(func(n *TreeNode, _ int) bool {
		if page < n.StartPage || page > n.EndPage {
			return false
		}
		best = n
		return true
	})
	return best
}

// PageText joins the text of pages in [start, end].
func (idx *DocumentIndex) PageText(start, end int) string {
	var b strings.Builder
	for _, p := range idx.Pages {
		if p.PageNumber < start || p.PageNumber > end {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// PageMap indexes page text by page number.
func (idx *DocumentIndex) PageMap() map[int]string {
	m := make(map[int]string, len(idx.Pages))
	for _, p := range idx.Pages {
		m[p.PageNumber] = p.Text
	}
	return m
}

// StructuralHash identifies the tree shape. It changes when the document is
// re-indexed differently and is stable otherwise.
func (idx *DocumentIndex) StructuralHash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d", idx.DocID, idx.TotalPages, len(idx.Nodes))
	for _, n := range idx.DepthFirst() {
		fmt.Fprintf(h, "|%s:%d-%d", n.ID, n.StartPage, n.EndPage)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Validate checks page ranges, sibling ordering and reachability.
func (idx *DocumentIndex) Validate() error {
	reached := make(map[string]bool, len(idx.Nodes))
	var check func(ids []string, lo, hi int) error
	check = func(ids []string, lo, hi int) error {
		prevEnd := lo - 1
		for _, id := range ids {
			n, ok := idx.Nodes[id]
			if !ok {
				return eris.Errorf("model: node %s referenced but missing", id)
			}
			if reached[id] {
				return eris.Errorf("model: node %s reachable twice", id)
			}
			reached[id] = true
			if n.StartPage > n.EndPage {
				return eris.Errorf("model: node %s has start %d after end %d", id, n.StartPage, n.EndPage)
			}
			if n.StartPage <= prevEnd {
				return eris.Errorf("model: node %s overlaps its previous sibling", id)
			}
			if n.StartPage < lo || n.EndPage > hi {
				return eris.Errorf("model: node %s pages %d-%d outside %d-%d", id, n.StartPage, n.EndPage, lo, hi)
			}
			prevEnd = n.EndPage
			if err := check(n.Children, n.StartPage, n.EndPage); err != nil {
				return err
			}
		}
		return nil
	}

	if err := check(idx.Roots, 1, idx.TotalPages); err != nil {
		return err
	}
	if len(reached) != len(idx.Nodes) {
		return eris.Errorf("model: %d nodes unreachable from roots", len(idx.Nodes)-len(reached))
	}
	return nil
}
