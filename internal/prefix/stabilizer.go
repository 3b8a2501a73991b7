// Package prefix orders retrieved content and serializes JSON deterministically
// so identical retrieval sets render byte-identical prompt prefixes.
package prefix

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pageindex/internal/model"
)

// Strategy names an ordering over retrieved nodes.
type Strategy string

const (
	// ByPageNumber orders by (start page, node id).
	ByPageNumber Strategy = "page_number"
	// BySectionPath orders by (section path, start page).
	BySectionPath Strategy = "section_path"
	// ByDocIDPage orders by (doc id, start page).
	ByDocIDPage Strategy = "doc_id_page"
)

// Strategies lists the supported strategies.
func Strategies() []Strategy {
	return []Strategy{ByPageNumber, BySectionPath, ByDocIDPage}
}

// Stabilizer sorts retrieved nodes with a fixed strategy.
type Stabilizer struct {
	strategy Strategy
	less     func(a, b model.RetrievedNode) bool
}

// New returns a Stabilizer for strategy.
func New(strategy Strategy) (*Stabilizer, error) {
	var less func(a, b model.RetrievedNode) bool
	switch strategy {
	case ByPageNumber, "":
		strategy = ByPageNumber
		less = func(a, b model.RetrievedNode) bool {
			if a.StartPage != b.StartPage {
				return a.StartPage < b.StartPage
			}
			return a.NodeID < b.NodeID
		}
	case BySectionPath:
		less = func(a, b model.RetrievedNode) bool {
			if a.SectionPath != b.SectionPath {
				return a.SectionPath < b.SectionPath
			}
			if a.StartPage != b.StartPage {
				return a.StartPage < b.StartPage
			}
			return a.NodeID < b.NodeID
		}
	case ByDocIDPage:
		less = func(a, b model.RetrievedNode) bool {
			if a.DocID != b.DocID {
				return a.DocID < b.DocID
			}
			if a.StartPage != b.StartPage {
				return a.StartPage < b.StartPage
			}
			return a.NodeID < b.NodeID
		}
	default:
		return nil, eris.Errorf("prefix: unknown sort strategy %q", strategy)
	}
	return &Stabilizer{strategy: strategy, less: less}, nil
}

// Strategy returns the configured strategy.
func (s *Stabilizer) Strategy() Strategy {
	return s.strategy
}

// Stabilize returns a sorted copy of nodes. The input is not modified.
func (s *Stabilizer) Stabilize(nodes []model.RetrievedNode) []model.RetrievedNode {
	out := make([]model.RetrievedNode, len(nodes))
	copy(out, nodes)
	sort.SliceStable(out, func(i, j int) bool { return s.less(out[i], out[j]) })
	return out
}

// StableJSON serializes v with sorted object keys, no insignificant whitespace
// and no HTML escaping.
func StableJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "prefix: marshal")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, eris.Wrap(err, "prefix: normalize")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, eris.Wrap(err, "prefix: encode")
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
