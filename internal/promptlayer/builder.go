// Package promptlayer splits a request into stability-ordered layers and
// places provider cache breakpoints at the most valuable boundaries.
package promptlayer

import (
	"sort"

	"github.com/sells-group/pageindex/internal/inference"
)

// LayerType orders layers from most to least stable.
type LayerType string

const (
	LayerSystem   LayerType = "system"
	LayerTools    LayerType = "tools"
	LayerDocument LayerType = "document"
	LayerQuery    LayerType = "query"
)

var priority = map[LayerType]int{
	LayerSystem:   0,
	LayerTools:    1,
	LayerDocument: 2,
	LayerQuery:    3,
}

// DefaultMaxBreakpoints is the Anthropic per-request limit.
const DefaultMaxBreakpoints = 4

// Layer is one segment of a prompt.
type Layer struct {
	Type       LayerType
	Text       string
	Breakpoint bool
}

// Input holds the prompt components. Empty components produce no layer,
// except the query which is always present.
type Input struct {
	System   string
	Tools    string
	Document string
	Query    string
}

// Builder assembles layered prompts.
type Builder struct {
	MaxBreakpoints int
}

// New returns a Builder allowing up to maxBreakpoints cache breakpoints.
func New(maxBreakpoints int) *Builder {
	if maxBreakpoints < 0 {
		maxBreakpoints = 0
	}
	return &Builder{MaxBreakpoints: maxBreakpoints}
}

// Layers returns the ordered layers with breakpoints assigned.
func (b *Builder) Layers(in Input) []Layer {
	var layers []Layer
	if in.System != "" {
		layers = append(layers, Layer{Type: LayerSystem, Text: in.System})
	}
	if in.Tools != "" {
		layers = append(layers, Layer{Type: LayerTools, Text: in.Tools})
	}
	if in.Document != "" {
		layers = append(layers, Layer{Type: LayerDocument, Text: in.Document})
	}
	layers = append(layers, Layer{Type: LayerQuery, Text: in.Query})
	AssignBreakpoints(layers, b.MaxBreakpoints)
	return layers
}

// Messages renders the layers as one system message, whose parts carry the
// breakpoints, followed by the user query.
func (b *Builder) Messages(in Input) []inference.Message {
	layers := b.Layers(in)
	var system inference.Message
	system.Role = inference.RoleSystem
	var query string
	for _, l := range layers {
		if l.Type == LayerQuery {
			query = l.Text
			continue
		}
		system.Parts = append(system.Parts, inference.Part{Text: l.Text, Cache: l.Breakpoint})
	}

	msgs := make([]inference.Message, 0, 2)
	if len(system.Parts) > 0 {
		msgs = append(msgs, system)
	}
	return append(msgs, inference.Text(inference.RoleUser, query))
}

// AssignBreakpoints marks up to max non-query layers, preferring system over
// tools over document. Existing flags are cleared first.
func AssignBreakpoints(layers []Layer, max int) {
	candidates := make([]int, 0, len(layers))
	for i := range layers {
		layers[i].Breakpoint = false
		if layers[i].Type != LayerQuery {
			candidates = append(candidates, i)
		}
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return priority[layers[candidates[a]].Type] < priority[layers[candidates[b]].Type]
	})
	if max < len(candidates) {
		candidates = candidates[:max]
	}
	for _, i := range candidates {
		layers[i].Breakpoint = true
	}
}
