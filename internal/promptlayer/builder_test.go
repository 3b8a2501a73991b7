package promptlayer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pageindex/internal/inference"
)

func breakpoints(layers []Layer) map[LayerType]bool {
	m := map[LayerType]bool{}
	for _, l := range layers {
		m[l.Type] = l.Breakpoint
	}
	return m
}

func TestLayers_Order(t *testing.T) {
	layers := New(4).Layers(Input{System: "sys", Tools: "tools", Document: "doc", Query: "q"})
	require.Len(t, layers, 4)
	assert.Equal(t, []LayerType{LayerSystem, LayerTools, LayerDocument, LayerQuery},
		[]LayerType{layers[0].Type, layers[1].Type, layers[2].Type, layers[3].Type})
}

func TestLayers_BreakpointPriority(t *testing.T) {
	in := Input{System: "sys", Tools: "tools", Document: "doc", Query: "q"}
	tests := []struct {
		max  int
		want map[LayerType]bool
	}{
		{4, map[LayerType]bool{LayerSystem: true, LayerTools: true, LayerDocument: true, LayerQuery: false}},
		{2, map[LayerType]bool{LayerSystem: true, LayerTools: true, LayerDocument: false, LayerQuery: false}},
		{1, map[LayerType]bool{LayerSystem: true, LayerTools: false, LayerDocument: false, LayerQuery: false}},
		{0, map[LayerType]bool{LayerSystem: false, LayerTools: false, LayerDocument: false, LayerQuery: false}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, breakpoints(New(tt.max).Layers(in)), "max=%d", tt.max)
	}
}

func TestLayers_QueryNeverCached(t *testing.T) {
	layers := New(10).Layers(Input{Query: "only the query"})
	require.Len(t, layers, 1)
	assert.False(t, layers[0].Breakpoint)
}

func TestMessages(t *testing.T) {
	msgs := New(1).Messages(Input{System: "sys", Document: "doc", Query: "what?"})
	require.Len(t, msgs, 2)

	assert.Equal(t, inference.RoleSystem, msgs[0].Role)
	assert.Equal(t, []inference.Part{{Text: "sys", Cache: true}, {Text: "doc", Cache: false}}, msgs[0].Parts)
	assert.Equal(t, inference.RoleUser, msgs[1].Role)
	assert.Equal(t, "what?", msgs[1].Content())
}

func TestMessages_NoSystem(t *testing.T) {
	msgs := New(4).Messages(Input{Query: "q"})
	require.Len(t, msgs, 1)
	assert.Equal(t, inference.RoleUser, msgs[0].Role)
}
