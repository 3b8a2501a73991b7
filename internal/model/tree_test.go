package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleIndex() *DocumentIndex {
	return &DocumentIndex{
		DocID:      "doc-1",
		TotalPages: 10,
		Roots:      []string{"0000", "0003"},
		Nodes: map[string]*TreeNode{
			"0000": {ID: "0000", Title: "Intro", StartPage: 1, EndPage: 4, Children: []string{"0001", "0002"}},
			"0001": {ID: "0001", Title: "Background", Level: 1, StartPage: 1, EndPage: 2},
			"0002": {ID: "0002", Title: "Scope", Level: 1, StartPage: 3, EndPage: 4},
			"0003": {ID: "0003", Title: "Findings", StartPage: 5, EndPage: 10},
		},
		Pages: []PageContent{
			{PageNumber: 1, Text: "one"},
			{PageNumber: 2, Text: "two"},
			{PageNumber: 3, Text: "three"},
		},
	}
}

func TestDocumentIndex_DepthFirst(t *testing.T) {
	idx := sampleIndex()
	var ids []string
	for _, n := range idx.DepthFirst() {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"0000", "0001", "0002", "0003"}, ids)
}

func TestDocumentIndex_Validate(t *testing.T) {
	t.Run("valid tree", func(t *testing.T) {
		require.NoError(t, sampleIndex().Validate())
	})

	t.Run("overlapping siblings", func(t *testing.T) {
		idx := sampleIndex()
		idx.Nodes["0002"].StartPage = 2
		assert.ErrorContains(t, idx.Validate(), "overlaps")
	})

	t.Run("child outside parent", func(t *testing.T) {
		idx := sampleIndex()
		idx.Nodes["0002"].EndPage = 6
		assert.ErrorContains(t, idx.Validate(), "outside")
	})

	t.Run("unreachable node", func(t *testing.T) {
		idx := sampleIndex()
		idx.Nodes["0009"] = &TreeNode{ID: "0009", StartPage: 1, EndPage: 1}
		assert.ErrorContains(t, idx.Validate(), "unreachable")
	})

	t.Run("inverted range", func(t *testing.T) {
		idx := sampleIndex()
		idx.Nodes["0003"].StartPage = 11
		assert.Error(t, idx.Validate())
	})
}

func TestDocumentIndex_StructuralHash(t *testing.T) {
	a := sampleIndex()
	b := sampleIndex()
	assert.Equal(t, a.StructuralHash(), b.StructuralHash())

	b.Nodes["0003"].EndPage = 9
	assert.NotEqual(t, a.StructuralHash(), b.StructuralHash())

	// Summaries are enrichment, not structure.
	c := sampleIndex()
	c.Nodes["0001"].Summary = "changed"
	assert.Equal(t, a.StructuralHash(), c.StructuralHash())
}

func TestDocumentIndex_DeepestAt(t *testing.T) {
	idx := sampleIndex()
	assert.Equal(t, "0002", idx.DeepestAt(3).ID)
	assert.Equal(t, "0003", idx.DeepestAt(7).ID)
	assert.Nil(t, idx.DeepestAt(42))
}

func TestDocumentIndex_ParentsAndPaths(t *testing.T) {
	idx := sampleIndex()
	parents := idx.Parents()
	assert.Equal(t, "0000", parents["0001"])
	_, isChild := parents["0003"]
	assert.False(t, isChild)

	paths := idx.SectionPaths()
	assert.Equal(t, "001", paths["0000"])
	assert.Equal(t, "001.002", paths["0002"])
	assert.Equal(t, "002", paths["0003"])
}

func TestDocumentIndex_PageText(t *testing.T) {
	idx := sampleIndex()
	assert.Equal(t, "two\nthree", idx.PageText(2, 3))
	assert.Equal(t, "", idx.PageText(8, 9))
}
