package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupByCategory(t *testing.T) {
	qs := []ExtractionQuestion{
		{QuestionID: "q1", Category: "medications", Tier: 1},
		{QuestionID: "q2", Category: "demographics", Tier: 1},
		{QuestionID: "q3", Category: "medications", Tier: 2},
	}
	groups, names := GroupByCategory(qs)
	assert.Equal(t, []string{"demographics", "medications"}, names)
	require.Len(t, groups["medications"], 2)
	assert.Equal(t, "q1", groups["medications"][0].QuestionID)
	assert.Equal(t, "q3", groups["medications"][1].QuestionID)
}

func TestValidateQuestions(t *testing.T) {
	tests := []struct {
		name    string
		qs      []ExtractionQuestion
		wantErr string
	}{
		{"ok", []ExtractionQuestion{{QuestionID: "a", Category: "c", Tier: 1}}, ""},
		{"missing id", []ExtractionQuestion{{Category: "c", Tier: 1}}, "without id"},
		{"duplicate", []ExtractionQuestion{{QuestionID: "a", Category: "c", Tier: 1}, {QuestionID: "a", Category: "c", Tier: 2}}, "duplicate"},
		{"no category", []ExtractionQuestion{{QuestionID: "a", Tier: 1}}, "no category"},
		{"bad tier", []ExtractionQuestion{{QuestionID: "a", Category: "c", Tier: 4}}, "tier"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateQuestions(tt.qs)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "questions.yaml")
	content := `
categories:
  medications: Current and past prescriptions
questions:
  - question_id: med-1
    category: medications
    text: What medications is the applicant taking?
    tier: 1
    expected_type: list
  - question_id: med-2
    category: medications
    text: Were any medications discontinued after an adverse event?
    tier: 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, c.Questions, 2)
	assert.Equal(t, TierReasoning, c.Questions[1].Tier)
	assert.Equal(t, ExpectedList, c.Questions[0].ExpectedType)
	assert.Equal(t, "Current and past prescriptions", c.Categories["medications"])
}

func TestLoadPages(t *testing.T) {
	dir := t.TempDir()

	t.Run("wrapped", func(t *testing.T) {
		path := filepath.Join(dir, "wrapped.yaml")
		content := "doc_id: d1\ndoc_name: Report\npages:\n  - page_number: 2\n    text: second\n  - page_number: 1\n    text: first\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		pf, err := LoadPages(path)
		require.NoError(t, err)
		assert.Equal(t, "d1", pf.DocID)
		assert.Equal(t, 1, pf.Pages[0].PageNumber)
	})

	t.Run("bare json list", func(t *testing.T) {
		path := filepath.Join(dir, "bare.json")
		content := `[{"page_number": 1, "text": "a"}, {"page_number": 2, "text": "b"}]`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		pf, err := LoadPages(path)
		require.NoError(t, err)
		assert.Len(t, pf.Pages, 2)
	})

	t.Run("duplicate page", func(t *testing.T) {
		path := filepath.Join(dir, "dup.json")
		content := `[{"page_number": 1, "text": "a"}, {"page_number": 1, "text": "b"}]`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		_, err := LoadPages(path)
		assert.ErrorContains(t, err, "duplicate")
	})
}

func TestIsNotFoundAnswer(t *testing.T) {
	for _, a := range []string{"not found", "Not found", "NOT FOUND.", " ", "N/A"} {
		assert.True(t, IsNotFoundAnswer(a), a)
	}
	assert.False(t, IsNotFoundAnswer("Lisinopril 10mg"))
}

func TestTokenUsageAdd(t *testing.T) {
	a := TokenUsage{PromptTokens: 100, CompletionTokens: 50, CacheWriteTokens: 10, CacheReadTokens: 20, Calls: 1, Cost: 0.01}
	a.Add(TokenUsage{PromptTokens: 200, CompletionTokens: 100, CacheWriteTokens: 5, CacheReadTokens: 30, Calls: 2, Cost: 0.02})
	assert.Equal(t, 300, a.PromptTokens)
	assert.Equal(t, 150, a.CompletionTokens)
	assert.Equal(t, 15, a.CacheWriteTokens)
	assert.Equal(t, 50, a.CacheReadTokens)
	assert.Equal(t, 3, a.Calls)
	assert.InDelta(t, 0.03, a.Cost, 0.0001)
}
