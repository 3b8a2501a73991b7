package model

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Tier controls how a question is answered: tier 1 in shared batches, tiers 2
// and 3 individually with step-by-step reasoning.
type Tier int

const (
	TierLookup    Tier = 1
	TierCrossRef  Tier = 2
	TierReasoning Tier = 3
)

// Expected answer shapes that change how a question is phrased to the model.
const (
	ExpectedText              = "text"
	ExpectedBooleanWithDetail = "boolean_with_detail"
	ExpectedList              = "list"
	ExpectedDate              = "date"
	ExpectedNumber            = "number"
)

// ExtractionQuestion is a typed question asked of every document in a run.
type ExtractionQuestion struct {
	QuestionID   string `json:"question_id" yaml:"question_id"`
	Category     string `json:"category" yaml:"category"`
	Text         string `json:"text" yaml:"text"`
	Tier         Tier   `json:"tier" yaml:"tier"`
	ExpectedType string `json:"expected_type,omitempty" yaml:"expected_type"`
}

// Catalog is the question file format: questions plus optional category text.
type Catalog struct {
	Categories map[string]string    `json:"categories,omitempty" yaml:"categories"`
	Questions  []ExtractionQuestion `json:"questions" yaml:"questions"`
}

// LoadCatalog reads a YAML or JSON question catalog.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "model: read catalog %s", path)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrapf(err, "model: parse catalog %s", path)
	}
	if err := ValidateQuestions(c.Questions); err != nil {
		return nil, err
	}
	return &c, nil
}

// ValidateQuestions enforces unique ids, a category and a known tier.
func ValidateQuestions(questions []ExtractionQuestion) error {
	seen := make(map[string]bool, len(questions))
	for _, q := range questions {
		if q.QuestionID == "" {
			return eris.New("model: question without id")
		}
		if seen[q.QuestionID] {
			return eris.Errorf("model: duplicate question id %s", q.QuestionID)
		}
		seen[q.QuestionID] = true
		if q.Category == "" {
			return eris.Errorf("model: question %s has no category", q.QuestionID)
		}
		if q.Tier < TierLookup || q.Tier > TierReasoning {
			return eris.Errorf("model: question %s has tier %d", q.QuestionID, q.Tier)
		}
	}
	return nil
}

// GroupByCategory buckets questions by category, preserving input order within
// each bucket, and returns the category names sorted.
func GroupByCategory(questions []ExtractionQuestion) (map[string][]ExtractionQuestion, []string) {
	groups := make(map[string][]ExtractionQuestion)
	for _, q := range questions {
		groups[q.Category] = append(groups[q.Category], q)
	}
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return groups, names
}
