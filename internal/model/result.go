package model

import "strings"

// NotFound is the terminal answer for a question the context cannot answer.
const NotFound = "not found"

// RetrievedNode is a tree node selected for a category, with the model's reason.
type RetrievedNode struct {
	DocID       string `json:"doc_id,omitempty"`
	NodeID      string `json:"node_id"`
	Title       string `json:"title,omitempty"`
	SectionPath string `json:"section_path,omitempty"`
	StartPage   int    `json:"start_page"`
	EndPage     int    `json:"end_page"`
	Reasoning   string `json:"reasoning,omitempty"`
}

// BatchRetrievalResult holds the nodes selected for one category.
type BatchRetrievalResult struct {
	Category  string          `json:"category"`
	Nodes     []RetrievedNode `json:"nodes"`
	Reasoning string          `json:"reasoning,omitempty"`
	// Fallback is set when no selected id was valid and an ancestor section was used instead.
	Fallback string `json:"fallback,omitempty"`
}

// Citation points an answer at a page and verbatim quote.
type Citation struct {
	Page         int    `json:"page"`
	SectionTitle string `json:"section_title,omitempty"`
	SectionType  string `json:"section_type,omitempty"`
	Quote        string `json:"quote"`
}

// ExtractionResult is a typed, cited answer to one question.
type ExtractionResult struct {
	QuestionID string     `json:"question_id"`
	Answer     string     `json:"answer"`
	Confidence float64    `json:"confidence"`
	Citations  []Citation `json:"citations"`
	TierUsed   Tier       `json:"tier_used"`
	Reasoning  string     `json:"reasoning,omitempty"`
}

// IsNotFoundAnswer reports whether an answer is the not-found sentinel in any casing.
func IsNotFoundAnswer(answer string) bool {
	a := strings.ToLower(strings.TrimSpace(answer))
	a = strings.TrimRight(a, ".")
	return a == "" || a == NotFound || a == "n/a"
}

// NotFoundResult builds the not-found result for a question.
func NotFoundResult(q ExtractionQuestion) ExtractionResult {
	return ExtractionResult{
		QuestionID: q.QuestionID,
		Answer:     NotFound,
		Confidence: 0,
		Citations:  []Citation{},
		TierUsed:   q.Tier,
	}
}
