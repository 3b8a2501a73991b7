package model

import (
	"sort"
	"time"
)

// RunStatus represents the current state of an extraction run.
type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusIndexing   RunStatus = "indexing"
	RunStatusRetrieving RunStatus = "retrieving"
	RunStatusExtracting RunStatus = "extracting"
	RunStatusComplete   RunStatus = "complete"
	RunStatusFailed     RunStatus = "failed"
)

// Run is a tracked pipeline execution for one document.
type Run struct {
	ID        string     `json:"id"`
	DocID     string     `json:"doc_id"`
	DocName   string     `json:"doc_name"`
	Status    RunStatus  `json:"status"`
	Report    *RunReport `json:"report,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// PhaseStatus represents the state of a pipeline phase.
type PhaseStatus string

const (
	PhaseStatusRunning  PhaseStatus = "running"
	PhaseStatusComplete PhaseStatus = "complete"
	PhaseStatusFailed   PhaseStatus = "failed"
	PhaseStatusSkipped  PhaseStatus = "skipped"
)

// RunPhase is a stored phase record.
type RunPhase struct {
	ID        string       `json:"id"`
	RunID     string       `json:"run_id"`
	Name      string       `json:"name"`
	Status    PhaseStatus  `json:"status"`
	Result    *PhaseResult `json:"result,omitempty"`
	StartedAt time.Time    `json:"started_at"`
}

// PhaseResult holds the outcome of a pipeline phase.
type PhaseResult struct {
	Name     string         `json:"name"`
	Status   PhaseStatus    `json:"status"`
	Duration int64          `json:"duration_ms"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TokenUsage tracks token consumption across inference calls.
type TokenUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CacheWriteTokens int     `json:"cache_write_tokens"`
	CacheReadTokens  int     `json:"cache_read_tokens"`
	Calls            int     `json:"calls"`
	Cost             float64 `json:"cost_usd"`
}

// Add merges token usage from another instance.
func (t *TokenUsage) Add(other TokenUsage) {
	t.PromptTokens += other.PromptTokens
	t.CompletionTokens += other.CompletionTokens
	t.CacheWriteTokens += other.CacheWriteTokens
	t.CacheReadTokens += other.CacheReadTokens
	t.Calls += other.Calls
	t.Cost += other.Cost
}

// Kinds of degraded units recorded in a manifest.
const (
	DegradedRetrieval  = "retrieval"
	DegradedExtraction = "extraction"
	DegradedCache      = "cache"
)

// DegradedUnit records a unit of work whose result is missing or reduced.
type DegradedUnit struct {
	Kind        string   `json:"kind"`
	Category    string   `json:"category,omitempty"`
	QuestionIDs []string `json:"question_ids,omitempty"`
	Reason      string   `json:"reason"`
}

// RunReport is the result set of an extraction run plus its manifest of gaps.
type RunReport struct {
	DocID    string             `json:"doc_id"`
	RunID    string             `json:"run_id,omitempty"`
	Results  []ExtractionResult `json:"results"`
	Manifest []DegradedUnit     `json:"manifest"`
	Usage    TokenUsage         `json:"usage"`
	Resumed  bool               `json:"resumed,omitempty"`
}

// SortResults orders results by question id.
func (r *RunReport) SortResults() {
	sort.Slice(r.Results, func(i, j int) bool { return r.Results[i].QuestionID < r.Results[j].QuestionID })
}
