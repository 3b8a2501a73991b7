package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pageindex/internal/model"
	"github.com/sells-group/pageindex/internal/resilience"
	"github.com/sells-group/pageindex/internal/store"
)

// MetricsSnapshot holds a point-in-time view of extraction health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsActive   int     `json:"runs_active"`
	RunFailRate  float64 `json:"run_fail_rate"`
	CostUSD      float64 `json:"cost_usd"`
	AvgCalls     int     `json:"avg_calls"`

	// Question coverage of completed runs.
	Questions         int     `json:"questions"`
	DegradedQuestions int     `json:"degraded_questions"`
	DegradedRate      float64 `json:"degraded_rate"`

	// Dead letters recorded within the window.
	DeadLetters int `json:"dead_letters"`

	// Breakers currently open or probing.
	OpenBreakers []string `json:"open_breakers,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// maxScan bounds the runs and dead letters read per collection.
const maxScan = 10000

// Collector gathers metrics from run records, the dead-letter sink and the
// breaker registry. sink and breakers may be nil.
type Collector struct {
	runs     store.RunStore
	sink     resilience.DeadLetterSink
	breakers *resilience.Breakers
}

// NewCollector creates a new metrics collector.
func NewCollector(runs store.RunStore, sink resilience.DeadLetterSink, breakers *resilience.Breakers) *Collector {
	return &Collector{runs: runs, sink: sink, breakers: breakers}
}

// Collect gathers a snapshot of metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.runs.ListRuns(ctx, store.RunFilter{Limit: maxScan})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	var calls int
	for _, r := range runs {
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
		default:
			snap.RunsActive++
		}
		if r.Report == nil {
			continue
		}
		snap.CostUSD += r.Report.Usage.Cost
		calls += r.Report.Usage.Calls
		snap.Questions += len(r.Report.Results)
		snap.DegradedQuestions += degradedQuestions(r.Report)
	}

	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if snap.RunsTotal > 0 {
		snap.AvgCalls = calls / snap.RunsTotal
	}
	if snap.Questions > 0 {
		snap.DegradedRate = float64(snap.DegradedQuestions) / float64(snap.Questions)
	}

	if c.sink != nil {
		letters, err := c.sink.List(ctx, resilience.DeadLetterFilter{Limit: maxScan})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list dead letters")
		}
		for _, dl := range letters {
			if !dl.CreatedAt.Before(cutoff) {
				snap.DeadLetters++
			}
		}
	}

	if c.breakers != nil {
		for key, state := range c.breakers.States(ctx) {
			if state != resilience.CircuitClosed {
				snap.OpenBreakers = append(snap.OpenBreakers, key)
			}
		}
		sort.Strings(snap.OpenBreakers)
	}

	return snap, nil
}

// degradedQuestions counts the distinct questions a report's manifest names.
func degradedQuestions(r *model.RunReport) int {
	seen := make(map[string]bool)
	for _, u := range r.Manifest {
		for _, id := range u.QuestionIDs {
			seen[id] = true
		}
	}
	return len(seen)
}
