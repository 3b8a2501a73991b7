package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/pageindex/internal/model"
	"github.com/sells-group/pageindex/internal/store"
)

// Phase names recorded with run tracking.
const (
	phaseIndex          = "index"
	phaseRetrievePrefix = "retrieve:"
	phaseExtractPrefix  = "extract:"
)

// tracker records a run and its phases when a RunStore is configured. The
// zero value only logs.
type tracker struct {
	ctx   context.Context
	runs  store.RunStore
	runID string
	log   *zap.Logger
}

func (p *Pipeline) newTracker(ctx context.Context, docID, docName string) *tracker {
	t := &tracker{ctx: context.WithoutCancel(ctx), runs: p.runs, log: zap.L().With(zap.String("doc_id", docID))}
	if p.runs == nil {
		return t
	}
	run, err := p.runs.CreateRun(ctx, docID, docName)
	if err != nil {
		t.log.Warn("pipeline: failed to create run", zap.Error(err))
		t.runs = nil
		return t
	}
	t.runID = run.ID
	t.log = t.log.With(zap.String("run_id", run.ID))
	return t
}

func (t *tracker) logger() *zap.Logger {
	if t.log == nil {
		return zap.L()
	}
	return t.log
}

func (t *tracker) enabled() bool {
	return t.runs != nil && t.runID != ""
}

func (t *tracker) setStatus(status model.RunStatus) {
	if !t.enabled() {
		return
	}
	if err := t.runs.UpdateRunStatus(t.ctx, t.runID, status); err != nil {
		t.logger().Warn("pipeline: failed to update status", zap.Error(err))
	}
}

// phase runs fn and records its outcome. The error of fn is returned as is.
func (t *tracker) phase(name string, fn func() (map[string]any, error)) error {
	var rec *model.RunPhase
	if t.enabled() {
		var err error
		rec, err = t.runs.CreatePhase(t.ctx, t.runID, name)
		if err != nil {
			t.logger().Warn("pipeline: failed to create phase", zap.String("phase", name), zap.Error(err))
		}
	}

	start := time.Now()
	meta, fnErr := fn()
	duration := time.Since(start).Milliseconds()

	result := &model.PhaseResult{Name: name, Duration: duration, Metadata: meta}
	if fnErr != nil {
		result.Status = model.PhaseStatusFailed
		result.Error = fnErr.Error()
		t.logger().Error("pipeline: phase failed",
			zap.String("phase", name),
			zap.Int64("duration_ms", duration),
			zap.Error(fnErr),
		)
	} else {
		result.Status = model.PhaseStatusComplete
		t.logger().Info("pipeline: phase complete",
			zap.String("phase", name),
			zap.Int64("duration_ms", duration),
		)
	}

	if rec != nil {
		if err := t.runs.CompletePhase(t.ctx, rec.ID, result); err != nil {
			t.logger().Warn("pipeline: failed to complete phase", zap.String("phase", name), zap.Error(err))
		}
	}
	return fnErr
}

// skipPhase records a phase satisfied by a checkpoint.
func (t *tracker) skipPhase(name string, meta map[string]any) {
	t.logger().Info("pipeline: phase skipped", zap.String("phase", name))
	if !t.enabled() {
		return
	}
	rec, err := t.runs.CreatePhase(t.ctx, t.runID, name)
	if err != nil {
		t.logger().Warn("pipeline: failed to create phase", zap.String("phase", name), zap.Error(err))
		return
	}
	result := &model.PhaseResult{Name: name, Status: model.PhaseStatusSkipped, Metadata: meta}
	if err := t.runs.CompletePhase(t.ctx, rec.ID, result); err != nil {
		t.logger().Warn("pipeline: failed to complete phase", zap.String("phase", name), zap.Error(err))
	}
}

func (t *tracker) fail(err error) {
	if !t.enabled() {
		return
	}
	if ferr := t.runs.FailRun(t.ctx, t.runID, err.Error()); ferr != nil {
		t.logger().Warn("pipeline: failed to record run failure", zap.Error(ferr))
	}
}

func (t *tracker) complete(report *model.RunReport) {
	if !t.enabled() {
		return
	}
	report.RunID = t.runID
	if err := t.runs.CompleteRun(t.ctx, t.runID, report); err != nil {
		t.logger().Warn("pipeline: failed to complete run", zap.Error(err))
	}
}
