package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/pageindex/internal/model"
)

// BlobRuns keeps run records as JSON documents in a Backend, for drivers
// without tables.
type BlobRuns struct {
	backend Backend
	mu      sync.Mutex // serialises read-modify-write of one record
}

// NewBlobRuns returns run tracking over backend.
func NewBlobRuns(backend Backend) *BlobRuns {
	return &BlobRuns{backend: backend}
}

func runKey(id string) string   { return "_runs/" + id + ".json" }
func phaseKey(id string) string { return "_phases/" + id + ".json" }

func (b *BlobRuns) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "store: marshal %s", key)
	}
	return b.backend.Save(ctx, key, data)
}

func (b *BlobRuns) get(ctx context.Context, key string, v any) error {
	data, err := b.backend.Load(ctx, key)
	if err != nil {
		return err
	}
	return eris.Wrapf(json.Unmarshal(data, v), "store: decode %s", key)
}

func (b *BlobRuns) CreateRun(ctx context.Context, docID, docName string) (*model.Run, error) {
	now := time.Now().UTC()
	r := &model.Run{
		ID:        uuid.New().String(),
		DocID:     docID,
		DocName:   docName,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := b.put(ctx, runKey(r.ID), r); err != nil {
		return nil, eris.Wrap(err, "store: create run")
	}
	return r, nil
}

func (b *BlobRuns) update(ctx context.Context, runID string, fn func(r *model.Run)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var r model.Run
	if err := b.get(ctx, runKey(runID), &r); err != nil {
		if errors.Is(err, ErrNotFound) {
			return eris.Errorf("run not found: %s", runID)
		}
		return err
	}
	fn(&r)
	r.UpdatedAt = time.Now().UTC()
	return b.put(ctx, runKey(runID), &r)
}

func (b *BlobRuns) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	return b.update(ctx, runID, func(r *model.Run) { r.Status = status })
}

func (b *BlobRuns) CompleteRun(ctx context.Context, runID string, report *model.RunReport) error {
	return b.update(ctx, runID, func(r *model.Run) {
		r.Status = model.RunStatusComplete
		r.Report = report
	})
}

func (b *BlobRuns) FailRun(ctx context.Context, runID string, reason string) error {
	return b.update(ctx, runID, func(r *model.Run) {
		r.Status = model.RunStatusFailed
		r.Error = reason
	})
}

func (b *BlobRuns) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var r model.Run
	if err := b.get(ctx, runKey(runID), &r); err != nil {
		return nil, eris.Wrapf(err, "store: get run %s", runID)
	}
	return &r, nil
}

func (b *BlobRuns) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	keys, err := b.backend.ListKeys(ctx, "_runs/")
	if err != nil {
		return nil, eris.Wrap(err, "store: list runs")
	}
	var runs []model.Run
	for _, k := range keys {
		var r model.Run
		if err := b.get(ctx, k, &r); err != nil {
			return nil, err
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.DocID != "" && r.DocID != filter.DocID {
			continue
		}
		runs = append(runs, r)
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(runs) {
			return nil, nil
		}
		runs = runs[filter.Offset:]
	}
	if limit := defaultLimit(filter.Limit); len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (b *BlobRuns) CreatePhase(ctx context.Context, runID string, name string) (*model.RunPhase, error) {
	p := &model.RunPhase{
		ID:        uuid.New().String(),
		RunID:     runID,
		Name:      name,
		Status:    model.PhaseStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := b.put(ctx, phaseKey(p.ID), p); err != nil {
		return nil, eris.Wrapf(err, "store: create phase for run %s", runID)
	}
	return p, nil
}

func (b *BlobRuns) CompletePhase(ctx context.Context, phaseID string, result *model.PhaseResult) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var p model.RunPhase
	if err := b.get(ctx, phaseKey(phaseID), &p); err != nil {
		if errors.Is(err, ErrNotFound) {
			return eris.Errorf("phase not found: %s", phaseID)
		}
		return err
	}
	p.Status = result.Status
	p.Result = result
	return b.put(ctx, phaseKey(phaseID), &p)
}
