// Package store implements durable storage for indexes, cache entries,
// checkpoints and dead letters, plus run tracking.
package store

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pageindex/internal/model"
)

// ErrNotFound is returned by Load for a missing key.
var ErrNotFound = eris.New("store: not found")

// Backend is the durable key/value contract. Keys are slash-separated paths.
type Backend interface {
	Save(ctx context.Context, key string, data []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	DocID  string          `json:"doc_id,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// RunStore records pipeline runs and their phases.
type RunStore interface {
	CreateRun(ctx context.Context, docID, docName string) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	CompleteRun(ctx context.Context, runID string, report *model.RunReport) error
	FailRun(ctx context.Context, runID string, reason string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	CreatePhase(ctx context.Context, runID string, name string) (*model.RunPhase, error)
	CompletePhase(ctx context.Context, phaseID string, result *model.PhaseResult) error
}

// IndexKey is where a document's index is persisted.
func IndexKey(docID string) string {
	return "indexes/" + docID + ".json"
}

// ValidateKey rejects empty keys and keys that would escape a backend root.
func ValidateKey(key string) error {
	if key == "" {
		return eris.New("store: empty key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return eris.Errorf("store: invalid key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return eris.Errorf("store: invalid key %q", key)
		}
	}
	return nil
}

func notFound(key string) error {
	return eris.Wrapf(ErrNotFound, "store: load %s", key)
}

func defaultLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
