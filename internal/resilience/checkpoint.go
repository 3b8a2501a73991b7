package resilience

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const checkpointPrefix = "_checkpoints/"

type checkpoint struct {
	Step    string          `json:"step"`
	SavedAt time.Time       `json:"saved_at"`
	Data    json.RawMessage `json:"data"`
}

// Checkpointer persists pipeline progress keyed by (doc_id, step) under
// _checkpoints/<doc_id>/<step>. Steps may contain "/".
type Checkpointer struct {
	blobs   Blobs
	nowFunc func() time.Time
}

// NewCheckpointer returns a checkpointer over blobs.
func NewCheckpointer(blobs Blobs) *Checkpointer {
	return &Checkpointer{blobs: blobs, nowFunc: time.Now}
}

func checkpointKey(docID, step string) string {
	return checkpointPrefix + segment(docID) + "/" + step
}

// Save stores v as the state of step, replacing any earlier save.
func (c *Checkpointer) Save(ctx context.Context, docID, step string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "resilience: marshal checkpoint %s/%s", docID, step)
	}
	blob, err := json.Marshal(checkpoint{Step: step, SavedAt: c.nowFunc().UTC(), Data: data})
	if err != nil {
		return eris.Wrapf(err, "resilience: marshal checkpoint %s/%s", docID, step)
	}
	return eris.Wrapf(c.blobs.Save(ctx, checkpointKey(docID, step), blob), "resilience: save checkpoint %s/%s", docID, step)
}

// Load decodes the state of step into v. It reports false when no checkpoint exists.
func (c *Checkpointer) Load(ctx context.Context, docID, step string, v any) (bool, error) {
	key := checkpointKey(docID, step)
	ok, err := c.blobs.Exists(ctx, key)
	if err != nil {
		return false, eris.Wrapf(err, "resilience: check checkpoint %s/%s", docID, step)
	}
	if !ok {
		return false, nil
	}
	blob, err := c.blobs.Load(ctx, key)
	if err != nil {
		return false, eris.Wrapf(err, "resilience: load checkpoint %s/%s", docID, step)
	}
	var cp checkpoint
	if err := json.Unmarshal(blob, &cp); err != nil {
		return false, eris.Wrapf(err, "resilience: decode checkpoint %s/%s", docID, step)
	}
	if err := json.Unmarshal(cp.Data, v); err != nil {
		return false, eris.Wrapf(err, "resilience: decode checkpoint data %s/%s", docID, step)
	}
	return true, nil
}

// Steps lists the saved steps of a document, sorted.
func (c *Checkpointer) Steps(ctx context.Context, docID string) ([]string, error) {
	prefix := checkpointPrefix + segment(docID) + "/"
	keys, err := c.blobs.ListKeys(ctx, prefix)
	if err != nil {
		return nil, eris.Wrapf(err, "resilience: list checkpoints %s", docID)
	}
	steps := make([]string, 0, len(keys))
	for _, k := range keys {
		steps = append(steps, strings.TrimPrefix(k, prefix))
	}
	sort.Strings(steps)
	return steps, nil
}

// Clear deletes every checkpoint of a document.
func (c *Checkpointer) Clear(ctx context.Context, docID string) error {
	steps, err := c.Steps(ctx, docID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if err := c.blobs.Delete(ctx, checkpointKey(docID, step)); err != nil {
			return eris.Wrapf(err, "resilience: delete checkpoint %s/%s", docID, step)
		}
	}
	return nil
}
