package resilience

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// DeadLetter records a unit of inference work that failed for good. The
// prompt is kept so the unit can be replayed offline.
type DeadLetter struct {
	ID          string    `json:"id"`
	DocID       string    `json:"doc_id"`
	Stage       string    `json:"stage"`
	Units       []string  `json:"units,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`
	Model       string    `json:"model,omitempty"`
	InputDigest string    `json:"input_digest,omitempty"`
	Prompt      string    `json:"prompt,omitempty"`
	Error       string    `json:"error"`
	ErrorType   string    `json:"error_type"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"created_at"`
}

// DeadLetterFilter narrows a dead-letter listing. Empty fields match all.
type DeadLetterFilter struct {
	DocID string
	Stage string
	Limit int
}

// DeadLetterSink stores dead letters durably.
type DeadLetterSink interface {
	Record(ctx context.Context, dl DeadLetter) error
	List(ctx context.Context, filter DeadLetterFilter) ([]DeadLetter, error)
}

// Blobs is the key/value storage contract used for dead letters and
// checkpoints. store.Backend implementations satisfy it.
type Blobs interface {
	Save(ctx context.Context, key string, data []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

const deadLetterPrefix = "_dead_letter/"

// Digest fingerprints prompt input for dead-letter deduplication.
func Digest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}

// Prepare fills the id, timestamp and digest of a dead letter.
func (dl *DeadLetter) Prepare(now time.Time) {
	if dl.ID == "" {
		dl.ID = uuid.New().String()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = now.UTC()
	}
	if dl.InputDigest == "" && dl.Prompt != "" {
		dl.InputDigest = Digest(dl.Prompt)
	}
}

// StorageSink writes dead letters to blob storage under
// _dead_letter/<doc_id>/<stage>/<unix_ms>-<id>.
type StorageSink struct {
	blobs   Blobs
	nowFunc func() time.Time
}

// NewStorageSink returns a sink over blobs.
func NewStorageSink(blobs Blobs) *StorageSink {
	return &StorageSink{blobs: blobs, nowFunc: time.Now}
}

func (s *StorageSink) Record(ctx context.Context, dl DeadLetter) error {
	dl.Prepare(s.nowFunc())
	data, err := json.Marshal(dl)
	if err != nil {
		return eris.Wrap(err, "resilience: marshal dead letter")
	}
	key := fmt.Sprintf("%s%s/%s/%d-%s", deadLetterPrefix, segment(dl.DocID), segment(dl.Stage), dl.CreatedAt.UnixMilli(), dl.ID)
	return eris.Wrapf(s.blobs.Save(ctx, key, data), "resilience: save dead letter %s", dl.ID)
}

// List returns dead letters oldest first.
func (s *StorageSink) List(ctx context.Context, filter DeadLetterFilter) ([]DeadLetter, error) {
	prefix := deadLetterPrefix
	if filter.DocID != "" {
		prefix += segment(filter.DocID) + "/"
		if filter.Stage != "" {
			prefix += segment(filter.Stage) + "/"
		}
	}
	keys, err := s.blobs.ListKeys(ctx, prefix)
	if err != nil {
		return nil, eris.Wrap(err, "resilience: list dead letters")
	}

	var out []DeadLetter
	for _, key := range keys {
		data, err := s.blobs.Load(ctx, key)
		if err != nil {
			return nil, eris.Wrapf(err, "resilience: load dead letter %s", key)
		}
		var dl DeadLetter
		if err := json.Unmarshal(data, &dl); err != nil {
			return nil, eris.Wrapf(err, "resilience: decode dead letter %s", key)
		}
		if filter.Stage != "" && dl.Stage != filter.Stage {
			continue
		}
		out = append(out, dl)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func segment(s string) string {
	if s == "" {
		return "_"
	}
	return strings.ReplaceAll(s, "/", "_")
}
