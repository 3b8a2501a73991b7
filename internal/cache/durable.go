package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/pageindex/internal/store"
)

const durablePrefix = "_cache/"

// durableEnvelope is the stored form of a cache entry.
type durableEnvelope struct {
	Value      []byte    `json:"value"`
	CreatedAt  time.Time `json:"created_at"`
	TTLSeconds float64   `json:"ttl_seconds"`
}

func (e durableEnvelope) envelope() envelope {
	return envelope{
		Value:      e.Value,
		InsertedAt: e.CreatedAt,
		TTL:        time.Duration(e.TTLSeconds * float64(time.Second)),
	}
}

// Durable is a cache tier over a storage backend. Expired entries are deleted
// when read.
type Durable struct {
	backend store.Backend
	nowFunc func() time.Time
}

// NewDurable returns a cache storing entries under _cache/ in backend.
func NewDurable(backend store.Backend) *Durable {
	return &Durable{backend: backend, nowFunc: time.Now}
}

func durableKey(key string) string {
	return durablePrefix + key
}

func (d *Durable) lookup(ctx context.Context, key string) (envelope, bool, error) {
	data, err := d.backend.Load(ctx, durableKey(key))
	if errors.Is(err, store.ErrNotFound) {
		return envelope{}, false, nil
	}
	if err != nil {
		return envelope{}, false, &BackendError{Op: "load", Err: err}
	}

	var de durableEnvelope
	if err := json.Unmarshal(data, &de); err != nil {
		return envelope{}, false, &BackendError{Op: "decode", Err: err}
	}
	env := de.envelope()
	if env.expired(d.nowFunc()) {
		if err := d.backend.Delete(ctx, durableKey(key)); err != nil {
			zap.L().Debug("cache: delete expired entry", zap.String("key", key), zap.Error(err))
		}
		return envelope{}, false, nil
	}
	return env, true, nil
}

// Get implements Cache.
func (d *Durable) Get(ctx context.Context, key string) ([]byte, bool, error) {
	env, ok, err := d.lookup(ctx, key)
	return env.Value, ok, err
}

// Put implements Cache.
func (d *Durable) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	data, err := json.Marshal(durableEnvelope{
		Value:      value,
		CreatedAt:  d.nowFunc().UTC(),
		TTLSeconds: ttl.Seconds(),
	})
	if err != nil {
		return &BackendError{Op: "encode", Err: err}
	}
	if err := d.backend.Save(ctx, durableKey(key), data); err != nil {
		return &BackendError{Op: "save", Err: err}
	}
	return nil
}

// Invalidate implements Cache.
func (d *Durable) Invalidate(ctx context.Context, key string) error {
	if err := d.backend.Delete(ctx, durableKey(key)); err != nil {
		return &BackendError{Op: "delete", Err: err}
	}
	return nil
}

// Clear deletes every entry under the cache prefix.
func (d *Durable) Clear(ctx context.Context) error {
	keys, err := d.backend.ListKeys(ctx, durablePrefix)
	if err != nil {
		return &BackendError{Op: "list", Err: err}
	}
	for _, k := range keys {
		if err := d.backend.Delete(ctx, k); err != nil {
			return &BackendError{Op: "delete", Err: err}
		}
	}
	return nil
}
