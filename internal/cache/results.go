package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/pageindex/internal/config"
	"github.com/sells-group/pageindex/internal/model"
	"github.com/sells-group/pageindex/internal/store"
)

// New builds the cache selected by cfg. It returns nil when caching is
// disabled; a nil *Results is a valid always-miss cache.
func New(cfg config.CacheConfig, backend store.Backend) *Results {
	if !cfg.Enabled {
		return nil
	}
	mem := NewMemory(cfg.MaxEntries)
	ttl := time.Duration(cfg.TTLSecs) * time.Second

	var c Cache = mem
	if cfg.Durable && backend != nil {
		c = NewTiered(mem, NewDurable(backend))
	}
	return NewResults(c, ttl)
}

// Stats counts cache outcomes.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Errors int64 `json:"errors"`
}

// Results stores extraction results. Backend failures are logged and treated
// as misses so the caller never fails on the cache.
type Results struct {
	cache Cache
	ttl   time.Duration

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// NewResults wraps c with JSON encoding of extraction results.
func NewResults(c Cache, ttl time.Duration) *Results {
	return &Results{cache: c, ttl: ttl}
}

// Get returns the cached result for key. The result is returned exactly as
// stored.
func (r *Results) Get(ctx context.Context, key string) (model.ExtractionResult, bool) {
	if r == nil {
		return model.ExtractionResult{}, false
	}
	data, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		r.errors.Add(1)
		zap.L().Warn("cache: get failed, treating as miss", zap.String("key", key), zap.Error(err))
	}
	if !ok {
		r.misses.Add(1)
		return model.ExtractionResult{}, false
	}

	var res model.ExtractionResult
	if err := json.Unmarshal(data, &res); err != nil {
		r.errors.Add(1)
		r.misses.Add(1)
		zap.L().Warn("cache: undecodable entry, treating as miss", zap.String("key", key), zap.Error(err))
		return model.ExtractionResult{}, false
	}
	r.hits.Add(1)
	return res, true
}

// Put stores res under key with the configured TTL.
func (r *Results) Put(ctx context.Context, key string, res model.ExtractionResult) {
	if r == nil {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		r.errors.Add(1)
		return
	}
	if err := r.cache.Put(ctx, key, data, r.ttl); err != nil {
		r.errors.Add(1)
		zap.L().Warn("cache: put failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate drops key.
func (r *Results) Invalidate(ctx context.Context, key string) error {
	if r == nil {
		return nil
	}
	return r.cache.Invalidate(ctx, key)
}

// Stats returns a snapshot of hit, miss and error counts.
func (r *Results) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	return Stats{Hits: r.hits.Load(), Misses: r.misses.Load(), Errors: r.errors.Load()}
}
