package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Tiered reads the in-process tier first, then the durable tier, back-filling
// memory on a durable hit with the entry's remaining TTL.
type Tiered struct {
	near *Memory
	far  *Durable
}

// NewTiered layers near over far.
func NewTiered(near *Memory, far *Durable) *Tiered {
	return &Tiered{near: near, far: far}
}

// Get implements Cache.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok, _ := t.near.Get(ctx, key); ok {
		return v, true, nil
	}

	env, ok, err := t.far.lookup(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}

	ttl := env.TTL
	if ttl > 0 {
		ttl -= t.far.nowFunc().Sub(env.InsertedAt)
		if ttl <= 0 {
			return env.Value, true, nil
		}
	}
	_ = t.near.Put(ctx, key, env.Value, ttl)
	return env.Value, true, nil
}

// Put writes both tiers. A durable failure is reported after memory is updated.
func (t *Tiered) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_ = t.near.Put(ctx, key, value, ttl)
	return t.far.Put(ctx, key, value, ttl)
}

// Invalidate implements Cache.
func (t *Tiered) Invalidate(ctx context.Context, key string) error {
	_ = t.near.Invalidate(ctx, key)
	return t.far.Invalidate(ctx, key)
}

// Clear implements Cache.
func (t *Tiered) Clear(ctx context.Context) error {
	_ = t.near.Clear(ctx)
	if err := t.far.Clear(ctx); err != nil {
		zap.L().Warn("cache: clear durable tier", zap.Error(err))
		return err
	}
	return nil
}
