package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pageindex/internal/config"
	"github.com/sells-group/pageindex/internal/model"
	"github.com/sells-group/pageindex/internal/store"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *clock {
	return &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestMemory_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10)

	require.NoError(t, m.Put(ctx, "k", []byte("v"), 0))
	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, m.Invalidate(ctx, "k"))
	_, ok, _ = m.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemory_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	m := NewMemory(10)
	m.nowFunc = c.Now

	require.NoError(t, m.Put(ctx, "k", []byte("v"), time.Minute))
	c.Advance(59 * time.Second)
	_, ok, _ := m.Get(ctx, "k")
	assert.True(t, ok)

	c.Advance(time.Second)
	_, ok, _ = m.Get(ctx, "k")
	assert.False(t, ok, "expired entry must read as absent")
	assert.Equal(t, 0, m.Len(), "expired entry must be purged on read")
}

func TestMemory_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(3)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, m.Put(ctx, k, []byte(k), 0))
	}

	// Touch a so b becomes the least recently used.
	_, ok, _ := m.Get(ctx, "a")
	require.True(t, ok)

	require.NoError(t, m.Put(ctx, "d", []byte("d"), 0))
	assert.Equal(t, 3, m.Len())

	_, ok, _ = m.Get(ctx, "b")
	assert.False(t, ok, "b should be evicted")
	for _, k := range []string{"a", "c", "d"} {
		_, ok, _ := m.Get(ctx, k)
		assert.True(t, ok, "%s should survive", k)
	}
}

func TestMemory_PutReplacesExisting(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2)
	require.NoError(t, m.Put(ctx, "a", []byte("1"), 0))
	require.NoError(t, m.Put(ctx, "a", []byte("2"), 0))
	assert.Equal(t, 1, m.Len())

	v, _, _ := m.Get(ctx, "a")
	assert.Equal(t, []byte("2"), v)
}

func TestMemory_Clear(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(5)
	require.NoError(t, m.Put(ctx, "a", []byte("1"), 0))
	require.NoError(t, m.Put(ctx, "b", []byte("2"), 0))
	require.NoError(t, m.Clear(ctx))
	assert.Equal(t, 0, m.Len())
}

func TestMemory_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(50)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				k := fmt.Sprintf("k%d", (i*j)%80)
				_ = m.Put(ctx, k, []byte(k), 0)
				_, _, _ = m.Get(ctx, k)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, m.Len(), 50)
	assert.Equal(t, m.order.Len(), len(m.items))
}

func TestKey(t *testing.T) {
	base := Key("q1", "hash", "model", "")
	assert.Len(t, base, 64)
	assert.Equal(t, base, Key("q1", "hash", "model", ""))
	assert.NotEqual(t, base, Key("q2", "hash", "model", ""))
	assert.NotEqual(t, base, Key("q1", "other", "model", ""))
	assert.NotEqual(t, base, Key("q1", "hash", "other", ""))
	assert.NotEqual(t, base, Key("q1", "hash", "model", ContextHash("ctx")))
}

func TestDurable_RoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemory()
	c := newClock()
	d := NewDurable(backend)
	d.nowFunc = c.Now

	require.NoError(t, d.Put(ctx, "k", []byte("v"), time.Hour))
	ok, err := backend.Exists(ctx, "_cache/k")
	require.NoError(t, err)
	assert.True(t, ok, "entries live under the _cache/ prefix")

	v, ok, err := d.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	c.Advance(time.Hour)
	_, ok, err = d.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _ = backend.Exists(ctx, "_cache/k")
	assert.False(t, ok, "expired entry should be deleted")
}

func TestDurable_Clear(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemory()
	require.NoError(t, backend.Save(ctx, "indexes/doc.json", []byte("{}")))
	d := NewDurable(backend)
	require.NoError(t, d.Put(ctx, "a", []byte("1"), 0))
	require.NoError(t, d.Put(ctx, "b", []byte("2"), 0))

	require.NoError(t, d.Clear(ctx))

	keys, err := backend.ListKeys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"indexes/doc.json"}, keys)
}

type brokenBackend struct{ store.Backend }

func (brokenBackend) Load(context.Context, string) ([]byte, error) {
	return nil, errors.New("bucket unreachable")
}

func (brokenBackend) Save(context.Context, string, []byte) error {
	return errors.New("bucket unreachable")
}

func TestDurable_BackendErrorsAreTyped(t *testing.T) {
	d := NewDurable(brokenBackend{store.NewMemory()})
	_, ok, err := d.Get(context.Background(), "k")
	assert.False(t, ok)
	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "load", be.Op)

	err = d.Put(context.Background(), "k", []byte("v"), 0)
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "save", be.Op)
}

func TestTiered_BackfillsMemory(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	backend := store.NewMemory()

	far := NewDurable(backend)
	far.nowFunc = c.Now
	require.NoError(t, far.Put(ctx, "k", []byte("v"), 10*time.Minute))

	near := NewMemory(10)
	near.nowFunc = c.Now
	tiered := NewTiered(near, far)

	c.Advance(4 * time.Minute)
	v, ok, err := tiered.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
	assert.Equal(t, 1, near.Len())

	// The back-filled copy keeps the remaining six minutes only.
	c.Advance(6 * time.Minute)
	_, ok, _ = near.Get(ctx, "k")
	assert.False(t, ok)
}

func TestTiered_PutWritesBothTiers(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemory()
	near := NewMemory(10)
	tiered := NewTiered(near, NewDurable(backend))

	require.NoError(t, tiered.Put(ctx, "k", []byte("v"), 0))
	assert.Equal(t, 1, near.Len())
	ok, _ := backend.Exists(ctx, "_cache/k")
	assert.True(t, ok)

	require.NoError(t, tiered.Invalidate(ctx, "k"))
	_, ok, _ = tiered.Get(ctx, "k")
	assert.False(t, ok)
}

func TestResults_HitReturnsStoredResult(t *testing.T) {
	ctx := context.Background()
	r := NewResults(NewMemory(10), time.Hour)
	want := model.ExtractionResult{
		QuestionID: "q1",
		Answer:     "Acme Corp",
		Confidence: 0.9,
		Citations:  []model.Citation{{Page: 3, Quote: "Acme Corp"}},
		TierUsed:   model.TierLookup,
	}

	_, ok := r.Get(ctx, "k")
	assert.False(t, ok)

	r.Put(ctx, "k", want)
	got, ok := r.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, want, got)
	assert.Equal(t, Stats{Hits: 1, Misses: 1}, r.Stats())
}

func TestResults_BackendErrorIsMiss(t *testing.T) {
	ctx := context.Background()
	r := NewResults(NewDurable(brokenBackend{store.NewMemory()}), 0)

	r.Put(ctx, "k", model.ExtractionResult{QuestionID: "q1"})
	_, ok := r.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, int64(2), r.Stats().Errors)
}

func TestResults_NilIsAlwaysMiss(t *testing.T) {
	var r *Results
	r.Put(context.Background(), "k", model.ExtractionResult{})
	_, ok := r.Get(context.Background(), "k")
	assert.False(t, ok)
	assert.Equal(t, Stats{}, r.Stats())
}

func TestNew(t *testing.T) {
	assert.Nil(t, New(config.CacheConfig{Enabled: false}, nil))

	r := New(config.CacheConfig{Enabled: true, MaxEntries: 5, TTLSecs: 60}, nil)
	require.NotNil(t, r)
	assert.IsType(t, &Memory{}, r.cache)

	r = New(config.CacheConfig{Enabled: true, Durable: true}, store.NewMemory())
	assert.IsType(t, &Tiered{}, r.cache)
}
