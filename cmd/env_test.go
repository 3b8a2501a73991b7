package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pageindex/internal/config"
	"github.com/sells-group/pageindex/internal/model"
	"github.com/sells-group/pageindex/internal/resilience"
	"github.com/sells-group/pageindex/internal/store"
)

func TestInitStore_Drivers(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		b, runs, closer, err := initStore(ctx, config.StoreConfig{Driver: "memory"})
		require.NoError(t, err)
		assert.IsType(t, &store.Memory{}, b)
		assert.IsType(t, &store.BlobRuns{}, runs)
		assert.Nil(t, closer)
	})

	t.Run("file", func(t *testing.T) {
		b, runs, _, err := initStore(ctx, config.StoreConfig{Driver: "file", Path: t.TempDir()})
		require.NoError(t, err)
		assert.IsType(t, &store.File{}, b)
		assert.IsType(t, &store.BlobRuns{}, runs)
	})

	t.Run("sqlite", func(t *testing.T) {
		b, runs, closer, err := initStore(ctx, config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "test.db")})
		require.NoError(t, err)
		defer closer.Close() //nolint:errcheck
		assert.IsType(t, &store.SQLiteStore{}, b)
		assert.Same(t, b, runs)

		require.NoError(t, b.Save(ctx, "indexes/a.json", []byte("{}")))
		ok, err := b.Exists(ctx, "indexes/a.json")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("unknown", func(t *testing.T) {
		_, _, _, err := initStore(ctx, config.StoreConfig{Driver: "tape"})
		assert.ErrorContains(t, err, "unsupported store driver")
	})
}

func TestInitBreakerStore(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	bs, closer, err := initBreakerStore(ctx, config.ResilienceConfig{BreakerStore: "memory"}, mem)
	require.NoError(t, err)
	assert.IsType(t, &resilience.MemoryBreakerStore{}, bs)
	assert.Nil(t, closer)

	_, _, err = initBreakerStore(ctx, config.ResilienceConfig{BreakerStore: "postgres"}, mem)
	assert.ErrorContains(t, err, "requires the postgres store driver")

	_, _, err = initBreakerStore(ctx, config.ResilienceConfig{BreakerStore: "etcd"}, mem)
	assert.ErrorContains(t, err, "unsupported breaker store")
}

func TestDeadLetterSink_DefaultsToStorage(t *testing.T) {
	assert.IsType(t, &resilience.StorageSink{}, deadLetterSink(store.NewMemory()))
}

func TestInitApp_ValidatesConfig(t *testing.T) {
	c := testConfig()
	c.Inference.APIKey = ""

	_, err := initApp(context.Background(), c, "extract")
	assert.ErrorContains(t, err, "inference.api_key is required")
}

func TestBreakerKeyFlag(t *testing.T) {
	prev := cfg
	cfg = testConfig()
	t.Cleanup(func() { cfg = prev })

	cmd := &cobra.Command{}
	cmd.Flags().String("key", "", "")
	assert.Equal(t, "anthropic/claude-sonnet-4-5-20250929", breakerKeyFlag(cmd))

	require.NoError(t, cmd.Flags().Set("key", "openai/gpt-4o"))
	assert.Equal(t, "openai/gpt-4o", breakerKeyFlag(cmd))
}

func TestBreakerStatusAndReset(t *testing.T) {
	ctx := context.Background()
	st, err := initStorage(ctx, testConfig())
	require.NoError(t, err)
	defer st.Close()

	cb := st.Breakers.Get("anthropic/m")
	for range 5 {
		_ = cb.Execute(ctx, func(context.Context) error { return assert.AnError })
	}
	failures, state := cb.Counters(ctx)
	assert.Equal(t, resilience.CircuitOpen, state)

	var buf bytes.Buffer
	printBreaker(&buf, cb.Key(), state, failures)
	assert.Contains(t, buf.String(), "anthropic/m")
	assert.Contains(t, buf.String(), "open")

	require.NoError(t, cb.Reset(ctx))
	_, state = cb.Counters(ctx)
	assert.Equal(t, resilience.CircuitClosed, state)
}

func TestFormatRunsList(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	runs := []model.Run{
		{
			ID:        "0123456789abcdef",
			DocID:     "annual-2025",
			DocName:   "Annual Report 2025",
			Status:    model.RunStatusComplete,
			Report:    &model.RunReport{Results: make([]model.ExtractionResult, 3), Manifest: make([]model.DegradedUnit, 1)},
			CreatedAt: created,
			UpdatedAt: created.Add(90 * time.Second),
		},
		{ID: "short", DocID: "d2", Status: model.RunStatusFailed, CreatedAt: created, UpdatedAt: created},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)
	out := buf.String()

	assert.Contains(t, out, "DOCUMENT")
	assert.Contains(t, out, "01234567 ")
	assert.NotContains(t, out, "0123456789abcdef")
	assert.Contains(t, out, "Annual Report 2025")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "failed")
}

func TestFormatDeadLetters(t *testing.T) {
	letters := []resilience.DeadLetter{{
		ID:        "abcdef0123456789",
		DocID:     "doc",
		Stage:     "extraction/batch",
		Units:     []string{"q1", "q2"},
		Error:     "rate limited",
		ErrorType: "transient",
		Attempts:  4,
		CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}}

	var buf bytes.Buffer
	formatDeadLetters(&buf, letters)
	out := buf.String()

	assert.Contains(t, out, "abcdef01")
	assert.Contains(t, out, "extraction/batch")
	assert.Contains(t, out, "q1,q2")
	assert.Contains(t, out, "rate limited")
}

func TestPrintIndexSummary(t *testing.T) {
	idx := &model.DocumentIndex{
		DocID:      "doc",
		DocName:    "Doc",
		TotalPages: 4,
		Mode:       "heuristic",
		Roots:      []string{"0001"},
		Nodes: map[string]*model.TreeNode{
			"0001": {ID: "0001", Title: "Part I", StartPage: 1, EndPage: 4, Children: []string{"0002"}},
			"0002": {ID: "0002", Title: "Risks", Level: 1, StartPage: 3, EndPage: 4},
		},
	}

	var buf bytes.Buffer
	printIndexSummary(&buf, idx)
	out := buf.String()

	assert.Contains(t, out, "mode:    heuristic")
	assert.Contains(t, out, "nodes:   2")
	assert.Contains(t, out, "0001 Part I [1-4]\n  0002 Risks [3-4]\n")
}
