package main

import (
	"context"
	"io"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pageindex/internal/cache"
	"github.com/sells-group/pageindex/internal/config"
	"github.com/sells-group/pageindex/internal/cost"
	"github.com/sells-group/pageindex/internal/inference"
	"github.com/sells-group/pageindex/internal/pipeline"
	"github.com/sells-group/pageindex/internal/resilience"
	"github.com/sells-group/pageindex/internal/store"
)

// storageEnv holds the durable collaborators shared by every command.
type storageEnv struct {
	Backend  store.Backend
	Runs     store.RunStore
	Sink     resilience.DeadLetterSink
	Breakers *resilience.Breakers

	closers []io.Closer
}

// Close releases everything opened by initStorage, newest first.
func (s *storageEnv) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			zap.L().Warn("close failed", zap.Error(err))
		}
	}
	s.closers = nil
}

// appEnv is a storageEnv plus the guarded inference backend and the pipeline.
type appEnv struct {
	*storageEnv
	Inference inference.Backend
	Cache     *cache.Results
	Tracker   *cost.Tracker
	Pipeline  *pipeline.Pipeline
}

// Close releases the backend and the storage.
func (e *appEnv) Close() {
	if e.Inference != nil {
		if err := inference.Close(e.Inference); err != nil {
			zap.L().Warn("close inference backend", zap.Error(err))
		}
	}
	e.storageEnv.Close()
}

// initStore opens the backend named by cfg.Store.Driver. SQL backends also
// record runs; the others keep run records as blobs.
func initStore(ctx context.Context, c config.StoreConfig) (store.Backend, store.RunStore, io.Closer, error) {
	switch c.Driver {
	case "memory":
		m := store.NewMemory()
		return m, store.NewBlobRuns(m), nil, nil
	case "file", "":
		root := c.Path
		if root == "" {
			root = "./data"
		}
		f, err := store.NewFile(root)
		if err != nil {
			return nil, nil, nil, err
		}
		return f, store.NewBlobRuns(f), nil, nil
	case "sqlite":
		dsn := c.DatabaseURL
		if dsn == "" {
			dsn = filepath.Join(c.Path, "pageindex.db")
		}
		s, err := store.NewSQLite(dsn)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, nil, nil, eris.Wrap(err, "migrate store")
		}
		return s, s, s, nil
	case "postgres":
		s, err := store.NewPostgres(ctx, c.DatabaseURL, &store.PoolConfig{MaxConns: c.MaxConns, MinConns: c.MinConns})
		if err != nil {
			return nil, nil, nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, nil, nil, eris.Wrap(err, "migrate store")
		}
		return s, s, s, nil
	case "gcs":
		g, err := store.NewGCS(ctx, c.Bucket, c.Prefix)
		if err != nil {
			return nil, nil, nil, err
		}
		return g, store.NewBlobRuns(g), g, nil
	default:
		return nil, nil, nil, eris.Errorf("unsupported store driver: %s", c.Driver)
	}
}

// initBreakerStore picks where breaker counters live. Postgres reuses the
// store's pool.
func initBreakerStore(ctx context.Context, c config.ResilienceConfig, backend store.Backend) (resilience.BreakerStore, io.Closer, error) {
	switch c.BreakerStore {
	case "memory", "":
		return resilience.NewMemoryBreakerStore(), nil, nil
	case "firestore":
		fs, err := resilience.NewFirestoreBreakerStore(ctx, c.Firestore.Project, c.Firestore.Collection)
		if err != nil {
			return nil, nil, err
		}
		return fs, fs, nil
	case "postgres":
		ps, ok := backend.(*store.PostgresStore)
		if !ok {
			return nil, nil, eris.New("postgres breaker store requires the postgres store driver")
		}
		return ps.BreakerStore(), nil, nil
	default:
		return nil, nil, eris.Errorf("unsupported breaker store: %s", c.BreakerStore)
	}
}

// deadLetterSink prefers the dead-letter table of a postgres store.
func deadLetterSink(backend store.Backend) resilience.DeadLetterSink {
	if ps, ok := backend.(*store.PostgresStore); ok {
		return ps.DeadLetters()
	}
	return resilience.NewStorageSink(backend)
}

// initStorage opens the store, breaker state and dead-letter sink. Callers
// should defer Close.
func initStorage(ctx context.Context, c *config.Config) (*storageEnv, error) {
	backend, runs, closer, err := initStore(ctx, c.Store)
	if err != nil {
		return nil, err
	}
	env := &storageEnv{Backend: backend, Runs: runs}
	if closer != nil {
		env.closers = append(env.closers, closer)
	}

	bs, bsCloser, err := initBreakerStore(ctx, c.Resilience, backend)
	if err != nil {
		env.Close()
		return nil, err
	}
	if bsCloser != nil {
		env.closers = append(env.closers, bsCloser)
	}

	env.Breakers = resilience.NewBreakers(bs, resilience.FromCircuitConfig(c.Resilience))
	env.Sink = deadLetterSink(backend)
	return env, nil
}

// initApp validates cfg for mode and wires storage, the guarded inference
// backend, the result cache, cost tracking and the pipeline.
func initApp(ctx context.Context, c *config.Config, mode string) (*appEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStorage(ctx, c)
	if err != nil {
		return nil, err
	}

	backend, err := inference.New(ctx, c.Inference)
	if err != nil {
		st.Close()
		return nil, eris.Wrap(err, "init inference backend")
	}

	env, err := assemble(st, backend, c)
	if err != nil {
		_ = inference.Close(backend)
		st.Close()
		return nil, err
	}
	return env, nil
}

// assemble wraps backend with resilience and cost tracking and builds the
// pipeline over st.
func assemble(st *storageEnv, backend inference.Backend, c *config.Config) (*appEnv, error) {
	ctrl := resilience.NewController(st.Breakers, resilience.FromRetryConfig(c.Resilience), st.Sink)
	tracker := cost.NewTracker(cost.NewCalculator(c.Pricing), c.Inference.Model)
	guarded := inference.NewGuardedFromConfig(backend, ctrl, c.Inference, tracker.Observe)
	results := cache.New(c.Cache, st.Backend)

	p, err := pipeline.New(pipeline.Deps{
		Config:    c,
		Inference: guarded,
		Store:     st.Backend,
		Runs:      st.Runs,
		Cache:     results,
		Tracker:   tracker,
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("pipeline ready",
		zap.String("provider", backend.Name()),
		zap.String("model", c.Inference.Model),
		zap.String("store", c.Store.Driver),
		zap.Bool("cache", results != nil),
	)
	return &appEnv{
		storageEnv: st,
		Inference:  guarded,
		Cache:      results,
		Tracker:    tracker,
		Pipeline:   p,
	}, nil
}
