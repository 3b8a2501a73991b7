package inference

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/pageindex/internal/resilience"
)

// UsageObserver is notified of every completed inference result.
type UsageObserver func(req Request, res *Result)

// Guarded protects a Backend with the resilience controller, an adaptive rate
// limiter, an in-flight bound and truncation continuation. Callers in the engines only ever see a
// Guarded backend.
type Guarded struct {
	backend          Backend
	ctrl             *resilience.Controller
	limiter          *AdaptiveLimiter
	inFlight         *semaphore.Weighted
	maxInFlight      int64
	model            string
	timeout          time.Duration
	maxContinuations int
	onUsage          UsageObserver
}

// GuardedOption configures a Guarded backend.
type GuardedOption func(*Guarded)

// WithLimiter bounds the request rate.
func WithLimiter(l *AdaptiveLimiter) GuardedOption {
	return func(g *Guarded) { g.limiter = l }
}

// WithMaxInFlight bounds the calls outstanding against the provider across
// every caller sharing this backend. n <= 0 leaves them unbounded.
func WithMaxInFlight(n int) GuardedOption {
	return func(g *Guarded) {
		if n > 0 {
			g.maxInFlight = int64(n)
			g.inFlight = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) GuardedOption {
	return func(g *Guarded) { g.timeout = d }
}

// WithMaxContinuations sets how often truncated output is continued.
func WithMaxContinuations(n int) GuardedOption {
	return func(g *Guarded) { g.maxContinuations = n }
}

// WithUsageObserver registers fn for every successful result.
func WithUsageObserver(fn UsageObserver) GuardedOption {
	return func(g *Guarded) { g.onUsage = fn }
}

// NewGuarded wraps backend. model names the breaker key when requests do not
// carry their own model.
func NewGuarded(backend Backend, ctrl *resilience.Controller, model string, opts ...GuardedOption) *Guarded {
	if ctrl == nil {
		ctrl = resilience.NewController(nil, resilience.DefaultRetryConfig(), nil)
	}
	g := &Guarded{backend: backend, ctrl: ctrl, model: model}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name implements Backend.
func (g *Guarded) Name() string { return g.backend.Name() }

// Model returns the default model identifier.
func (g *Guarded) Model() string { return g.model }

// Controller returns the resilience controller.
func (g *Guarded) Controller() *resilience.Controller { return g.ctrl }

// Infer implements Backend. Truncated output is continued before returning.
func (g *Guarded) Infer(ctx context.Context, req Request) (*Result, error) {
	res, err := Continue(ctx, g.inferOnce, req, g.maxContinuations)
	if err != nil {
		return nil, err
	}
	if g.onUsage != nil {
		g.onUsage(req, res)
	}
	return res, nil
}

func (g *Guarded) inferOnce(ctx context.Context, req Request) (*Result, error) {
	release, err := g.acquire(ctx, 1)
	if err != nil {
		return nil, err
	}
	defer release()
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return resilience.CallVal(ctx, g.ctrl, g.call(req), func(ctx context.Context) (*Result, error) {
		res, err := g.backend.Infer(ctx, req)
		g.observe(err)
		return res, err
	})
}

// InferBatch implements Backend. The whole batch runs as one protected call
// holding one in-flight slot per request, up to the bound. Items that failed
// or came back truncated are redone one by one through Infer so they get
// retries, continuation and dead-lettering. Results keep request order.
func (g *Guarded) InferBatch(ctx context.Context, reqs []Request) ([]BatchResult, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	release, err := g.acquire(ctx, len(reqs))
	if err != nil {
		return nil, err
	}
	if err := g.limiter.Wait(ctx); err != nil {
		release()
		return nil, err
	}

	cb := g.ctrl.Breakers().Get(g.key(reqs[0]))
	batch, err := resilience.ExecuteVal(ctx, cb, func(ctx context.Context) ([]BatchResult, error) {
		results, err := g.backend.InferBatch(ctx, reqs)
		g.observe(err)
		return results, err
	})
	// Redone items take their own slots below.
	release()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		zap.L().Warn("inference: batch failed, falling back to individual calls",
			zap.String("breaker_key", cb.Key()),
			zap.Int("requests", len(reqs)),
			zap.Error(err),
		)
	}

	byID := ByRequestID(batch)
	out := make([]BatchResult, len(reqs))
	for i, req := range reqs {
		r, ok := byID[req.RequestID]
		switch {
		case !ok || r.Err != nil || r.Result == nil:
			res, err := g.Infer(ctx, req)
			out[i] = BatchResult{RequestID: req.RequestID, Result: res, Err: err}
		case r.Result.FinishReason == MaxOutputReached && g.maxContinuations > 0:
			res, err := g.continueFrom(ctx, req, r.Result)
			out[i] = BatchResult{RequestID: req.RequestID, Result: res, Err: err}
		default:
			if g.onUsage != nil {
				g.onUsage(req, r.Result)
			}
			out[i] = r
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
	}
	return out, nil
}

// continueFrom finishes a truncated batch result with direct calls.
func (g *Guarded) continueFrom(ctx context.Context, req Request, first *Result) (*Result, error) {
	served := false
	infer := func(ctx context.Context, r Request) (*Result, error) {
		if !served {
			served = true
			return first, nil
		}
		return g.inferOnce(ctx, r)
	}
	res, err := Continue(ctx, infer, req, g.maxContinuations)
	if err != nil {
		return nil, err
	}
	if g.onUsage != nil {
		g.onUsage(req, res)
	}
	return res, nil
}

// acquire takes n in-flight slots, capped at the bound, and returns their
// release.
func (g *Guarded) acquire(ctx context.Context, n int) (func(), error) {
	if g.inFlight == nil {
		return func() {}, nil
	}
	w := min(int64(n), g.maxInFlight)
	if err := g.inFlight.Acquire(ctx, w); err != nil {
		return nil, err
	}
	return func() { g.inFlight.Release(w) }, nil
}

func (g *Guarded) observe(err error) {
	switch {
	case err == nil:
		g.limiter.OnSuccess()
	case IsRateLimited(err):
		g.limiter.OnRateLimit()
	}
}

func (g *Guarded) key(req Request) string {
	model := req.Model
	if model == "" {
		model = g.model
	}
	return resilience.BreakerKey(g.backend.Name(), model)
}

func (g *Guarded) call(req Request) resilience.Call {
	model := req.Model
	if model == "" {
		model = g.model
	}
	return resilience.Call{
		Key:     g.key(req),
		Timeout: g.timeout,
		DeadLetter: resilience.DeadLetter{
			DocID:     req.Meta.DocID,
			Stage:     req.Meta.Stage,
			Units:     req.Meta.Units,
			RequestID: req.RequestID,
			Model:     model,
			Prompt:    req.Prompt(),
		},
	}
}
