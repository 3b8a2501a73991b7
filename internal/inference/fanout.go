package inference

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// InferEach runs reqs as individual calls with at most concurrency in flight.
// Per-request failures are reported in the results; the returned error is
// only set when ctx ends.
func InferEach(ctx context.Context, b Backend, reqs []Request, concurrency int) ([]BatchResult, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	out := make([]BatchResult, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := b.Infer(gctx, req)
			out[i] = BatchResult{RequestID: req.RequestID, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
