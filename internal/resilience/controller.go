package resilience

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Call describes one protected invocation. DeadLetter is the template recorded
// if the call fails for good; its error fields are filled in by the controller.
type Call struct {
	Key        string
	Timeout    time.Duration
	DeadLetter DeadLetter
}

// Controller composes retry, circuit breaking, per-call timeouts and
// dead-letter capture around inference calls.
type Controller struct {
	breakers *Breakers
	retry    RetryConfig
	sink     DeadLetterSink
}

// NewController wires the resilience pieces together. sink may be nil.
func NewController(breakers *Breakers, retry RetryConfig, sink DeadLetterSink) *Controller {
	if breakers == nil {
		breakers = NewBreakers(nil, DefaultCircuitBreakerConfig())
	}
	return &Controller{breakers: breakers, retry: retry, sink: sink}
}

// Breakers returns the breaker registry.
func (c *Controller) Breakers() *Breakers {
	return c.breakers
}

// Sink returns the dead-letter sink, which may be nil.
func (c *Controller) Sink() DeadLetterSink {
	return c.sink
}

// Do runs fn under the controller's policies.
func (c *Controller) Do(ctx context.Context, call Call, fn func(ctx context.Context) error) error {
	_, err := CallVal(ctx, c, call, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// CallVal runs fn with retries around the breaker for call.Key, each attempt
// bounded by call.Timeout. Terminal failures are dead-lettered unless the
// caller cancelled.
func CallVal[T any](ctx context.Context, c *Controller, call Call, fn func(ctx context.Context) (T, error)) (T, error) {
	cb := c.breakers.Get(call.Key)

	cfg := c.retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = RetryLogger(call.Key, call.DeadLetter.Stage)
	}

	attempts := 0
	val, err := DoVal(ctx, cfg, func(ctx context.Context) (T, error) {
		attempts++
		return ExecuteVal(ctx, cb, func(ctx context.Context) (T, error) {
			if call.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, call.Timeout)
				defer cancel()
			}
			return fn(ctx)
		})
	})
	if err == nil {
		return val, nil
	}
	if ctx.Err() == nil {
		c.deadLetter(ctx, call, err, attempts)
	}
	return val, err
}

func (c *Controller) deadLetter(ctx context.Context, call Call, err error, attempts int) {
	dl := call.DeadLetter
	dl.Error = err.Error()
	dl.ErrorType = ClassifyError(err)
	dl.Attempts = attempts

	zap.L().Warn("inference call dead-lettered",
		zap.String("breaker_key", call.Key),
		zap.String("doc_id", dl.DocID),
		zap.String("stage", dl.Stage),
		zap.Strings("units", dl.Units),
		zap.String("error_type", dl.ErrorType),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	if c.sink == nil {
		return
	}
	if serr := c.sink.Record(context.WithoutCancel(ctx), dl); serr != nil {
		zap.L().Error("record dead letter", zap.String("doc_id", dl.DocID), zap.Error(serr))
	}
}
