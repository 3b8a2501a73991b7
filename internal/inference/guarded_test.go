package inference_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pageindex/internal/inference"
	"github.com/sells-group/pageindex/internal/inference/inferencetest"
	"github.com/sells-group/pageindex/internal/resilience"
)

type memorySink struct {
	mu      sync.Mutex
	letters []resilience.DeadLetter
}

func (s *memorySink) Record(_ context.Context, dl resilience.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, dl)
	return nil
}

func (s *memorySink) List(context.Context, resilience.DeadLetterFilter) ([]resilience.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]resilience.DeadLetter(nil), s.letters...), nil
}

func fastController(threshold int, sink resilience.DeadLetterSink) *resilience.Controller {
	breakers := resilience.NewBreakers(resilience.NewMemoryBreakerStore(), resilience.CircuitBreakerConfig{
		FailureThreshold: threshold,
		ResetTimeout:     time.Hour,
	})
	retry := resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	return resilience.NewController(breakers, retry, sink)
}

func userRequest(id string) inference.Request {
	return inference.Request{
		RequestID: id,
		Messages:  []inference.Message{inference.Text(inference.RoleUser, "q "+id)},
		Meta:      inference.Meta{DocID: "doc-1", Stage: "extraction", Units: []string{id}},
	}
}

func TestGuarded_RetriesTransientThenSucceeds(t *testing.T) {
	m := &inferencetest.Mock{}
	m.On("Infer", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("503"), 503)).Once()
	m.On("Infer", mock.Anything, mock.Anything).
		Return(&inference.Result{Content: "ok", FinishReason: inference.Finished}, nil).Once()

	var observed int
	g := inference.NewGuarded(m, fastController(5, nil), "model-a",
		inference.WithUsageObserver(func(inference.Request, *inference.Result) { observed++ }))

	res, err := g.Infer(context.Background(), userRequest("r1"))
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)
	assert.Equal(t, "r1", res.RequestID)
	assert.Equal(t, 1, observed)
	m.AssertNumberOfCalls(t, "Infer", 2)
}

func TestGuarded_DeadLettersExhaustedCall(t *testing.T) {
	sink := &memorySink{}
	m := &inferencetest.Mock{}
	m.On("Infer", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("overloaded"), 529))

	g := inference.NewGuarded(m, fastController(10, sink), "model-a")
	_, err := g.Infer(context.Background(), userRequest("r1"))
	require.Error(t, err)

	letters, _ := sink.List(context.Background(), resilience.DeadLetterFilter{})
	require.Len(t, letters, 1)
	dl := letters[0]
	assert.Equal(t, "doc-1", dl.DocID)
	assert.Equal(t, "extraction", dl.Stage)
	assert.Equal(t, []string{"r1"}, dl.Units)
	assert.Equal(t, "r1", dl.RequestID)
	assert.Equal(t, "model-a", dl.Model)
	assert.Contains(t, dl.Prompt, "q r1")
	assert.Equal(t, resilience.ErrorTypeTransient, dl.ErrorType)
	assert.Equal(t, 2, dl.Attempts)
}

func TestGuarded_OpenCircuitFailsFast(t *testing.T) {
	m := &inferencetest.Mock{}
	m.On("Infer", mock.Anything, mock.Anything).
		Return(nil, errors.New("permanent failure"))

	ctrl := fastController(2, nil)
	g := inference.NewGuarded(m, ctrl, "model-a")

	for i := 0; i < 2; i++ {
		_, _ = g.Infer(context.Background(), userRequest("r"))
	}
	m.AssertNumberOfCalls(t, "Infer", 2)

	_, err := g.Infer(context.Background(), userRequest("r"))
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	m.AssertNumberOfCalls(t, "Infer", 2)

	states := ctrl.Breakers().States(context.Background())
	assert.Equal(t, resilience.CircuitOpen, states["mock/model-a"])
}

func TestGuarded_ContinuesTruncatedOutput(t *testing.T) {
	calls := 0
	backend := inferencetest.NewScripted(func(req inference.Request) (*inference.Result, error) {
		calls++
		res := inferencetest.Result(req, "part")
		if calls == 1 {
			res.FinishReason = inference.MaxOutputReached
		}
		return res, nil
	})
	g := inference.NewGuarded(backend, fastController(5, nil), "m", inference.WithMaxContinuations(2))

	res, err := g.Infer(context.Background(), userRequest("r1"))
	require.NoError(t, err)
	assert.Equal(t, "partpart", res.Content)
	assert.Equal(t, inference.Finished, res.FinishReason)
	assert.Equal(t, 2, backend.Calls())
	assert.Equal(t, 30, res.Usage.TotalTokens)
}

func TestGuarded_InferBatchRedoesFailedItems(t *testing.T) {
	m := &inferencetest.Mock{}
	reqs := []inference.Request{userRequest("a"), userRequest("b"), userRequest("c")}
	m.On("InferBatch", mock.Anything, reqs).Return([]inference.BatchResult{
		{RequestID: "c", Result: &inference.Result{RequestID: "c", Content: "C", FinishReason: inference.Finished}},
		{RequestID: "b", Err: errors.New("errored")},
		{RequestID: "a", Result: &inference.Result{RequestID: "a", Content: "A", FinishReason: inference.Finished}},
	}, nil)
	m.On("Infer", mock.Anything, mock.MatchedBy(func(r inference.Request) bool { return r.RequestID == "b" })).
		Return(&inference.Result{Content: "B", FinishReason: inference.Finished}, nil)

	g := inference.NewGuarded(m, fastController(5, nil), "m")
	results, err := g.InferBatch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "a", results[0].RequestID)
	assert.Equal(t, "A", results[0].Result.Content)
	assert.Equal(t, "B", results[1].Result.Content)
	assert.Equal(t, "C", results[2].Result.Content)
	m.AssertNumberOfCalls(t, "Infer", 1)
}

func TestGuarded_InferBatchFallsBackWhenBatchFails(t *testing.T) {
	m := &inferencetest.Mock{}
	reqs := []inference.Request{userRequest("a"), userRequest("b")}
	m.On("InferBatch", mock.Anything, reqs).Return(nil, errors.New("batch create failed"))
	m.On("Infer", mock.Anything, mock.Anything).
		Return(&inference.Result{Content: "direct", FinishReason: inference.Finished}, nil)

	g := inference.NewGuarded(m, fastController(5, nil), "m")
	results, err := g.InferBatch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, "direct", r.Result.Content)
	}
	m.AssertNumberOfCalls(t, "Infer", 2)
}

func TestGuarded_InferBatchEmpty(t *testing.T) {
	g := inference.NewGuarded(&inferencetest.Mock{}, nil, "m")
	results, err := g.InferBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestGuarded_Timeout(t *testing.T) {
	backend := inferencetest.NewScripted(func(req inference.Request) (*inference.Result, error) {
		return inferencetest.Result(req, "late"), nil
	})
	slow := &slowBackend{Backend: backend, delay: 50 * time.Millisecond}
	sink := &memorySink{}
	g := inference.NewGuarded(slow, fastController(5, sink), "m", inference.WithTimeout(5*time.Millisecond))

	_, err := g.Infer(context.Background(), userRequest("r1"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	letters, _ := sink.List(context.Background(), resilience.DeadLetterFilter{})
	require.Len(t, letters, 1)
	assert.Equal(t, resilience.ErrorTypeTimeout, letters[0].ErrorType)
}

type slowBackend struct {
	inference.Backend
	delay time.Duration
}

func (s *slowBackend) Infer(ctx context.Context, req inference.Request) (*inference.Result, error) {
	select {
	case <-time.After(s.delay):
		return s.Backend.Infer(ctx, req)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// peakBackend records the most calls it has served at once.
type peakBackend struct {
	mu      sync.Mutex
	current int
	peak    int
}

func (p *peakBackend) Name() string { return "peak" }

func (p *peakBackend) enter(n int) {
	p.mu.Lock()
	p.current += n
	p.peak = max(p.peak, p.current)
	p.mu.Unlock()
}

func (p *peakBackend) leave(n int) {
	p.mu.Lock()
	p.current -= n
	p.mu.Unlock()
}

func (p *peakBackend) Infer(_ context.Context, req inference.Request) (*inference.Result, error) {
	p.enter(1)
	defer p.leave(1)
	time.Sleep(5 * time.Millisecond)
	return &inference.Result{RequestID: req.RequestID, Content: "ok", FinishReason: inference.Finished}, nil
}

func (p *peakBackend) InferBatch(ctx context.Context, reqs []inference.Request) ([]inference.BatchResult, error) {
	return inference.InferEach(ctx, p, reqs, len(reqs))
}

func TestGuarded_MaxInFlightBoundsConcurrentCalls(t *testing.T) {
	backend := &peakBackend{}
	g := inference.NewGuarded(backend, fastController(5, nil), "model-a", inference.WithMaxInFlight(3))

	var wg sync.WaitGroup
	for i := range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Infer(context.Background(), userRequest(string(rune('a'+i))))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, backend.peak, 3)
	assert.Positive(t, backend.peak)
}

func TestGuarded_MaxInFlightCountsBatchRequests(t *testing.T) {
	backend := &peakBackend{}
	g := inference.NewGuarded(backend, fastController(5, nil), "model-a", inference.WithMaxInFlight(2))

	var wg sync.WaitGroup
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reqs := []inference.Request{userRequest(string(rune('a' + 2*i))), userRequest(string(rune('b' + 2*i)))}
			results, err := g.InferBatch(context.Background(), reqs)
			assert.NoError(t, err)
			assert.Len(t, results, 2)
		}()
	}
	_, err := g.Infer(context.Background(), userRequest("z"))
	require.NoError(t, err)
	wg.Wait()

	assert.LessOrEqual(t, backend.peak, 2)
}

func TestGuarded_MaxInFlightHonoursCancellation(t *testing.T) {
	block := make(chan struct{})
	var started atomic.Int32
	m := &inferencetest.Mock{}
	m.On("Infer", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			started.Add(1)
			<-block
		}).
		Return(&inference.Result{Content: "ok", FinishReason: inference.Finished}, nil)
	g := inference.NewGuarded(m, fastController(5, nil), "model-a", inference.WithMaxInFlight(1))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = g.Infer(context.Background(), userRequest("holder"))
	}()
	require.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.Infer(ctx, userRequest("waiter"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	<-done
	m.AssertNumberOfCalls(t, "Infer", 1)
}
