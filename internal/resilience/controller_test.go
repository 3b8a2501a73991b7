package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestController(threshold, attempts int) (*Controller, *StorageSink) {
	sink := NewStorageSink(newMemBlobs())
	breakers := NewBreakers(NewMemoryBreakerStore(), CircuitBreakerConfig{FailureThreshold: threshold, ResetTimeout: time.Minute})
	return NewController(breakers, fastRetry(attempts), sink), sink
}

func TestController_RetriesThenSucceeds(t *testing.T) {
	c, sink := newTestController(10, 3)
	var calls int
	got, err := CallVal(context.Background(), c, Call{Key: "anthropic/m"}, func(_ context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", NewTransientError(errors.New("529 overloaded"), 529)
		}
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("expected ok, got %q (%v)", got, err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
	letters, _ := sink.List(context.Background(), DeadLetterFilter{})
	if len(letters) != 0 {
		t.Errorf("expected no dead letters, got %d", len(letters))
	}
}

func TestController_DeadLettersOnExhaustion(t *testing.T) {
	c, sink := newTestController(10, 3)
	call := Call{Key: "anthropic/m", DeadLetter: DeadLetter{DocID: "doc-1", Stage: "extraction", Units: []string{"q1", "q2"}, Prompt: "p"}}
	err := c.Do(context.Background(), call, func(_ context.Context) error {
		return NewTransientError(errors.New("503"), 503)
	})
	if err == nil {
		t.Fatal("expected error")
	}

	letters, _ := sink.List(context.Background(), DeadLetterFilter{DocID: "doc-1"})
	if len(letters) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(letters))
	}
	dl := letters[0]
	if dl.Attempts != 3 || dl.ErrorType != ErrorTypeTransient || len(dl.Units) != 2 {
		t.Errorf("unexpected dead letter %+v", dl)
	}
}

func TestController_TimeoutCountsAsFailure(t *testing.T) {
	c, _ := newTestController(1, 1)
	call := Call{Key: "openai/m", Timeout: 5 * time.Millisecond}
	err := c.Do(context.Background(), call, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if got := c.Breakers().Get("openai/m").State(context.Background()); got != CircuitOpen {
		t.Errorf("expected timeout to open the circuit, got %s", got)
	}

	var calls int
	err = c.Do(context.Background(), call, func(_ context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) || calls != 0 {
		t.Errorf("expected fast failure without a call, got %d calls (%v)", calls, err)
	}
}

func TestController_CancelledCallNotDeadLettered(t *testing.T) {
	c, sink := newTestController(10, 3)
	ctx, cancel := context.WithCancel(context.Background())
	err := c.Do(ctx, Call{Key: "k", DeadLetter: DeadLetter{DocID: "doc-1"}}, func(_ context.Context) error {
		cancel()
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	letters, _ := sink.List(context.Background(), DeadLetterFilter{})
	if len(letters) != 0 {
		t.Errorf("expected no dead letter for a cancelled call, got %d", len(letters))
	}
}
