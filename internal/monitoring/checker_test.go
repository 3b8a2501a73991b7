package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pageindex/internal/config"
	"github.com/sells-group/pageindex/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	collector := NewCollector(&stubRuns{}, nil, nil)
	cfg := config.MonitoringConfig{
		CheckIntervalSecs:    1,
		LookbackWindowHours:  24,
		FailureRateThreshold: 0.10,
	}
	checker := NewChecker(collector, NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&stubRuns{}, nil, nil), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	require.NotNil(t, checker)

	// Start and immediately cancel to verify it doesn't panic.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func failingRuns(n int) []model.Run {
	now := time.Now().UTC()
	runs := []model.Run{{Status: model.RunStatusComplete, CreatedAt: now}}
	for range n {
		runs = append(runs, model.Run{Status: model.RunStatusFailed, CreatedAt: now})
	}
	return runs
}

func TestChecker_CheckSendsNewAlertsOnce(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	runs := &stubRuns{runs: failingRuns(5)}
	cfg := config.MonitoringConfig{
		WebhookURL:           ts.URL,
		LookbackWindowHours:  24,
		FailureRateThreshold: 0.10,
	}
	checker := NewChecker(NewCollector(runs, nil, nil), NewAlerter(cfg), cfg)
	ctx := context.Background()

	alerts := checker.Check(ctx)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRunFailureRate, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "Extraction run failure rate")
	assert.Equal(t, int32(1), received.Load())

	// Still firing: reported but not re-sent.
	require.Len(t, checker.Check(ctx), 1)
	assert.Equal(t, int32(1), received.Load())

	// Cleared, then firing again: sent again.
	runs.runs = nil
	assert.Empty(t, checker.Check(ctx))
	runs.runs = failingRuns(5)
	require.Len(t, checker.Check(ctx), 1)
	assert.Equal(t, int32(2), received.Load())
}

func TestChecker_CollectErrorRaisesNothing(t *testing.T) {
	cfg := config.MonitoringConfig{FailureRateThreshold: 0.10}
	checker := NewChecker(NewCollector(&stubRuns{err: errors.New("db down")}, nil, nil), NewAlerter(cfg), cfg)

	assert.Nil(t, checker.Check(context.Background()))
}
