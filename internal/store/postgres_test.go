package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pageindex/internal/model"
	"github.com/sells-group/pageindex/internal/resilience"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return &PostgresStore{pool: mock}, mock
}

func TestPostgresStore_SaveUpserts(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`(?s)INSERT INTO blobs .* ON CONFLICT \(key\) DO UPDATE`).
		WithArgs("indexes/doc-1.json", []byte(`{}`), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Save(context.Background(), "indexes/doc-1.json", []byte(`{}`)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadNotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT data FROM blobs WHERE key = \$1`).
		WithArgs("indexes/missing.json").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.Load(context.Background(), "indexes/missing.json")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListKeys(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT key FROM blobs WHERE starts_with\(key, \$1\)`).
		WithArgs("_cache/").
		WillReturnRows(pgxmock.NewRows([]string{"key"}).AddRow("_cache/a").AddRow("_cache/b"))

	keys, err := s.ListKeys(context.Background(), "_cache/")
	require.NoError(t, err)
	assert.Equal(t, []string{"_cache/a", "_cache/b"}, keys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, doc_id, doc_name, status, report, error, created_at, updated_at FROM runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get run")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRunStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status`).
		WithArgs(string(model.RunStatusFailed), pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateRunStatus(context.Background(), "missing", model.RunStatusFailed)
	assert.ErrorContains(t, err, "run not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBreakerStore_RecordFailureIncrements(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	bs := s.BreakerStore()
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`(?s)INSERT INTO breaker_state .* ON CONFLICT \(key\) DO UPDATE SET failures = breaker_state.failures \+ 1`).
		WithArgs("anthropic/m", at).
		WillReturnRows(pgxmock.NewRows([]string{"failures"}).AddRow(3))

	n, err := bs.RecordFailure(context.Background(), "anthropic/m", at)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBreakerStore_SnapshotMissingIsZero(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT failures, last_failure FROM breaker_state`).
		WithArgs("openai/m").
		WillReturnError(pgx.ErrNoRows)

	snap, err := s.BreakerStore().Snapshot(context.Background(), "openai/m")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Failures)
	assert.Equal(t, "openai/m", snap.Key)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBreakerStore_DrivesBreaker(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	last := time.Now().UTC()

	mock.ExpectQuery(`SELECT failures, last_failure FROM breaker_state`).
		WithArgs("anthropic/m").
		WillReturnRows(pgxmock.NewRows([]string{"failures", "last_failure"}).AddRow(5, last))

	cb := resilience.NewCircuitBreaker("anthropic/m", s.BreakerStore(), resilience.CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     time.Minute,
	})
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		t.Error("shared open state must short-circuit the call")
		return nil
	})
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeadLetters_RecordAndList(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	sink := s.DeadLetters()
	created := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO dead_letters`).
		WithArgs("dl-1", "doc-1", "extraction", []byte(`["q1"]`), "", "m", pgxmock.AnyArg(), "prompt",
			"boom", "transient", 3, created).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, sink.Record(context.Background(), resilience.DeadLetter{
		ID: "dl-1", DocID: "doc-1", Stage: "extraction", Units: []string{"q1"}, Model: "m",
		Prompt: "prompt", Error: "boom", ErrorType: "transient", Attempts: 3, CreatedAt: created,
	}))

	empty, mdl := "", "m"
	mock.ExpectQuery(`(?s)SELECT id, doc_id, stage, units .* FROM dead_letters`).
		WithArgs("doc-1", "", 100).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "doc_id", "stage", "units", "request_id", "model", "input_digest", "prompt",
			"error", "error_type", "attempts", "created_at",
		}).AddRow("dl-1", "doc-1", "extraction", []byte(`["q1"]`), &empty, &mdl, &empty, &empty, "boom", "transient", 3, created))

	letters, err := sink.List(context.Background(), resilience.DeadLetterFilter{DocID: "doc-1"})
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, []string{"q1"}, letters[0].Units)
	assert.Equal(t, "m", letters[0].Model)
	assert.Equal(t, "", letters[0].RequestID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
