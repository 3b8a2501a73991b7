package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/pageindex/internal/model"
	"github.com/sells-group/pageindex/internal/resilience"
)

// Pool is the subset of pgxpool.Pool the store uses, so tests can run
// against pgxmock.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements Backend and RunStore using pgxpool. It also
// provides a shared breaker store and a dead-letter table.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements are prepared on each new connection for the hottest
// store operations.
var preparedStatements = map[string]string{
	"save_blob":        `INSERT INTO blobs (key, data, updated_at) VALUES ($1, $2, $3) ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
	"load_blob":        `SELECT data FROM blobs WHERE key = $1`,
	"record_failure":   breakerRecordSQL,
	"breaker_snapshot": `SELECT failures, last_failure FROM breaker_state WHERE key = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS blobs (
	key        TEXT PRIMARY KEY,
	data       BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	doc_id     TEXT NOT NULL,
	doc_name   TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'queued',
	report     JSONB,
	error      TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_phases (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	name       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	result     JSONB,
	started_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_doc_id ON runs(doc_id);
CREATE INDEX IF NOT EXISTS idx_run_phases_run_id ON run_phases(run_id);

CREATE TABLE IF NOT EXISTS breaker_state (
	key          TEXT PRIMARY KEY,
	failures     INTEGER NOT NULL DEFAULT 0,
	last_failure TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id           TEXT PRIMARY KEY,
	doc_id       TEXT NOT NULL,
	stage        TEXT NOT NULL,
	units        JSONB NOT NULL DEFAULT '[]',
	request_id   TEXT,
	model        TEXT,
	input_digest TEXT,
	prompt       TEXT,
	error        TEXT NOT NULL,
	error_type   TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_doc_stage ON dead_letters(doc_id, stage, created_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Blobs

func (s *PostgresStore) Save(ctx context.Context, key string, data []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO blobs (key, data, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		key, data, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save %s", key)
}

func (s *PostgresStore) Load(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM blobs WHERE key = $1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load %s", key)
	}
	return data, nil
}

func (s *PostgresStore) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM blobs WHERE key = $1)`, key).Scan(&ok)
	return ok, eris.Wrapf(err, "postgres: exists %s", key)
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM blobs WHERE key = $1`, key)
	return eris.Wrapf(err, "postgres: delete %s", key)
}

func (s *PostgresStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key FROM blobs WHERE starts_with(key, $1) ORDER BY key`,
		prefix,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list %s", prefix)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list %s", prefix)
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

// Runs

func (s *PostgresStore) CreateRun(ctx context.Context, docID, docName string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, doc_id, doc_name, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, docID, docName, string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:        id,
		DocID:     docID,
		DocName:   docName,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) execRun(ctx context.Context, runID, action, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: %s %s", action, runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	return s.execRun(ctx, runID, "update run status",
		`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, report *model.RunReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal report")
	}
	return s.execRun(ctx, runID, "complete run",
		`UPDATE runs SET report = $1, status = $2, updated_at = $3 WHERE id = $4`,
		reportJSON, string(model.RunStatusComplete), time.Now().UTC(), runID,
	)
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, reason string) error {
	return s.execRun(ctx, runID, "fail run",
		`UPDATE runs SET error = $1, status = $2, updated_at = $3 WHERE id = $4`,
		reason, string(model.RunStatusFailed), time.Now().UTC(), runID,
	)
}

const pgRunColumns = `id, doc_id, doc_name, status, report, error, created_at, updated_at`

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var reportJSON []byte
	var errMsg *string

	if err := row.Scan(&r.ID, &r.DocID, &r.DocName, &r.Status, &reportJSON, &errMsg, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if errMsg != nil {
		r.Error = *errMsg
	}
	if len(reportJSON) > 0 {
		r.Report = &model.RunReport{}
		if err := json.Unmarshal(reportJSON, r.Report); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal report")
		}
	}
	return &r, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM runs WHERE id = $1`, runID))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT ` + pgRunColumns + ` FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.DocID != "" {
		query += fmt.Sprintf(` AND doc_id = $%d`, argIdx)
		args = append(args, filter.DocID)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, defaultLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// Phases

func (s *PostgresStore) CreatePhase(ctx context.Context, runID string, name string) (*model.RunPhase, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_phases (id, run_id, name, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		id, runID, name, string(model.PhaseStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert phase for run %s", runID)
	}
	return &model.RunPhase{ID: id, RunID: runID, Name: name, Status: model.PhaseStatusRunning, StartedAt: now}, nil
}

func (s *PostgresStore) CompletePhase(ctx context.Context, phaseID string, result *model.PhaseResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal phase result")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE run_phases SET status = $1, result = $2 WHERE id = $3`,
		string(result.Status), resultJSON, phaseID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete phase %s", phaseID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("phase not found: %s", phaseID)
	}
	return nil
}

// Breaker state

const breakerRecordSQL = `INSERT INTO breaker_state (key, failures, last_failure) VALUES ($1, 1, $2)
ON CONFLICT (key) DO UPDATE SET failures = breaker_state.failures + 1, last_failure = EXCLUDED.last_failure
RETURNING failures`

type pgBreakerStore struct {
	pool Pool
}

// BreakerStore returns a breaker store shared by every process using this database.
func (s *PostgresStore) BreakerStore() resilience.BreakerStore {
	return &pgBreakerStore{pool: s.pool}
}

func (b *pgBreakerStore) RecordFailure(ctx context.Context, key string, at time.Time) (int, error) {
	var n int
	err := b.pool.QueryRow(ctx, breakerRecordSQL, key, at.UTC()).Scan(&n)
	return n, eris.Wrapf(err, "postgres: record failure %s", key)
}

func (b *pgBreakerStore) Snapshot(ctx context.Context, key string) (resilience.BreakerSnapshot, error) {
	snap := resilience.BreakerSnapshot{Key: key}
	err := b.pool.QueryRow(ctx,
		`SELECT failures, last_failure FROM breaker_state WHERE key = $1`, key,
	).Scan(&snap.Failures, &snap.LastFailure)
	if errors.Is(err, pgx.ErrNoRows) {
		return snap, nil
	}
	return snap, eris.Wrapf(err, "postgres: breaker snapshot %s", key)
}

func (b *pgBreakerStore) Reset(ctx context.Context, key string) error {
	_, err := b.pool.Exec(ctx, `DELETE FROM breaker_state WHERE key = $1`, key)
	return eris.Wrapf(err, "postgres: reset breaker %s", key)
}

// Dead letters

type pgDeadLetters struct {
	pool Pool
}

// DeadLetters returns a sink writing to the dead_letters table.
func (s *PostgresStore) DeadLetters() resilience.DeadLetterSink {
	return &pgDeadLetters{pool: s.pool}
}

func (d *pgDeadLetters) Record(ctx context.Context, dl resilience.DeadLetter) error {
	dl.Prepare(time.Now())
	units, err := json.Marshal(dl.Units)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal dead letter units")
	}
	_, err = d.pool.Exec(ctx,
		`INSERT INTO dead_letters
		 (id, doc_id, stage, units, request_id, model, input_digest, prompt, error, error_type, attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO NOTHING`,
		dl.ID, dl.DocID, dl.Stage, units, dl.RequestID, dl.Model, dl.InputDigest, dl.Prompt,
		dl.Error, dl.ErrorType, dl.Attempts, dl.CreatedAt,
	)
	return eris.Wrap(err, "postgres: record dead letter")
}

func (d *pgDeadLetters) List(ctx context.Context, filter resilience.DeadLetterFilter) ([]resilience.DeadLetter, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, doc_id, stage, units, request_id, model, input_digest, prompt, error, error_type, attempts, created_at
		 FROM dead_letters
		 WHERE ($1 = '' OR doc_id = $1) AND ($2 = '' OR stage = $2)
		 ORDER BY created_at
		 LIMIT $3`,
		filter.DocID, filter.Stage, defaultLimit(filter.Limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dead letters")
	}
	defer rows.Close()

	var out []resilience.DeadLetter
	for rows.Next() {
		var dl resilience.DeadLetter
		var units []byte
		var requestID, mdl, digest, prompt *string
		if err := rows.Scan(&dl.ID, &dl.DocID, &dl.Stage, &units, &requestID, &mdl, &digest, &prompt,
			&dl.Error, &dl.ErrorType, &dl.Attempts, &dl.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead letter")
		}
		if len(units) > 0 {
			if err := json.Unmarshal(units, &dl.Units); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal dead letter units")
			}
		}
		dl.RequestID = deref(requestID)
		dl.Model = deref(mdl)
		dl.InputDigest = deref(digest)
		dl.Prompt = deref(prompt)
		out = append(out, dl)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list dead letters iterate")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
