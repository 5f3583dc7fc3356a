package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"jobwarden/internal/model"
	logx "jobwarden/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteStore keeps all tables in one SQLite file. Times are stored as
// unix nanoseconds; NULL means the zero time.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; the CLI and daemon coordinate via busy_timeout.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return err
	}
	// Columns added after the first release.
	for _, c := range []struct{ name, ddl string }{
		{"execution_id", "ALTER TABLE executions ADD COLUMN execution_id TEXT"},
		{"retried", "ALTER TABLE executions ADD COLUMN retried INTEGER NOT NULL DEFAULT 0"},
	} {
		ok, err := s.hasColumn(ctx, "executions", c.name)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if _, err := s.db.ExecContext(ctx, c.ddl); err != nil {
			return fmt.Errorf("migrate executions.%s: %w", c.name, err)
		}
		s.log.Info("sqlite column added", logx.String("table", "executions"), logx.String("column", c.name))
	}
	return nil
}

func (s *sqliteStore) hasColumn(ctx context.Context, table, col string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, err
		}
		if name == col {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- circuits ----

const circuitCols = `job, state, failures, last_failure, last_success, last_error, opened_at, half_open_attempts, updated_at`

func (s *sqliteStore) LoadCircuits(ctx context.Context) ([]model.CircuitState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+circuitCols+` FROM circuits ORDER BY job`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.CircuitState
	for rows.Next() {
		c, err := scanCircuit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LoadCircuit(ctx context.Context, job string) (model.CircuitState, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+circuitCols+` FROM circuits WHERE job = ?`, job)
	c, err := scanCircuit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CircuitState{}, false, nil
	}
	if err != nil {
		return model.CircuitState{}, false, err
	}
	return c, true, nil
}

func (s *sqliteStore) SaveCircuit(ctx context.Context, st model.CircuitState) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO circuits(`+circuitCols+`) VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(job) DO UPDATE SET
		   state=excluded.state, failures=excluded.failures,
		   last_failure=excluded.last_failure, last_success=excluded.last_success,
		   last_error=excluded.last_error, opened_at=excluded.opened_at,
		   half_open_attempts=excluded.half_open_attempts, updated_at=excluded.updated_at`,
		st.Job, string(st.State), st.Failures,
		nullTime(st.LastFailure), nullTime(st.LastSuccess), nullStr(st.LastError),
		nullTime(st.OpenedAt), st.HalfOpenAttempts, st.UpdatedAt.UnixNano(),
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCircuit(r scanner) (model.CircuitState, error) {
	var (
		c                        model.CircuitState
		state                    string
		lastFail, lastOK, opened sql.NullInt64
		lastErr                  sql.NullString
		updated                  int64
	)
	if err := r.Scan(&c.Job, &state, &c.Failures, &lastFail, &lastOK, &lastErr, &opened, &c.HalfOpenAttempts, &updated); err != nil {
		return model.CircuitState{}, err
	}
	c.State = model.CircuitStatus(state)
	c.LastFailure = fromNull(lastFail)
	c.LastSuccess = fromNull(lastOK)
	c.OpenedAt = fromNull(opened)
	c.LastError = lastErr.String
	c.UpdatedAt = time.Unix(0, updated)
	return c, nil
}

// ---- slots ----

func (s *sqliteStore) LoadSlots(ctx context.Context) ([]model.ExecutionSlot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, max_concurrent, max_memory_mb, max_cpu_percent, running, memory_mb, tier, updated_at
		 FROM slots ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ExecutionSlot
	for rows.Next() {
		var (
			sl      model.ExecutionSlot
			name    string
			tier    sql.NullString
			updated int64
		)
		if err := rows.Scan(&name, &sl.Limits.MaxConcurrent, &sl.Limits.MaxMemoryMB, &sl.Limits.MaxCPUPercent,
			&sl.Running, &sl.MemoryMB, &tier, &updated); err != nil {
			return nil, err
		}
		sl.Name = model.SlotName(name)
		sl.Tier = tier.String
		sl.UpdatedAt = time.Unix(0, updated)
		out = append(out, sl)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveSlots(ctx context.Context, slots []model.ExecutionSlot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, sl := range slots {
		at := sl.UpdatedAt
		if at.IsZero() {
			at = time.Now()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO slots(name, max_concurrent, max_memory_mb, max_cpu_percent, running, memory_mb, tier, updated_at)
			 VALUES(?,?,?,?,?,?,?,?)
			 ON CONFLICT(name) DO UPDATE SET
			   max_concurrent=excluded.max_concurrent, max_memory_mb=excluded.max_memory_mb,
			   max_cpu_percent=excluded.max_cpu_percent, running=excluded.running,
			   memory_mb=excluded.memory_mb, tier=excluded.tier, updated_at=excluded.updated_at`,
			string(sl.Name), sl.Limits.MaxConcurrent, sl.Limits.MaxMemoryMB, sl.Limits.MaxCPUPercent,
			sl.Running, sl.MemoryMB, nullStr(sl.Tier), at.UnixNano(),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ---- jobs ----

// Job definitions are stored as a JSON body; only name is indexed.
func (s *sqliteStore) UpsertJob(ctx context.Context, j model.JobDefinition) error {
	b, err := json.Marshal(j)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(name, body, updated_at) VALUES(?,?,?)
		 ON CONFLICT(name) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at`,
		j.Name, string(b), time.Now().UnixNano(),
	)
	return err
}

func (s *sqliteStore) GetJob(ctx context.Context, name string) (model.JobDefinition, bool, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM jobs WHERE name = ?`, name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return model.JobDefinition{}, false, nil
	}
	if err != nil {
		return model.JobDefinition{}, false, err
	}
	var j model.JobDefinition
	if err := json.Unmarshal([]byte(body), &j); err != nil {
		return model.JobDefinition{}, false, err
	}
	return j, true, nil
}

func (s *sqliteStore) ListJobs(ctx context.Context) ([]model.JobDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM jobs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.JobDefinition
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var j model.JobDefinition
		if err := json.Unmarshal([]byte(body), &j); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ---- history ----

func (s *sqliteStore) AppendExecution(ctx context.Context, rec model.ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(id, execution_id, job, attempt, retried, status, started_at, ended_at, duration_ms, peak_mem_mb, peak_cpu, exit_code, success, output, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, nullStr(rec.ExecutionID), rec.Job, rec.Attempt, rec.Retried, string(rec.Status),
		rec.StartedAt.UnixNano(), rec.EndedAt.UnixNano(), rec.Duration.Milliseconds(),
		rec.PeakMemMB, rec.PeakCPU, rec.ExitCode, rec.Success,
		nullStr(rec.Output), nullStr(rec.Error),
	)
	return err
}

func (s *sqliteStore) RecentExecutions(ctx context.Context, job string, n int) ([]model.ExecutionRecord, error) {
	if n <= 0 {
		n = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, job, attempt, retried, status, started_at, ended_at, duration_ms, peak_mem_mb, peak_cpu, exit_code, success, output, err
		 FROM executions WHERE job = ? ORDER BY started_at DESC LIMIT ?`, job, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ExecutionRecord
	for rows.Next() {
		var (
			r               model.ExecutionRecord
			status          string
			started, ended  int64
			durMS           int64
			output, errText sql.NullString
			execID          sql.NullString
		)
		if err := rows.Scan(&r.ID, &execID, &r.Job, &r.Attempt, &r.Retried, &status, &started, &ended, &durMS,
			&r.PeakMemMB, &r.PeakCPU, &r.ExitCode, &r.Success, &output, &errText); err != nil {
			return nil, err
		}
		r.Status = model.ExecutionStatus(status)
		r.StartedAt = time.Unix(0, started)
		r.EndedAt = time.Unix(0, ended)
		r.Duration = time.Duration(durMS) * time.Millisecond
		r.ExecutionID = execID.String
		r.Output = output.String
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

const aggregateSelect = `SELECT job,
	COUNT(*),
	COALESCE(SUM(success), 0),
	COALESCE(AVG(duration_ms), 0), COALESCE(MAX(duration_ms), 0),
	COALESCE(AVG(peak_mem_mb), 0), COALESCE(MAX(peak_mem_mb), 0),
	COALESCE(AVG(peak_cpu), 0), COALESCE(MAX(peak_cpu), 0)
	FROM executions WHERE started_at >= ? AND status != 'skipped' AND retried = 0`

func (s *sqliteStore) Aggregate(ctx context.Context, job string, since time.Time) (model.Stats, error) {
	all, err := s.aggregate(ctx, aggregateSelect+` AND job = ? GROUP BY job`, since, since.UnixNano(), job)
	if err != nil {
		return model.Stats{}, err
	}
	if st, ok := all[job]; ok {
		return st, nil
	}
	now := time.Now()
	return model.Stats{Window: now.Sub(since), UpdatedAt: now}, nil
}

func (s *sqliteStore) AggregateAll(ctx context.Context, since time.Time) (map[string]model.Stats, error) {
	return s.aggregate(ctx, aggregateSelect+` GROUP BY job`, since, since.UnixNano())
}

func (s *sqliteStore) aggregate(ctx context.Context, q string, since time.Time, args ...any) (map[string]model.Stats, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	now := time.Now()
	out := map[string]model.Stats{}
	for rows.Next() {
		var (
			job            string
			n, ok          int
			avgDur, maxDur float64
			st             model.Stats
		)
		if err := rows.Scan(&job, &n, &ok, &avgDur, &maxDur,
			&st.AvgMemoryMB, &st.MaxMemoryMB, &st.AvgCPU, &st.MaxCPU); err != nil {
			return nil, err
		}
		st.Window = now.Sub(since)
		st.Executions = n
		st.Successes = ok
		st.Failures = n - ok
		st.AvgDuration = time.Duration(avgDur * float64(time.Millisecond))
		st.MaxDuration = time.Duration(maxDur * float64(time.Millisecond))
		st.UpdatedAt = now
		out[job] = st
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func fromNull(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64)
}
