package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"chatflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  payload BLOB NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('PENDING','PROCESSING','COMPLETED','FAILED')) DEFAULT 'PENDING',
  created_at DATETIME NOT NULL,
  claimed_at DATETIME,
  processed_at DATETIME,
  failed_at DATETIME,
  error TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_pending ON jobs(status, created_at);
CREATE TABLE IF NOT EXISTS scheduled_tasks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  schedule TEXT NOT NULL,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run_at DATETIME
);
`
	_, err := db.Exec(schema)
	return err
}

// OpenSQLite opens the database at path with a single connection; SQLite has
// one writer and the single connection serialises claims.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

type SQLiteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) *SQLiteRepo { return &SQLiteRepo{db: db} }

func (r *SQLiteRepo) Close() error { return r.db.Close() }

func (r *SQLiteRepo) Enqueue(ctx context.Context, kind string, payload []byte) (string, error) {
	if kind == "" {
		return "", fmt.Errorf("job kind is required")
	}
	id := newJobID()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO jobs (id, kind, payload, status, created_at) VALUES (?, ?, ?, 'PENDING', ?)`,
		id, kind, payload, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

func (r *SQLiteRepo) Claim(ctx context.Context) (job domain.Job, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer func() {
		if err != nil && !errors.Is(err, ErrEmpty) && !errors.Is(err, ErrClaimLost) {
			_ = tx.Rollback()
		}
	}()

	job, err = scanJob(tx.QueryRowContext(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE status = 'PENDING'
ORDER BY created_at ASC, id ASC
LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		if err := tx.Commit(); err != nil {
			return domain.Job{}, err
		}
		return domain.Job{}, ErrEmpty
	}
	if err != nil {
		return domain.Job{}, err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'PROCESSING', claimed_at = ? WHERE id = ? AND status = 'PENDING'`, now, job.ID)
	if err != nil {
		return domain.Job{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if err := tx.Commit(); err != nil {
			return domain.Job{}, err
		}
		return domain.Job{}, ErrClaimLost
	}

	if err = tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	job.Status = domain.JobProcessing
	job.ClaimedAt = &now
	return job, nil
}

func (r *SQLiteRepo) Complete(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'COMPLETED', processed_at = ? WHERE id = ? AND status = 'PROCESSING'`, at.UTC(), id)
	return checkTransition(res, err, id)
}

func (r *SQLiteRepo) Fail(ctx context.Context, id, errText string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'FAILED', failed_at = ?, error = ? WHERE id = ? AND status = 'PROCESSING'`, at.UTC(), errText, id)
	return checkTransition(res, err, id)
}

func checkTransition(res sql.Result, err error, id string) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotProcessing, id)
	}
	return nil
}

func (r *SQLiteRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j, err
}

func (r *SQLiteRepo) ListRecent(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *SQLiteRepo) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var status domain.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r *SQLiteRepo) FailStale(ctx context.Context, cutoff time.Time, reason string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs SET status = 'FAILED', failed_at = ?, error = ?
WHERE status = 'PROCESSING' AND claimed_at < ?`, time.Now().UTC(), reason, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Warn().Int64("jobs", n).Time("cutoff", cutoff).Msg("failed stale processing jobs")
	}
	return int(n), nil
}

func (r *SQLiteRepo) EnsureTask(ctx context.Context, t domain.ScheduledTask) (string, error) {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO scheduled_tasks (id, name, schedule, enabled) VALUES (?, ?, ?, ?)
ON CONFLICT(name) DO NOTHING`, newTaskID(), t.Name, t.Schedule, t.Enabled)
	if err != nil {
		return "", fmt.Errorf("insert task %s: %w", t.Name, err)
	}
	var id string
	if err := r.db.QueryRowContext(ctx, `SELECT id FROM scheduled_tasks WHERE name = ?`, t.Name).Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

func (r *SQLiteRepo) GetTask(ctx context.Context, id string) (domain.ScheduledTask, error) {
	t, err := scanTask(r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduledTask{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

func (r *SQLiteRepo) ListTasks(ctx context.Context) ([]domain.ScheduledTask, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *SQLiteRepo) SetTaskEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE scheduled_tasks SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepo) MarkTaskRun(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE scheduled_tasks SET last_run_at = ? WHERE id = ?`, at.UTC(), id)
	return err
}
