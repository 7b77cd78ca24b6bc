package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"chatflow/internal/domain"
)

var (
	// ErrEmpty means no PENDING job was available.
	ErrEmpty = errors.New("no jobs ready")
	// ErrClaimLost means another worker flipped the row first. Not a failure.
	ErrClaimLost = errors.New("job claimed by another worker")
	ErrNotFound  = errors.New("not found")
	// ErrNotProcessing is returned when completing or failing a job that is
	// no longer owned by a worker.
	ErrNotProcessing = errors.New("job is not processing")
)

// Repository is the durable store behind the job queue and the scheduler.
type Repository interface {
	Enqueue(ctx context.Context, kind string, payload []byte) (string, error)
	// Claim moves the oldest PENDING job to PROCESSING inside one transaction
	// and returns it. The caller runs the job after Claim has returned.
	Claim(ctx context.Context) (domain.Job, error)
	Complete(ctx context.Context, id string, at time.Time) error
	Fail(ctx context.Context, id, errText string, at time.Time) error
	Get(ctx context.Context, id string) (domain.Job, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Job, error)
	CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error)
	// FailStale marks PROCESSING jobs claimed before cutoff as FAILED.
	FailStale(ctx context.Context, cutoff time.Time, reason string) (int, error)

	// Scheduled tasks
	EnsureTask(ctx context.Context, t domain.ScheduledTask) (string, error)
	GetTask(ctx context.Context, id string) (domain.ScheduledTask, error)
	ListTasks(ctx context.Context) ([]domain.ScheduledTask, error)
	SetTaskEnabled(ctx context.Context, id string, enabled bool) error
	MarkTaskRun(ctx context.Context, id string, at time.Time) error

	Close() error
}

// scanner is satisfied by *sql.Row, *sql.Rows and pgx.Row.
type scanner interface {
	Scan(dest ...any) error
}

const jobColumns = `id, kind, payload, status, created_at, claimed_at, processed_at, failed_at, error`

func scanJob(row scanner) (domain.Job, error) {
	var j domain.Job
	var errText *string
	if err := row.Scan(&j.ID, &j.Kind, &j.Payload, &j.Status, &j.CreatedAt,
		&j.ClaimedAt, &j.ProcessedAt, &j.FailedAt, &errText); err != nil {
		return domain.Job{}, err
	}
	if errText != nil {
		j.Error = *errText
	}
	return j, nil
}

const taskColumns = `id, name, schedule, enabled, last_run_at`

func scanTask(row scanner) (domain.ScheduledTask, error) {
	var t domain.ScheduledTask
	if err := row.Scan(&t.ID, &t.Name, &t.Schedule, &t.Enabled, &t.LastRunAt); err != nil {
		return domain.ScheduledTask{}, err
	}
	return t, nil
}

func newJobID() string {
	return "job_" + uuid.Must(uuid.NewV7()).String()
}

func newTaskID() string {
	return "tsk_" + uuid.NewString()
}
