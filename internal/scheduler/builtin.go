package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"chatflow/internal/domain"
	"chatflow/internal/metrics"
	"chatflow/internal/presence"
	"chatflow/internal/queue"
)

const (
	TaskFailStaleJobs = "fail_stale_jobs"
	TaskSweepPresence = "sweep_presence"
	TaskQueueDepth    = "queue_depth"
)

// DefaultTasks are seeded when no seed file is given.
func DefaultTasks() []domain.ScheduledTask {
	return []domain.ScheduledTask{
		{Name: TaskFailStaleJobs, Schedule: "every 5 min", Enabled: true},
		{Name: TaskSweepPresence, Schedule: "every 1 min", Enabled: true},
		{Name: TaskQueueDepth, Schedule: "every 1 min", Enabled: true},
	}
}

// FailStaleJobs marks jobs stuck in PROCESSING for longer than staleAfter as FAILED.
func FailStaleJobs(repo queue.Repository, staleAfter time.Duration) Handler {
	return func(ctx context.Context) error {
		n, err := repo.FailStale(ctx, time.Now().Add(-staleAfter), fmt.Sprintf("no result after %s", staleAfter))
		if err != nil {
			return err
		}
		log.Debug().Int("jobs", n).Msg("stale job sweep finished")
		return nil
	}
}

// SweepPresence evicts dead presence keys when the store supports it.
func SweepPresence(store presence.Store) Handler {
	return func(ctx context.Context) error {
		sweeper, ok := store.(presence.Sweeper)
		if !ok {
			return nil
		}
		n, err := sweeper.Sweep(ctx)
		if err != nil {
			return err
		}
		log.Debug().Int("keys", n).Msg("presence sweep finished")
		return nil
	}
}

// QueueDepth publishes job counts per status.
func QueueDepth(repo queue.Repository, m *metrics.Collector) Handler {
	return func(ctx context.Context) error {
		counts, err := repo.CountByStatus(ctx)
		if err != nil {
			return err
		}
		ev := log.Info()
		for _, st := range []domain.JobStatus{domain.JobPending, domain.JobProcessing, domain.JobCompleted, domain.JobFailed} {
			m.SetJobsByStatus(string(st), counts[st])
			ev = ev.Int(string(st), counts[st])
		}
		ev.Msg("queue depth")
		return nil
	}
}

type seedFile struct {
	Tasks []struct {
		Name     string `yaml:"name"`
		Schedule string `yaml:"schedule"`
		Enabled  *bool  `yaml:"enabled"`
	} `yaml:"tasks"`
}

// LoadSeedFile reads task definitions from a YAML file:
//
//	tasks:
//	  - name: fail_stale_jobs
//	    schedule: every 5 min
//	    enabled: true
func LoadSeedFile(path string) ([]domain.ScheduledTask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}

	tasks := make([]domain.ScheduledTask, 0, len(f.Tasks))
	for i, t := range f.Tasks {
		if t.Name == "" {
			return nil, fmt.Errorf("seed file %s: task %d has no name", path, i)
		}
		enabled := true
		if t.Enabled != nil {
			enabled = *t.Enabled
		}
		tasks = append(tasks, domain.ScheduledTask{Name: t.Name, Schedule: t.Schedule, Enabled: enabled})
	}
	return tasks, nil
}

// Seed inserts tasks whose names are not stored yet. Existing rows keep their
// schedule, enabled flag and last run.
func Seed(ctx context.Context, repo queue.Repository, tasks []domain.ScheduledTask) error {
	for _, t := range tasks {
		if err := ValidateSpec(t.Schedule); err != nil {
			return fmt.Errorf("task %s: %w", t.Name, err)
		}
		id, err := repo.EnsureTask(ctx, t)
		if err != nil {
			return err
		}
		log.Debug().Str("task", t.Name).Str("task_id", id).Msg("scheduled task seeded")
	}
	return nil
}
