package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatflow/internal/domain"
	"chatflow/internal/metrics"
	"chatflow/internal/presence"
	"chatflow/internal/queue"
)

type memStore struct {
	mu    sync.Mutex
	tasks map[string]domain.ScheduledTask
}

func newMemStore(tasks ...domain.ScheduledTask) *memStore {
	s := &memStore{tasks: make(map[string]domain.ScheduledTask)}
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = t.Name
		}
		s.tasks[t.ID] = t
	}
	return s
}

func (s *memStore) ListTasks(context.Context) ([]domain.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ScheduledTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memStore) MarkTaskRun(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[id]
	t.LastRunAt = &at
	s.tasks[id] = t
	return nil
}

func (s *memStore) lastRun(id string) *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id].LastRunAt
}

func TestEveryFiveMinutes(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-6 * time.Minute)
	store := newMemStore(domain.ScheduledTask{Name: "digest", Schedule: "every 5 min", Enabled: true, LastRunAt: &last})

	var runs atomic.Int32
	svc := NewService(store, time.Minute, metrics.New())
	svc.clock = func() time.Time { return now }
	svc.Register("digest", func(context.Context) error {
		runs.Add(1)
		return nil
	})

	svc.Tick(ctx, now)
	svc.Wait()
	require.EqualValues(t, 1, runs.Load())
	require.NotNil(t, store.lastRun("digest"))
	assert.True(t, now.Equal(*store.lastRun("digest")))

	svc.Tick(ctx, now.Add(time.Minute))
	svc.Wait()
	svc.Tick(ctx, now.Add(4*time.Minute+59*time.Second))
	svc.Wait()
	assert.EqualValues(t, 1, runs.Load())

	svc.Tick(ctx, now.Add(5*time.Minute))
	svc.Wait()
	assert.EqualValues(t, 2, runs.Load())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLastRunIsCompletionTime(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	store := newMemStore(domain.ScheduledTask{Name: "digest", Schedule: "every 5 min", Enabled: true})

	var runs atomic.Int32
	svc := NewService(store, time.Minute, nil)
	svc.clock = clock.Now
	svc.Register("digest", func(context.Context) error {
		runs.Add(1)
		clock.Advance(7 * time.Minute)
		return nil
	})

	svc.Tick(ctx, start)
	svc.Wait()
	finished := start.Add(7 * time.Minute)
	require.NotNil(t, store.lastRun("digest"))
	assert.True(t, finished.Equal(*store.lastRun("digest")))

	// The run outlasted its interval; the next one is still five minutes after it finished.
	svc.Tick(ctx, finished)
	svc.Wait()
	svc.Tick(ctx, finished.Add(4*time.Minute))
	svc.Wait()
	assert.EqualValues(t, 1, runs.Load())

	svc.Tick(ctx, finished.Add(5*time.Minute))
	svc.Wait()
	assert.EqualValues(t, 2, runs.Load())
}

func TestNeverRunTaskIsDue(t *testing.T) {
	store := newMemStore(domain.ScheduledTask{Name: "cleanup", Schedule: "every 60 min", Enabled: true})
	var runs atomic.Int32
	svc := NewService(store, time.Minute, nil)
	svc.Register("cleanup", func(context.Context) error { runs.Add(1); return nil })

	svc.Tick(context.Background(), time.Now())
	svc.Wait()
	assert.EqualValues(t, 1, runs.Load())
}

func TestFailingTaskIsIsolated(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := newMemStore(
		domain.ScheduledTask{Name: "a_fails", Schedule: "every 1 min", Enabled: true},
		domain.ScheduledTask{Name: "b_panics", Schedule: "every 1 min", Enabled: true},
		domain.ScheduledTask{Name: "c_works", Schedule: "every 1 min", Enabled: true},
		domain.ScheduledTask{Name: "d_disabled", Schedule: "every 1 min", Enabled: false},
		domain.ScheduledTask{Name: "e_bad_spec", Schedule: "sometimes", Enabled: true},
		domain.ScheduledTask{Name: "f_unregistered", Schedule: "every 1 min", Enabled: true},
	)

	var works, disabled atomic.Int32
	svc := NewService(store, time.Minute, metrics.New())
	svc.Register("a_fails", func(context.Context) error { return errors.New("db gone") })
	svc.Register("b_panics", func(context.Context) error { panic("boom") })
	svc.Register("c_works", func(context.Context) error { works.Add(1); return nil })
	svc.Register("d_disabled", func(context.Context) error { disabled.Add(1); return nil })

	svc.Tick(ctx, now)
	svc.Wait()

	assert.EqualValues(t, 1, works.Load())
	assert.Zero(t, disabled.Load())
	assert.Nil(t, store.lastRun("a_fails"), "failed task keeps its last run")
	assert.Nil(t, store.lastRun("b_panics"))
	assert.NotNil(t, store.lastRun("c_works"))

	// The failed task is retried on the next cycle.
	var retried atomic.Int32
	svc.Register("a_fails", func(context.Context) error { retried.Add(1); return nil })
	svc.Tick(ctx, now.Add(time.Second))
	svc.Wait()
	assert.EqualValues(t, 1, retried.Load())
	assert.NotNil(t, store.lastRun("a_fails"))
}

func TestSlowTaskIsNotRedispatched(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(
		domain.ScheduledTask{Name: "slow", Schedule: "every 1 sec", Enabled: true},
		domain.ScheduledTask{Name: "fast", Schedule: "every 1 sec", Enabled: true},
	)

	release := make(chan struct{})
	var slow, fast atomic.Int32
	svc := NewService(store, time.Second, nil)
	svc.Register("slow", func(context.Context) error {
		slow.Add(1)
		<-release
		return nil
	})
	svc.Register("fast", func(context.Context) error { fast.Add(1); return nil })

	now := time.Now()
	svc.Tick(ctx, now)
	require.Eventually(t, func() bool { return fast.Load() == 1 }, time.Second, 5*time.Millisecond)

	svc.Tick(ctx, now.Add(2*time.Second))
	require.Eventually(t, func() bool { return fast.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, slow.Load())

	close(release)
	svc.Wait()
}

func TestRunStopsOnCancel(t *testing.T) {
	store := newMemStore(domain.ScheduledTask{Name: "tick", Schedule: "every 1 min", Enabled: true})
	var runs atomic.Int32
	svc := NewService(store, 10*time.Millisecond, nil)
	svc.Register("tick", func(context.Context) error { runs.Add(1); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.EqualValues(t, 1, runs.Load())
}

func newRepo(t *testing.T) *queue.SQLiteRepo {
	t.Helper()
	db, err := queue.OpenSQLite(filepath.Join(t.TempDir(), "scheduler.db"))
	require.NoError(t, err)
	repo := queue.NewSQLiteRepo(db)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestSeedFromFile(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	path := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tasks:
  - name: fail_stale_jobs
    schedule: every 5 min
  - name: nightly_digest
    schedule: "0 3 * * *"
    enabled: false
`), 0o600))

	tasks, err := LoadSeedFile(path)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.True(t, tasks[0].Enabled)
	assert.False(t, tasks[1].Enabled)

	require.NoError(t, Seed(ctx, repo, tasks))
	require.NoError(t, Seed(ctx, repo, DefaultTasks()))

	stored, err := repo.ListTasks(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(stored))
	for _, s := range stored {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"fail_stale_jobs", "nightly_digest", "queue_depth", "sweep_presence"}, names)

	err = Seed(ctx, repo, []domain.ScheduledTask{{Name: "broken", Schedule: "whenever"}})
	assert.ErrorIs(t, err, ErrInvalidSpec)
}

func TestBuiltinTasksAgainstSQLite(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	id, err := repo.Enqueue(ctx, "notify", []byte(`{}`))
	require.NoError(t, err)
	_, err = repo.Enqueue(ctx, "notify", []byte(`{}`))
	require.NoError(t, err)
	_, err = repo.Claim(ctx)
	require.NoError(t, err)

	require.NoError(t, QueueDepth(repo, metrics.New())(ctx))

	// A negative age puts the cutoff in the future so the fresh claim counts as stale.
	require.NoError(t, FailStaleJobs(repo, -time.Minute)(ctx))
	job, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, job.Status)

	mem := presence.NewMemoryStore()
	require.NoError(t, SweepPresence(mem)(ctx))
}
