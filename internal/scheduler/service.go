package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"chatflow/internal/domain"
	"chatflow/internal/metrics"
	"chatflow/internal/queue"
)

// Handler is the body of a named periodic task.
type Handler func(ctx context.Context) error

// TaskStore is the slice of the queue repository the scheduler needs.
type TaskStore interface {
	ListTasks(ctx context.Context) ([]domain.ScheduledTask, error)
	MarkTaskRun(ctx context.Context, id string, at time.Time) error
}

var _ TaskStore = (queue.Repository)(nil)

type Service struct {
	store    TaskStore
	metrics  *metrics.Collector
	interval time.Duration
	clock    func() time.Time

	mu       sync.Mutex
	handlers map[string]Handler
	running  map[string]bool
	wg       sync.WaitGroup
}

func NewService(store TaskStore, checkInterval time.Duration, m *metrics.Collector) *Service {
	if checkInterval <= 0 {
		checkInterval = time.Minute
	}
	return &Service{
		store:    store,
		metrics:  m,
		interval: checkInterval,
		clock:    time.Now,
		handlers: make(map[string]Handler),
		running:  make(map[string]bool),
	}
}

// Register binds a handler to a task name.
func (s *Service) Register(name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = h
}

// Run evaluates tasks immediately and then on every interval until ctx is
// cancelled. Tasks already running are waited for before Run returns.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("scheduler started")
	s.Tick(ctx, s.clock())

	for {
		select {
		case <-ctx.Done():
			s.Wait()
			log.Info().Msg("scheduler stopped")
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Wait blocks until every dispatched task has returned.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Tick runs one scheduling cycle at now. Due tasks are dispatched on their own
// goroutines; Tick does not wait for them.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list scheduled tasks")
		return
	}

	for _, task := range tasks {
		if !task.Enabled {
			continue
		}
		if err := s.dispatch(ctx, task, now); err != nil {
			s.metrics.TaskFailed(task.Name)
			log.Error().Err(err).Str("task", task.Name).Msg("failed to dispatch scheduled task")
		}
	}
}

func (s *Service) dispatch(ctx context.Context, task domain.ScheduledTask, now time.Time) error {
	sched, err := ParseSpec(task.Schedule)
	if err != nil {
		return err
	}
	if !sched.Due(task.LastRunAt, now) {
		return nil
	}

	s.mu.Lock()
	h, ok := s.handlers[task.Name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("no handler registered for task %q", task.Name)
	}
	if s.running[task.Name] {
		s.mu.Unlock()
		log.Debug().Str("task", task.Name).Msg("task still running, skipping")
		return nil
	}
	s.running[task.Name] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, task.Name)
			s.mu.Unlock()
		}()
		s.run(context.WithoutCancel(ctx), task, h)
	}()
	return nil
}

// run executes one task and, only when it succeeded, sets last_run_at to the
// time the handler returned.
func (s *Service) run(ctx context.Context, task domain.ScheduledTask, h Handler) {
	logger := log.With().Str("task", task.Name).Str("task_id", task.ID).Logger()
	start := time.Now()

	if err := safeCall(ctx, h); err != nil {
		s.metrics.TaskFailed(task.Name)
		logger.Error().Err(err).Dur("took", time.Since(start)).Msg("scheduled task failed")
		return
	}
	if err := s.store.MarkTaskRun(ctx, task.ID, s.clock()); err != nil {
		s.metrics.TaskFailed(task.Name)
		logger.Error().Err(err).Msg("failed to record task run")
		return
	}
	s.metrics.TaskRun(task.Name)
	logger.Info().Dur("took", time.Since(start)).Msg("scheduled task completed")
}

func safeCall(ctx context.Context, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Bytes("stack", debug.Stack()).Msg("scheduled task panicked")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx)
}
