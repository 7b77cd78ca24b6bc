package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"chatflow/internal/logger"
	"chatflow/internal/metrics"
	"chatflow/internal/presence"
	"chatflow/internal/scheduler"
)

type SchedulerCmd struct {
	Interval      time.Duration `help:"how often scheduled tasks are evaluated" default:"60s" env:"CHATFLOW_SCHEDULER_INTERVAL"`
	SeedFile      string        `help:"YAML file with tasks to create (built-in tasks when empty)" type:"existingfile" env:"CHATFLOW_SCHEDULER_SEED_FILE"`
	StaleAfter    time.Duration `help:"age after which PROCESSING jobs are failed by fail_stale_jobs" default:"15m"`
	MetricsListen string        `help:"address for /metrics (empty disables)" default:"" env:"CHATFLOW_METRICS_LISTEN"`

	Store StoreFlags `embed:"" prefix:"store-"`
	Redis RedisFlags `embed:"" prefix:"redis-"`
}

func (c *SchedulerCmd) Run(globals *Globals) error {
	logger.Setup(globals.Debug)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := c.Store.open(ctx, false)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer repo.Close()

	tasks := scheduler.DefaultTasks()
	if c.SeedFile != "" {
		if tasks, err = scheduler.LoadSeedFile(c.SeedFile); err != nil {
			return err
		}
	}
	if err := scheduler.Seed(ctx, repo, tasks); err != nil {
		return fmt.Errorf("seed tasks: %w", err)
	}

	// Only a shared Redis store can be swept from here; in-memory presence
	// lives in the serve processes.
	var store presence.Store
	rdb, err := c.Redis.client(ctx)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		store = presence.NewRedisStore(rdb, c.Redis.Prefix)
	}

	m := metrics.New()
	serveMetrics(ctx, c.MetricsListen, m)

	svc := scheduler.NewService(repo, c.Interval, m)
	svc.Register(scheduler.TaskFailStaleJobs, scheduler.FailStaleJobs(repo, c.StaleAfter))
	svc.Register(scheduler.TaskSweepPresence, scheduler.SweepPresence(store))
	svc.Register(scheduler.TaskQueueDepth, scheduler.QueueDepth(repo, m))

	log.Info().Int("tasks", len(tasks)).Msg("starting scheduler")
	svc.Run(ctx)
	return nil
}
