package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"chatflow/internal/jobs"
	"chatflow/internal/logger"
	"chatflow/internal/metrics"
	"chatflow/internal/worker"
)

type WorkerCmd struct {
	Concurrency   int           `help:"jobs executed in parallel" default:"4" env:"CHATFLOW_WORKER_CONCURRENCY"`
	Idle          time.Duration `help:"sleep between polls when the queue is empty" default:"1s" env:"CHATFLOW_WORKER_IDLE"`
	JobTimeout    time.Duration `help:"maximum run time of one job (0 disables)" default:"5m"`
	StaleAfter    time.Duration `help:"PROCESSING jobs older than this are failed at start-up" default:"15m"`
	PushURL       string        `help:"push gateway URL for notify jobs (logs pushes when empty)" env:"CHATFLOW_PUSH_URL"`
	HTTPTimeout   time.Duration `help:"timeout for outbound push and webhook requests" default:"30s"`
	MetricsListen string        `help:"address for /metrics (empty disables)" default:"" env:"CHATFLOW_METRICS_LISTEN"`

	Store StoreFlags `embed:"" prefix:"store-"`
}

func (c *WorkerCmd) Run(globals *Globals) error {
	logger.Setup(globals.Debug)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := c.Store.open(ctx, false)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer repo.Close()

	n, err := repo.FailStale(ctx, time.Now().Add(-c.StaleAfter), "worker stopped before finishing")
	if err != nil {
		log.Error().Err(err).Msg("failed to sweep stale jobs")
	} else {
		log.Info().Int("failed", n).Msg("swept stale processing jobs")
	}

	client := &http.Client{Timeout: c.HTTPTimeout}
	var pusher jobs.Pusher = jobs.LogPusher{}
	if c.PushURL != "" {
		pusher = &jobs.WebhookPusher{URL: c.PushURL, Client: client}
	}

	m := metrics.New()
	serveMetrics(ctx, c.MetricsListen, m)

	pool := worker.NewPool(repo, jobs.Builtin(pusher, client), worker.Config{
		Concurrency:  c.Concurrency,
		IdleInterval: c.Idle,
		JobTimeout:   c.JobTimeout,
	}, m)
	pool.Run(ctx)
	return nil
}
