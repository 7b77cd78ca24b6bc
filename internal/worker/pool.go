package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"chatflow/internal/domain"
	"chatflow/internal/metrics"
	"chatflow/internal/queue"
)

// Executor runs one claimed job.
type Executor interface {
	Execute(ctx context.Context, job domain.Job) error
}

type Config struct {
	Concurrency  int
	IdleInterval time.Duration
	// JobTimeout bounds a single execution. Zero means no limit.
	JobTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = time.Second
	}
}

type Pool struct {
	repo    queue.Repository
	exec    Executor
	metrics *metrics.Collector
	cfg     Config
	sem     chan struct{}
	wg      sync.WaitGroup
}

func NewPool(repo queue.Repository, exec Executor, cfg Config, m *metrics.Collector) *Pool {
	cfg.applyDefaults()
	return &Pool{repo: repo, exec: exec, metrics: m, cfg: cfg, sem: make(chan struct{}, cfg.Concurrency)}
}

// Run claims and executes jobs until ctx is cancelled. Cancelling stops new
// claims; jobs already running finish and are marked before Run returns.
func (p *Pool) Run(ctx context.Context) {
	log.Info().Int("concurrency", p.cfg.Concurrency).Dur("idle", p.cfg.IdleInterval).Msg("worker pool started")
	detached := context.WithoutCancel(ctx)

	for ctx.Err() == nil {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			continue
		}

		job, err := p.repo.Claim(ctx)
		if err == nil {
			p.metrics.JobClaimed()
			p.wg.Add(1)
			go func(job domain.Job) {
				defer p.wg.Done()
				defer func() { <-p.sem }()
				p.execute(detached, job)
			}(job)
			continue
		}
		<-p.sem

		switch {
		case errors.Is(err, queue.ErrClaimLost):
			p.metrics.ClaimLost()
			log.Debug().Msg("claim lost to another worker")
			continue
		case errors.Is(err, queue.ErrEmpty):
		case ctx.Err() != nil:
			continue
		default:
			log.Error().Err(err).Msg("failed to claim job")
		}
		p.idle(ctx)
	}

	p.wg.Wait()
	log.Info().Msg("worker pool stopped")
}

func (p *Pool) idle(ctx context.Context) {
	t := time.NewTimer(p.cfg.IdleInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// ProcessOne runs a single claim and execute cycle synchronously. It reports
// whether a job was processed; job failures are recorded on the row and are
// not returned.
func (p *Pool) ProcessOne(ctx context.Context) (bool, error) {
	job, err := p.repo.Claim(ctx)
	switch {
	case errors.Is(err, queue.ErrEmpty):
		return false, nil
	case errors.Is(err, queue.ErrClaimLost):
		p.metrics.ClaimLost()
		return false, nil
	case err != nil:
		return false, fmt.Errorf("claim job: %w", err)
	}
	p.metrics.JobClaimed()
	p.execute(ctx, job)
	return true, nil
}

func (p *Pool) execute(ctx context.Context, job domain.Job) {
	logger := log.With().Str("job_id", job.ID).Str("job_kind", job.Kind).Logger()
	start := time.Now()

	runCtx := ctx
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}

	err := p.run(runCtx, job)
	elapsed := time.Since(start)
	at := time.Now().UTC()

	if err != nil {
		msg := err.Error()
		if msg == "" {
			msg = "job failed"
		}
		if ferr := p.repo.Fail(ctx, job.ID, msg, at); ferr != nil {
			logger.Error().Err(ferr).Msg("failed to mark job failed")
		}
		p.metrics.JobFailed(job.Kind, elapsed.Seconds())
		logger.Warn().Err(err).Dur("took", elapsed).Msg("job failed")
		return
	}

	if cerr := p.repo.Complete(ctx, job.ID, at); cerr != nil {
		logger.Error().Err(cerr).Msg("failed to mark job completed")
		return
	}
	p.metrics.JobCompleted(job.Kind, elapsed.Seconds())
	logger.Info().Dur("took", elapsed).Msg("job completed")
}

func (p *Pool) run(ctx context.Context, job domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job_id", job.ID).Bytes("stack", debug.Stack()).Msg("job panicked")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.exec.Execute(ctx, job)
}
