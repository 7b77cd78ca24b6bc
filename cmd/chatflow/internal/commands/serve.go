package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"chatflow/internal/api"
	"chatflow/internal/auth"
	"chatflow/internal/jobs"
	"chatflow/internal/logger"
	"chatflow/internal/metrics"
	"chatflow/internal/presence"
	"chatflow/internal/registry"
	"chatflow/internal/relay"
	"chatflow/internal/scheduler"
	"chatflow/internal/ws"
)

type ServeCmd struct {
	Listen         string   `help:"HTTP listen address" default:"0.0.0.0:8080" env:"CHATFLOW_LISTEN"`
	AllowedOrigins []string `help:"allowed WebSocket origins (empty allows any)" env:"CHATFLOW_ALLOWED_ORIGINS"`
	OutboxSize     int      `help:"frames buffered per connection before it is dropped" default:"64"`
	FramesPerSec   float64  `help:"inbound frames per second allowed per connection" default:"10"`
	EnableDebug    bool     `help:"expose /debug/pprof" default:"false"`

	Store StoreFlags `embed:"" prefix:"store-"`
	Redis RedisFlags `embed:"" prefix:"redis-"`
	NATS  NATSFlags  `embed:"" prefix:"nats-"`
	Relay RelayFlags `embed:"" prefix:"relay-"`
	Auth  AuthFlags  `embed:"" prefix:"auth-"`
}

func (c *ServeCmd) Run(globals *Globals) error {
	logger.Setup(globals.Debug)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Msg("starting chatflow serve")

	tokens, err := auth.NewJWTValidator([]byte(c.Auth.Secret), c.Auth.Issuer)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	repo, err := c.Store.open(ctx, false)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer repo.Close()

	rdb, err := c.Redis.client(ctx)
	if err != nil {
		return err
	}

	m := metrics.New()
	reg := registry.New(m)

	var store presence.Store
	if rdb != nil {
		store = presence.NewRedisStore(rdb, c.Redis.Prefix)
	} else {
		mem := presence.NewMemoryStore()
		go sweepLoop(ctx, mem)
		store = mem
		log.Info().Msg("no redis configured, presence is kept in memory")
	}

	transport := c.Relay.transport(rdb, c.NATS.URL)
	rl := relay.New(transport, reg, c.Relay.config(), m)
	defer rl.Close()
	if rdb != nil && c.Relay.Transport != "redis" {
		defer rdb.Close()
	}
	go rl.Run(ctx)

	wsHandler := ws.NewHandler(reg, tokens, store, rl, ws.Config{
		OutboxSize:     c.OutboxSize,
		FramesPerSec:   c.FramesPerSec,
		AllowedOrigins: c.AllowedOrigins,
	})

	handler := api.NewServer(api.Deps{
		Repo:        repo,
		Jobs:        jobs.Builtin(nil, nil),
		Relay:       rl,
		Presence:    store,
		WS:          wsHandler,
		Connections: reg,
		Metrics:     m,
		EnableDebug: c.EnableDebug,
	})

	err = runHTTP(ctx, configureHTTPServer(c.Listen, handler))

	for _, id := range reg.Connections() {
		reg.Close(id)
	}
	log.Info().Msg("chatflow serve stopped")
	return err
}

// sweepLoop evicts expired in-memory presence keys once a minute.
func sweepLoop(ctx context.Context, store presence.Store) {
	sweep := scheduler.SweepPresence(store)
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := sweep(ctx); err != nil {
				log.Warn().Err(err).Msg("presence sweep")
			}
		}
	}
}
