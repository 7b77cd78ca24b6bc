package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"chatflow/internal/metrics"
	"chatflow/internal/queue"
	"chatflow/internal/relay"
)

type Globals struct {
	Debug   bool
	Version string
}

func configureHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       5 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8KiB
	}
}

// runHTTP serves until ctx is cancelled, then shuts down with a grace period.
func runHTTP(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// serveMetrics exposes /metrics and /health for the headless processes.
func serveMetrics(ctx context.Context, addr string, m *metrics.Collector) {
	if addr == "" {
		return
	}
	r := chi.NewRouter()
	r.Handle("/metrics", m.Handler())
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	go func() {
		if err := runHTTP(ctx, configureHTTPServer(addr, r)); err != nil {
			log.Error().Err(err).Msg("metrics server")
		}
	}()
}

type StoreFlags struct {
	Driver     string `help:"job store driver" default:"sqlite" enum:"sqlite,postgres" env:"CHATFLOW_STORE_DRIVER"`
	SQLitePath string `help:"SQLite database path" default:"chatflow.db" env:"CHATFLOW_STORE_SQLITE_PATH"`

	ConnString  string `help:"PostgreSQL connection string" env:"CHATFLOW_STORE_POSTGRES_URL"`
	MaxConns    int32  `help:"maximum number of connections in pool" default:"10"`
	MinConns    int32  `help:"minimum number of connections in pool" default:"1"`
	AutoMigrate bool   `help:"apply PostgreSQL migrations on startup" default:"false" env:"CHATFLOW_STORE_AUTO_MIGRATE"`
}

func (s *StoreFlags) Validate() error {
	if s.Driver == "postgres" && s.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--store-conn-string or CHATFLOW_STORE_POSTGRES_URL)")
	}
	return nil
}

func (s *StoreFlags) open(ctx context.Context, migrate bool) (queue.Repository, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	switch s.Driver {
	case "postgres":
		pool, err := queue.NewPool(ctx, &queue.PoolConfig{
			ConnString:  s.ConnString,
			MaxConns:    s.MaxConns,
			MinConns:    s.MinConns,
			AutoMigrate: migrate || s.AutoMigrate,
		})
		if err != nil {
			return nil, err
		}
		return queue.NewPostgresRepo(pool), nil
	default:
		db, err := queue.OpenSQLite(s.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", s.SQLitePath).Msg("opened SQLite job store")
		return queue.NewSQLiteRepo(db), nil
	}
}

type RedisFlags struct {
	URL    string `help:"Redis URL, e.g. redis://localhost:6379/0" env:"CHATFLOW_REDIS_URL"`
	Prefix string `help:"key prefix for presence keys" default:"chatflow:" env:"CHATFLOW_REDIS_PREFIX"`
}

// client returns nil when Redis is not configured.
func (f *RedisFlags) client(ctx context.Context) (*redis.Client, error) {
	if f.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(f.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis not reachable yet, continuing")
	}
	return rdb, nil
}

type NATSFlags struct {
	URL string `help:"NATS server URL" default:"" env:"CHATFLOW_NATS_URL"`
}

type RelayFlags struct {
	Transport   string        `help:"cross-process relay transport" default:"local" enum:"redis,nats,local,none" env:"CHATFLOW_RELAY_TRANSPORT"`
	Channel     string        `help:"shared conversation event channel" default:"chat_events" env:"CHATFLOW_RELAY_CHANNEL"`
	UserChannel string        `help:"shared user event channel" default:"chat_user_events" env:"CHATFLOW_RELAY_USER_CHANNEL"`
	MaxBackoff  time.Duration `help:"maximum delay between resubscribe attempts" default:"30s"`
}

func (f *RelayFlags) config() relay.Config {
	return relay.Config{Channel: f.Channel, UserChannel: f.UserChannel, MaxBackoff: f.MaxBackoff}
}

// transport builds the relay transport. A transport that cannot be reached
// degrades to NopTransport so the process still serves local clients. Closing
// the returned transport closes rdb or the NATS connection.
func (f *RelayFlags) transport(rdb *redis.Client, natsURL string) relay.Transport {
	switch f.Transport {
	case "redis":
		if rdb == nil {
			log.Warn().Msg("relay transport redis requested without --redis-url, live fan-out disabled")
			return relay.NopTransport{}
		}
		return relay.NewRedisTransport(rdb)
	case "nats":
		url := natsURL
		if url == "" {
			url = nats.DefaultURL
		}
		nc, err := nats.Connect(url, nats.Name("chatflow"), nats.MaxReconnects(-1))
		if err != nil {
			log.Warn().Err(err).Str("url", url).Msg("nats unavailable, live fan-out disabled")
			return relay.NopTransport{}
		}
		return relay.NewNATSTransport(nc)
	case "none":
		return relay.NopTransport{}
	default:
		return relay.NewLocalTransport()
	}
}

type AuthFlags struct {
	Secret string `help:"HMAC secret for WebSocket JWTs (at least 32 bytes)" env:"CHATFLOW_AUTH_SECRET"`
	Issuer string `help:"expected JWT issuer" default:"chatflow" env:"CHATFLOW_AUTH_ISSUER"`
}
