package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSTransport publishes on plain NATS subjects. Every process subscribes
// without a queue group so each one receives every message.
type NATSTransport struct {
	nc     *nats.Conn
	closed chan struct{}
}

func NewNATSTransport(nc *nats.Conn) *NATSTransport {
	t := &NATSTransport{nc: nc, closed: make(chan struct{})}
	var once sync.Once
	nc.SetClosedHandler(func(*nats.Conn) {
		once.Do(func() { close(t.closed) })
	})
	return t
}

func (t *NATSTransport) Publish(_ context.Context, channel string, data []byte) error {
	if !t.nc.IsConnected() {
		return fmt.Errorf("nats not connected (status %s)", t.nc.Status())
	}
	return t.nc.Publish(channel, data)
}

func (t *NATSTransport) Subscribe(ctx context.Context, channel string, fn func([]byte)) error {
	sub, err := t.nc.Subscribe(channel, func(msg *nats.Msg) {
		fn(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	log.Info().Str("channel", channel).Msg("relay subscribed (nats)")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return fmt.Errorf("nats connection closed")
	}
}

func (t *NATSTransport) Close() error {
	return t.nc.Drain()
}
