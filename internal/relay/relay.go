// Package relay bridges local fan-out to a shared pub/sub channel so events
// published by any process reach connections held by every process.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"chatflow/internal/domain"
	"chatflow/internal/metrics"
)

const (
	DefaultChannel     = "chat_events"
	DefaultUserChannel = "chat_user_events"
)

var ErrUnavailable = errors.New("relay transport unavailable")

// Transport is a pub/sub capability. Subscribe blocks, calling fn for every
// message, until ctx is cancelled or the subscription breaks.
type Transport interface {
	Publish(ctx context.Context, channel string, data []byte) error
	Subscribe(ctx context.Context, channel string, fn func([]byte)) error
	Close() error
}

// Broadcaster is the local delivery side, satisfied by *registry.Registry.
type Broadcaster interface {
	BroadcastToConversation(conversationID int64, env domain.Envelope)
	BroadcastToUser(userID int64, env domain.Envelope)
}

type Config struct {
	Channel     string
	UserChannel string
	// MaxBackoff caps the delay between re-subscription attempts.
	MaxBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if c.UserChannel == "" {
		c.UserChannel = DefaultUserChannel
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

type Relay struct {
	transport Transport
	local     Broadcaster
	cfg       Config
	metrics   *metrics.Collector
}

func New(transport Transport, local Broadcaster, cfg Config, m *metrics.Collector) *Relay {
	cfg.applyDefaults()
	if transport == nil {
		transport = NopTransport{}
	}
	return &Relay{transport: transport, local: local, cfg: cfg, metrics: m}
}

// wire shapes keep conversation_id/user_id optional so their absence is
// detectable.
type wireEnvelope struct {
	ConversationID *int64          `json:"conversation_id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
}

type userMessage struct {
	UserID   *int64          `json:"user_id"`
	Envelope domain.Envelope `json:"envelope"`
}

// Publish pushes env to every process, this one included.
func (r *Relay) Publish(ctx context.Context, env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := r.transport.Publish(ctx, r.cfg.Channel, data); err != nil {
		log.Warn().Err(err).Int64("conversation_id", env.ConversationID).Str("type", env.Type).Msg("relay publish failed")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	r.metrics.RelayPublished()
	return nil
}

// PublishToUser pushes env to every connection of userID on every process.
func (r *Relay) PublishToUser(ctx context.Context, userID int64, env domain.Envelope) error {
	data, err := json.Marshal(userMessage{UserID: &userID, Envelope: env})
	if err != nil {
		return fmt.Errorf("encode user envelope: %w", err)
	}
	if err := r.transport.Publish(ctx, r.cfg.UserChannel, data); err != nil {
		log.Warn().Err(err).Int64("user_id", userID).Str("type", env.Type).Msg("relay publish failed")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	r.metrics.RelayPublished()
	return nil
}

// Run keeps both subscriptions alive until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.subscribeLoop(ctx, r.cfg.Channel, r.HandleMessage)
	}()
	go func() {
		defer wg.Done()
		r.subscribeLoop(ctx, r.cfg.UserChannel, r.HandleUserMessage)
	}()
	wg.Wait()
}

func (r *Relay) subscribeLoop(ctx context.Context, channel string, fn func([]byte)) {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = r.cfg.MaxBackoff

	for {
		started := time.Now()
		err := r.transport.Subscribe(ctx, channel, fn)
		if ctx.Err() != nil {
			return
		}
		// a subscription that held for a while starts the backoff over
		if time.Since(started) > r.cfg.MaxBackoff {
			b.Reset()
		}
		wait := b.NextBackOff()
		log.Warn().Err(err).Str("channel", channel).Dur("retry_in", wait).Msg("relay subscription lost")

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// HandleMessage decodes a conversation envelope and fans it out locally.
// Malformed messages are dropped.
func (r *Relay) HandleMessage(data []byte) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil || w.ConversationID == nil {
		r.metrics.RelayMalformed()
		log.Debug().Err(err).Int("bytes", len(data)).Msg("dropping malformed relay message")
		return
	}
	r.metrics.RelayReceived()
	r.local.BroadcastToConversation(*w.ConversationID, domain.Envelope{
		ConversationID: *w.ConversationID,
		Type:           w.Type,
		Payload:        w.Payload,
	})
}

// HandleUserMessage decodes a user-targeted envelope and delivers it locally.
func (r *Relay) HandleUserMessage(data []byte) {
	var m userMessage
	if err := json.Unmarshal(data, &m); err != nil || m.UserID == nil {
		r.metrics.RelayMalformed()
		log.Debug().Err(err).Int("bytes", len(data)).Msg("dropping malformed user relay message")
		return
	}
	r.metrics.RelayReceived()
	r.local.BroadcastToUser(*m.UserID, m.Envelope)
}

func (r *Relay) Close() error {
	return r.transport.Close()
}

// NopTransport is used when no shared transport is configured. Publishing
// fails and subscribing waits for shutdown.
type NopTransport struct{}

func (NopTransport) Publish(context.Context, string, []byte) error {
	return ErrUnavailable
}

func (NopTransport) Subscribe(ctx context.Context, _ string, _ func([]byte)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (NopTransport) Close() error { return nil }
