// Package registry multiplexes live connections onto conversation and user
// indexes. It does no authorization: callers decide who may subscribe to what.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"chatflow/internal/domain"
	"chatflow/internal/metrics"
)

var (
	ErrUnknownConnection   = errors.New("unknown connection")
	ErrDuplicateConnection = errors.New("connection already registered")
)

// Sender is the transport side of a connection. Send must not block; a
// connection that cannot accept a frame returns an error and is closed.
type Sender interface {
	Send(frame []byte) error
	Close() error
}

type Connection struct {
	ID     string
	UserID int64

	sender Sender
	subs   map[int64]struct{}
}

type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*Connection
	channels map[int64]map[string]*Connection // conversation -> connections
	users    map[int64]map[string]*Connection // user -> connections

	metrics *metrics.Collector
}

func New(m *metrics.Collector) *Registry {
	return &Registry{
		conns:    make(map[string]*Connection),
		channels: make(map[int64]map[string]*Connection),
		users:    make(map[int64]map[string]*Connection),
		metrics:  m,
	}
}

// Open registers an authenticated connection.
func (r *Registry) Open(connID string, userID int64, sender Sender) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateConnection, connID)
	}

	c := &Connection{ID: connID, UserID: userID, sender: sender, subs: make(map[int64]struct{})}
	r.conns[connID] = c
	if r.users[userID] == nil {
		r.users[userID] = make(map[string]*Connection)
	}
	r.users[userID][connID] = c

	r.metrics.ConnectionOpened()
	log.Debug().Str("conn_id", connID).Int64("user_id", userID).Msg("connection opened")
	return c, nil
}

func (r *Registry) Subscribe(connID string, conversationID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	c.subs[conversationID] = struct{}{}
	if r.channels[conversationID] == nil {
		r.channels[conversationID] = make(map[string]*Connection)
	}
	r.channels[conversationID][connID] = c
	return nil
}

func (r *Registry) Unsubscribe(connID string, conversationID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	delete(c.subs, conversationID)
	r.removeFromChannel(conversationID, connID)
	return nil
}

// Close drops the connection from every index and closes its sender. Calling
// it for an unknown or already closed connection is a no-op.
func (r *Registry) Close(connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	for conversationID := range c.subs {
		r.removeFromChannel(conversationID, connID)
	}
	c.subs = nil
	if set, ok := r.users[c.UserID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.users, c.UserID)
		}
	}
	delete(r.conns, connID)
	r.mu.Unlock()

	r.metrics.ConnectionClosed()
	if err := c.sender.Close(); err != nil {
		log.Debug().Err(err).Str("conn_id", connID).Msg("close sender")
	}
	log.Debug().Str("conn_id", connID).Int64("user_id", c.UserID).Msg("connection closed")
}

// removeFromChannel must be called with r.mu held.
func (r *Registry) removeFromChannel(conversationID int64, connID string) {
	members, ok := r.channels[conversationID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.channels, conversationID)
	}
}

// BroadcastToConversation delivers env to every connection subscribed to
// conversationID. Connections that fail to take the frame are closed.
func (r *Registry) BroadcastToConversation(conversationID int64, env domain.Envelope) {
	r.mu.RLock()
	targets := snapshot(r.channels[conversationID])
	r.mu.RUnlock()

	r.deliver(targets, env)
}

// BroadcastToUser delivers env to every live connection of userID regardless
// of subscriptions.
func (r *Registry) BroadcastToUser(userID int64, env domain.Envelope) {
	r.mu.RLock()
	targets := snapshot(r.users[userID])
	r.mu.RUnlock()

	r.deliver(targets, env)
}

func (r *Registry) deliver(targets []*Connection, env domain.Envelope) {
	if len(targets) == 0 {
		return
	}
	frame, err := json.Marshal(env)
	if err != nil {
		log.Warn().Err(err).Int64("conversation_id", env.ConversationID).Str("type", env.Type).Msg("encode envelope")
		return
	}

	for _, c := range targets {
		if err := c.sender.Send(frame); err != nil {
			r.metrics.FrameDropped()
			log.Warn().Err(err).Str("conn_id", c.ID).Int64("user_id", c.UserID).Msg("send failed, closing connection")
			r.Close(c.ID)
			continue
		}
		r.metrics.FrameSent()
	}
}

func snapshot(set map[string]*Connection) []*Connection {
	if len(set) == 0 {
		return nil
	}
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Subscriptions returns the conversations connID is subscribed to.
func (r *Registry) Subscriptions(connID string) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[connID]
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	return out
}

type Stats struct {
	Connections   int `json:"connections"`
	Conversations int `json:"conversations"`
	Users         int `json:"users"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Connections: len(r.conns), Conversations: len(r.channels), Users: len(r.users)}
}

// Connections returns the ids of every live connection, used on shutdown.
func (r *Registry) Connections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	return out
}
