package relay

import (
	"context"
	"sync"
)

// LocalTransport delivers published messages to subscribers in the same
// process. It serves single-instance deployments and tests.
type LocalTransport struct {
	mu     sync.RWMutex
	subs   map[string]map[int]func([]byte)
	nextID int
	closed bool
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{subs: make(map[string]map[int]func([]byte))}
}

func (t *LocalTransport) Publish(_ context.Context, channel string, data []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrUnavailable
	}
	for _, fn := range t.subs[channel] {
		fn(append([]byte(nil), data...))
	}
	return nil
}

func (t *LocalTransport) Subscribe(ctx context.Context, channel string, fn func([]byte)) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrUnavailable
	}
	id := t.nextID
	t.nextID++
	if t.subs[channel] == nil {
		t.subs[channel] = make(map[int]func([]byte))
	}
	t.subs[channel][id] = fn
	t.mu.Unlock()

	<-ctx.Done()

	t.mu.Lock()
	delete(t.subs[channel], id)
	t.mu.Unlock()
	return ctx.Err()
}

// Subscribers reports how many subscriptions are attached to channel.
func (t *LocalTransport) Subscribers(channel string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs[channel])
}

func (t *LocalTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
