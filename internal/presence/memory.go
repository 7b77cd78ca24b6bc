package presence

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the in-process fallback used when no Redis is configured.
// It only sees presence reported to this process.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]time.Time // key -> expires at
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]time.Time), now: time.Now}
}

// WithClock overrides the time source.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) SetTyping(_ context.Context, conversationID, userID int64, isTyping bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	typingKey := Key(NamespaceTyping, conversationID, userID)
	if isTyping {
		s.keys[typingKey] = now.Add(TypingTTL)
	} else {
		delete(s.keys, typingKey)
	}
	s.keys[Key(NamespaceOnline, conversationID, userID)] = now.Add(OnlineTTL)
	return nil
}

func (s *MemoryStore) Touch(_ context.Context, conversationID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[Key(NamespaceOnline, conversationID, userID)] = s.now().Add(OnlineTTL)
	return nil
}

func (s *MemoryStore) ListTyping(_ context.Context, conversationID int64) ([]int64, error) {
	return s.list(NamespaceTyping, conversationID), nil
}

func (s *MemoryStore) ListOnline(_ context.Context, conversationID int64) ([]int64, error) {
	return s.list(NamespaceOnline, conversationID), nil
}

func (s *MemoryStore) list(namespace string, conversationID int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := strings.TrimSuffix(pattern(namespace, conversationID), "*")
	now := s.now()
	ids := make(map[int64]struct{})
	for key, expires := range s.keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if !expires.After(now) {
			delete(s.keys, key)
			continue
		}
		if id, ok := userFromKey(key); ok {
			ids[id] = struct{}{}
		}
	}
	return sortedIDs(ids)
}

// Sweep evicts every expired key and reports how many were removed.
func (s *MemoryStore) Sweep(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for key, expires := range s.keys {
		if !expires.After(now) {
			delete(s.keys, key)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
