// Package presence keeps short-lived typing and online indicators. Keys expire
// on their own; a client that stops refreshing simply disappears.
package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	TypingTTL = 10 * time.Second
	OnlineTTL = 300 * time.Second

	NamespaceTyping = "typing"
	NamespaceOnline = "online"

	// AnyConversation makes ListOnline scan every conversation.
	AnyConversation int64 = 0
)

type Store interface {
	SetTyping(ctx context.Context, conversationID, userID int64, isTyping bool) error
	Touch(ctx context.Context, conversationID, userID int64) error
	ListTyping(ctx context.Context, conversationID int64) ([]int64, error)
	ListOnline(ctx context.Context, conversationID int64) ([]int64, error)
}

// Sweeper removes keys that can no longer be read.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Key renders typing:{conversation_id}:{user_id} style keys.
func Key(namespace string, conversationID, userID int64) string {
	return fmt.Sprintf("%s:%d:%d", namespace, conversationID, userID)
}

func pattern(namespace string, conversationID int64) string {
	if conversationID == AnyConversation {
		return namespace + ":*"
	}
	return fmt.Sprintf("%s:%d:*", namespace, conversationID)
}

// userFromKey extracts the trailing user id of a presence key.
func userFromKey(key string) (int64, bool) {
	i := strings.LastIndexByte(key, ':')
	if i < 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(key[i+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func sortedIDs(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
