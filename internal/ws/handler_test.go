package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"chatflow/internal/auth"
	"chatflow/internal/domain"
	"chatflow/internal/presence"
	"chatflow/internal/registry"
)

type staticTokens map[string]int64

func (s staticTokens) Validate(_ context.Context, token string) (int64, error) {
	if id, ok := s[token]; ok {
		return id, nil
	}
	return 0, auth.ErrInvalidToken
}

type recordingPublisher struct {
	mu   sync.Mutex
	envs []domain.Envelope
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, env domain.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	return p.err
}

func (p *recordingPublisher) published() []domain.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Envelope(nil), p.envs...)
}

type fixture struct {
	srv       *httptest.Server
	reg       *registry.Registry
	presence  *presence.MemoryStore
	publisher *recordingPublisher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	f := &fixture{
		reg:       registry.New(nil),
		presence:  presence.NewMemoryStore(),
		publisher: &recordingPublisher{},
	}
	tokens := staticTokens{"alice": 1, "bob": 2}
	f.srv = httptest.NewServer(NewHandler(f.reg, tokens, f.presence, f.publisher, cfg))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) dial(t *testing.T, query string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestTypingLogsRelayFailure(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	ctx := context.Background()
	store := presence.NewMemoryStore()
	pub := &recordingPublisher{err: errors.New("relay down")}
	h := NewHandler(registry.New(nil), staticTokens{}, store, pub, Config{})

	h.typing(ctx, 1, 42, true)

	require.Len(t, pub.published(), 1)
	typing, err := store.ListTyping(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, typing)
	require.Contains(t, buf.String(), "typing event not relayed")
	require.Contains(t, buf.String(), "relay down")
}

func TestRejectsInvalidToken(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.dial(t, "token=nope")

	frame := readFrame(t, conn)
	require.Equal(t, "authorization_error", frame["type"])
	require.NotEmpty(t, frame["message"])

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.Equal(t, 0, f.reg.Stats().Connections)
}

func TestSubscribeAndReceive(t *testing.T) {
	f := newFixture(t, Config{})
	alice := f.dial(t, "token=alice&conversation_id=42")
	bob := f.dial(t, "token=bob")

	require.NoError(t, bob.WriteJSON(ClientFrame{Action: ActionSubscribe, ConversationID: 42}))
	require.NoError(t, bob.WriteJSON(map[string]any{"action": "dance", "conversation_id": 42}))
	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte("{broken")))

	require.Eventually(t, func() bool {
		return f.reg.Stats().Connections == 2 && f.reg.Stats().Conversations == 1 && len(subscribers(f.reg)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	f.reg.BroadcastToConversation(42, domain.Envelope{
		ConversationID: 42, Type: domain.EventMessageCreated, Payload: json.RawMessage(`{"id":1}`),
	})

	for _, conn := range []*websocket.Conn{alice, bob} {
		frame := readFrame(t, conn)
		require.Equal(t, "message_created", frame["type"])
		require.EqualValues(t, 42, frame["conversation_id"])
	}

	online, err := f.presence.ListOnline(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, online)
}

// subscribers counts connections subscribed to conversation 42.
func subscribers(reg *registry.Registry) []string {
	var out []string
	for _, id := range reg.Connections() {
		for _, c := range reg.Subscriptions(id) {
			if c == 42 {
				out = append(out, id)
			}
		}
	}
	return out
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	f := newFixture(t, Config{})
	alice := f.dial(t, "token=alice&conversation_id=42")
	require.Eventually(t, func() bool { return len(subscribers(f.reg)) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.WriteJSON(ClientFrame{Action: ActionUnsubscribe, ConversationID: 42}))
	require.Eventually(t, func() bool { return len(subscribers(f.reg)) == 0 }, 2*time.Second, 10*time.Millisecond)

	f.reg.BroadcastToConversation(42, domain.Envelope{ConversationID: 42, Type: "x", Payload: json.RawMessage(`{}`)})
	f.reg.BroadcastToUser(1, domain.Envelope{ConversationID: 7, Type: domain.EventConversationCreated, Payload: json.RawMessage(`{}`)})

	frame := readFrame(t, alice)
	require.Equal(t, domain.EventConversationCreated, frame["type"])
}

func TestTypingUpdatesPresenceAndPublishes(t *testing.T) {
	f := newFixture(t, Config{})
	alice := f.dial(t, "token=alice")

	require.NoError(t, alice.WriteJSON(ClientFrame{Action: ActionTyping, ConversationID: 42, IsTyping: true}))

	require.Eventually(t, func() bool { return len(f.publisher.published()) == 1 }, 2*time.Second, 10*time.Millisecond)
	env := f.publisher.published()[0]
	require.Equal(t, int64(42), env.ConversationID)
	require.Equal(t, domain.EventTyping, env.Type)
	require.JSONEq(t, `{"user_id":1,"is_typing":true}`, string(env.Payload))

	typing, err := f.presence.ListTyping(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, typing)
}

func TestDisconnectReleasesConnection(t *testing.T) {
	f := newFixture(t, Config{})
	alice := f.dial(t, "token=alice&conversation_id=42")
	require.Eventually(t, func() bool { return f.reg.Stats().Connections == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Close())

	require.Eventually(t, func() bool { return f.reg.Stats() == registry.Stats{} }, 2*time.Second, 10*time.Millisecond)
}

func TestClientSendIsNonBlocking(t *testing.T) {
	c := newClient("c1", nil, Config{OutboxSize: 1})

	require.NoError(t, c.Send([]byte("one")))
	require.ErrorIs(t, c.Send([]byte("two")), ErrSlowConsumer)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.Error(t, c.Send([]byte("three")))
}
