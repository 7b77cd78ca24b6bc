// Package ws serves the WebSocket endpoint in front of the connection
// registry.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"chatflow/internal/auth"
	"chatflow/internal/domain"
	"chatflow/internal/presence"
	"chatflow/internal/registry"
)

var ErrSlowConsumer = errors.New("outbox full")

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionTyping      = "typing"
)

// Publisher is the relay side used for typing notifications.
type Publisher interface {
	Publish(ctx context.Context, env domain.Envelope) error
}

type Config struct {
	OutboxSize     int
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	MaxFrameBytes  int64
	FramesPerSec   float64
	FrameBurst     int
	AllowedOrigins []string
}

func (c *Config) applyDefaults() {
	if c.OutboxSize == 0 {
		c.OutboxSize = 64
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = 4096
	}
	if c.FramesPerSec == 0 {
		c.FramesPerSec = 10
	}
	if c.FrameBurst == 0 {
		c.FrameBurst = 20
	}
}

type Handler struct {
	registry  *registry.Registry
	tokens    auth.TokenValidator
	presence  presence.Store
	publisher Publisher
	cfg       Config
	upgrader  websocket.Upgrader
}

func NewHandler(reg *registry.Registry, tokens auth.TokenValidator, ps presence.Store, pub Publisher, cfg Config) *Handler {
	cfg.applyDefaults()
	h := &Handler{registry: reg, tokens: tokens, presence: ps, publisher: pub, cfg: cfg}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

type serverFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientFrame is what clients send over the socket.
type ClientFrame struct {
	Action         string `json:"action"`
	ConversationID int64  `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	q := r.URL.Query()
	userID, err := h.tokens.Validate(r.Context(), q.Get("token"))
	if err != nil {
		log.Info().Err(err).Str("remote", r.RemoteAddr).Msg("websocket authorization failed")
		rejectConn(conn, h.cfg.WriteTimeout, err)
		return
	}

	c := newClient(uuid.NewString(), conn, h.cfg)
	if _, err := h.registry.Open(c.id, userID, c); err != nil {
		log.Error().Err(err).Str("conn_id", c.id).Msg("register connection")
		_ = conn.Close()
		return
	}
	go c.writePump()

	if raw := q.Get("conversation_id"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
			h.subscribe(r.Context(), c.id, userID, id)
		}
	}

	h.readLoop(c, userID)
}

func rejectConn(conn *websocket.Conn, timeout time.Duration, cause error) {
	msg := "invalid or missing token"
	if !errors.Is(cause, auth.ErrInvalidToken) {
		msg = "authorization failed"
	}
	frame, _ := json.Marshal(serverFrame{Type: "authorization_error", Message: msg})
	deadline := time.Now().Add(timeout)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteMessage(websocket.TextMessage, frame)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authorization_error"), deadline)
	_ = conn.Close()
}

// readLoop owns the read side of the connection until it fails.
func (h *Handler) readLoop(c *client, userID int64) {
	defer h.registry.Close(c.id)

	c.conn.SetReadLimit(h.cfg.MaxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	limiter := rate.NewLimiter(rate.Limit(h.cfg.FramesPerSec), h.cfg.FrameBurst)
	ctx := context.Background()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("websocket read")
			}
			return
		}
		if !limiter.Allow() {
			log.Debug().Str("conn_id", c.id).Msg("client frame rate exceeded, dropping frame")
			continue
		}

		var f ClientFrame
		if err := json.Unmarshal(data, &f); err != nil || f.ConversationID <= 0 {
			continue
		}

		switch f.Action {
		case ActionSubscribe:
			h.subscribe(ctx, c.id, userID, f.ConversationID)
		case ActionUnsubscribe:
			_ = h.registry.Unsubscribe(c.id, f.ConversationID)
		case ActionTyping:
			h.typing(ctx, userID, f.ConversationID, f.IsTyping)
		}
	}
}

func (h *Handler) subscribe(ctx context.Context, connID string, userID, conversationID int64) {
	if err := h.registry.Subscribe(connID, conversationID); err != nil {
		return
	}
	if h.presence != nil {
		if err := h.presence.Touch(ctx, conversationID, userID); err != nil {
			log.Debug().Err(err).Int64("conversation_id", conversationID).Msg("touch presence")
		}
	}
}

func (h *Handler) typing(ctx context.Context, userID, conversationID int64, isTyping bool) {
	if h.presence != nil {
		if err := h.presence.SetTyping(ctx, conversationID, userID, isTyping); err != nil {
			log.Debug().Err(err).Int64("conversation_id", conversationID).Msg("set typing")
		}
	}
	if h.publisher == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{"user_id": userID, "is_typing": isTyping})
	err := h.publisher.Publish(ctx, domain.Envelope{
		ConversationID: conversationID,
		Type:           domain.EventTyping,
		Payload:        payload,
	})
	if err != nil {
		log.Debug().Err(err).Int64("conversation_id", conversationID).Msg("typing event not relayed")
	}
}

// client adapts a websocket connection to registry.Sender with a bounded
// outbox drained by writePump.
type client struct {
	id     string
	conn   *websocket.Conn
	cfg    Config
	outbox chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newClient(id string, conn *websocket.Conn, cfg Config) *client {
	return &client{
		id:     id,
		conn:   conn,
		cfg:    cfg,
		outbox: make(chan []byte, cfg.OutboxSize),
		done:   make(chan struct{}),
	}
}

func (c *client) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	select {
	case c.outbox <- frame:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return nil
}

func (c *client) writePump() {
	ping := time.NewTicker(c.cfg.PongTimeout * 9 / 10)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.outbox:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("websocket write")
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}
