package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"
)

const KindNotify = "notify"

// Notification is the data of a notify job. UserID and UserIDs are merged.
type Notification struct {
	UserID         int64   `json:"user_id,omitempty"`
	UserIDs        []int64 `json:"user_ids,omitempty"`
	ConversationID int64   `json:"conversation_id,omitempty"`
	MessageID      int64   `json:"message_id,omitempty"`
	Title          string  `json:"title,omitempty"`
	Body           string  `json:"body,omitempty"`
}

func (n Notification) recipients() []int64 {
	seen := make(map[int64]struct{})
	var out []int64
	for _, id := range append([]int64{n.UserID}, n.UserIDs...) {
		if id <= 0 {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Push is one device notification for one user.
type Push struct {
	IdempotencyKey string `json:"idempotency_key"`
	UserID         int64  `json:"user_id"`
	ConversationID int64  `json:"conversation_id,omitempty"`
	MessageID      int64  `json:"message_id,omitempty"`
	Title          string `json:"title,omitempty"`
	Body           string `json:"body,omitempty"`
}

// Pusher delivers push notifications. Implementations must treat a repeated
// IdempotencyKey as already delivered.
type Pusher interface {
	Push(ctx context.Context, p Push) error
}

type notifyJob struct {
	pusher Pusher
	n      Notification
	users  []int64
}

func NewNotifyFactory(pusher Pusher) Factory {
	return Versioned(func(n Notification) (Runnable, error) {
		users := n.recipients()
		if len(users) == 0 {
			return nil, fmt.Errorf("notify: no recipients")
		}
		return &notifyJob{pusher: pusher, n: n, users: users}, nil
	}, 1)
}

// Run pushes to every recipient and joins the failures. Each push carries
// "{job_id}:{user_id}" so a rerun of the job only delivers what was missed.
func (j *notifyJob) Run(ctx context.Context, jobID string) error {
	var errs []error
	for _, uid := range j.users {
		p := Push{
			IdempotencyKey: jobID + ":" + strconv.FormatInt(uid, 10),
			UserID:         uid,
			ConversationID: j.n.ConversationID,
			MessageID:      j.n.MessageID,
			Title:          j.n.Title,
			Body:           j.n.Body,
		}
		if err := j.pusher.Push(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", uid, err))
		}
	}
	return errors.Join(errs...)
}

// LogPusher logs pushes instead of delivering them.
type LogPusher struct{}

func (LogPusher) Push(_ context.Context, p Push) error {
	log.Info().
		Int64("user_id", p.UserID).
		Int64("conversation_id", p.ConversationID).
		Str("idempotency_key", p.IdempotencyKey).
		Str("title", p.Title).
		Msg("push notification")
	return nil
}

// WebhookPusher posts each push as JSON to a gateway URL.
type WebhookPusher struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

func (w *WebhookPusher) Push(ctx context.Context, p Push) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	return doRequest(ctx, client, WebhookRequest{
		URL:     w.URL,
		Method:  http.MethodPost,
		Headers: w.Headers,
		Body:    body,
	}, p.IdempotencyKey)
}

// Builtin returns a registry with the notify and webhook kinds.
func Builtin(pusher Pusher, client *http.Client) *Registry {
	if pusher == nil {
		pusher = LogPusher{}
	}
	r := NewRegistry()
	r.Register(KindNotify, NewNotifyFactory(pusher))
	r.Register(KindWebhook, NewWebhookFactory(client))
	return r
}
