package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatflow/internal/domain"
	"chatflow/internal/jobs"
	"chatflow/internal/metrics"
	"chatflow/internal/presence"
	"chatflow/internal/queue"
	"chatflow/internal/registry"
	"chatflow/internal/relay"
)

type recordingPublisher struct {
	mu      sync.Mutex
	fail    bool
	events  []domain.Envelope
	userIDs []int64
}

func (p *recordingPublisher) Publish(_ context.Context, env domain.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return relay.ErrUnavailable
	}
	p.events = append(p.events, env)
	return nil
}

func (p *recordingPublisher) PublishToUser(_ context.Context, userID int64, env domain.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return relay.ErrUnavailable
	}
	p.userIDs = append(p.userIDs, userID)
	p.events = append(p.events, env)
	return nil
}

type fixture struct {
	handler   http.Handler
	repo      *queue.SQLiteRepo
	presence  *presence.MemoryStore
	publisher *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := queue.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	repo := queue.NewSQLiteRepo(db)
	t.Cleanup(func() { _ = repo.Close() })

	f := &fixture{repo: repo, presence: presence.NewMemoryStore(), publisher: &recordingPublisher{}}
	f.handler = NewServer(Deps{
		Repo:     repo,
		Jobs:     jobs.Builtin(nil, nil),
		Relay:    f.publisher,
		Presence: f.presence,
		Metrics:  metrics.New(),
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","connections":0,"conversations":0,"users":0}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthReportsConnections(t *testing.T) {
	reg := registry.New(nil)
	_, err := reg.Open("c1", 1, &outbox{})
	require.NoError(t, err)
	_, err = reg.Open("c2", 1, &outbox{})
	require.NoError(t, err)
	require.NoError(t, reg.Subscribe("c1", 42))

	rec := httptest.NewRecorder()
	NewServer(Deps{Connections: reg}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","connections":2,"conversations":1,"users":1}`, rec.Body.String())
}

func TestPublishEvent(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/events", `{"conversation_id":42,"type":"message_created","payload":{"id":1}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, int64(42), f.publisher.events[0].ConversationID)
	assert.JSONEq(t, `{"id":1}`, string(f.publisher.events[0].Payload))

	rec = f.do(t, http.MethodPost, "/api/events", `{"type":"message_created"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.publisher.fail = true
	rec = f.do(t, http.MethodPost, "/api/events", `{"conversation_id":42,"type":"message_created"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPublishUserEvent(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/users/7/events", `{"conversation_id":9,"type":"conversation_created"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []int64{7}, f.publisher.userIDs)

	rec = f.do(t, http.MethodPost, "/api/users/abc/events", `{"type":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitAndGetJob(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/jobs", `{"kind":"notify","data":{"user_id":7}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp submitResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)

	rec = f.do(t, http.MethodGet, "/api/jobs/"+resp.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var job map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "PENDING", job["status"])
	assert.Equal(t, "notify", job["kind"])
	assert.Equal(t, map[string]any{"version": float64(1), "data": map[string]any{"user_id": float64(7)}}, job["payload"])

	rec = f.do(t, http.MethodGet, "/api/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/jobs/job_missing", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/jobs?limit=-1", "").Code)
}

func TestSubmitJobValidation(t *testing.T) {
	f := newFixture(t)
	for name, body := range map[string]string{
		"missing kind":   `{"data":{}}`,
		"unknown kind":   `{"kind":"teleport","data":{}}`,
		"bad version":    `{"kind":"notify","version":7,"data":{"user_id":1}}`,
		"no recipients":  `{"kind":"notify","data":{}}`,
		"not json":       `{`,
		"negative ver":   `{"kind":"notify","version":-1,"data":{"user_id":1}}`,
		"webhook no url": `{"kind":"webhook","data":{}}`,
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/jobs", body).Code)
		})
	}

	counts, err := f.repo.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestSchedules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.do(t, http.MethodGet, "/api/schedules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	id, err := f.repo.EnsureTask(ctx, domain.ScheduledTask{Name: "cleanup", Schedule: "every 5 min", Enabled: true})
	require.NoError(t, err)

	rec = f.do(t, http.MethodPut, "/api/schedules/"+id, `{"enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var task domain.ScheduledTask
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.False(t, task.Enabled)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/schedules/"+id, `{}`).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPut, "/api/schedules/tsk_missing", `{"enabled":true}`).Code)
}

func TestTypingAndOnline(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/conversations/42/typing", `{"user_id":7,"is_typing":true}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, domain.EventTyping, f.publisher.events[0].Type)

	rec = f.do(t, http.MethodGet, "/api/conversations/42/typing", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"conversation_id":42,"user_ids":[7]}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/conversations/42/online", "")
	assert.JSONEq(t, `{"conversation_id":42,"user_ids":[7]}`, rec.Body.String())

	require.NoError(t, f.presence.Touch(context.Background(), 43, 8))
	rec = f.do(t, http.MethodGet, "/api/online", "")
	assert.JSONEq(t, `{"user_ids":[7,8]}`, rec.Body.String())

	// Relay failures do not fail the presence write.
	f.publisher.fail = true
	rec = f.do(t, http.MethodPost, "/api/conversations/42/typing", `{"user_id":7,"is_typing":false}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/conversations/42/typing", `{"is_typing":true}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/conversations/0/online", "").Code)
}

type outbox struct {
	mu     sync.Mutex
	frames [][]byte
}

func (o *outbox) Send(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames = append(o.frames, frame)
	return nil
}

func (o *outbox) Close() error { return nil }

func (o *outbox) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

func TestEventReachesLocalConnectionThroughRelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New(nil)
	box := &outbox{}
	_, err := reg.Open("c1", 1, box)
	require.NoError(t, err)
	require.NoError(t, reg.Subscribe("c1", 42))

	transport := relay.NewLocalTransport()
	rl := relay.New(transport, reg, relay.Config{}, nil)
	go rl.Run(ctx)
	require.Eventually(t, func() bool {
		return transport.Subscribers(relay.DefaultChannel) == 1 && transport.Subscribers(relay.DefaultUserChannel) == 1
	}, time.Second, 5*time.Millisecond)

	srv := httptest.NewServer(NewServer(Deps{Relay: rl, Presence: presence.NewMemoryStore()}))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/events", "application/json",
		bytes.NewBufferString(`{"conversation_id":42,"type":"message_created","payload":{"id":1}}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool { return box.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"conversation_id":42,"type":"message_created","payload":{"id":1}}`, string(box.frames[0]))
}
