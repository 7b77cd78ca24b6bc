package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"chatflow/internal/domain"
	"chatflow/internal/jobs"
	"chatflow/internal/logger"
	"chatflow/internal/metrics"
	"chatflow/internal/presence"
	"chatflow/internal/queue"
	"chatflow/internal/registry"
	"chatflow/internal/scheduler"
)

// Publisher is the relay as seen by write-path handlers.
type Publisher interface {
	Publish(ctx context.Context, env domain.Envelope) error
	PublishToUser(ctx context.Context, userID int64, env domain.Envelope) error
}

// ConnectionStats reports the size of the local connection registry.
type ConnectionStats interface {
	Stats() registry.Stats
}

type Deps struct {
	Repo     queue.Repository
	Jobs     *jobs.Registry
	Relay    Publisher
	Presence presence.Store
	// WS serves GET /ws when set.
	WS          http.Handler
	Connections ConnectionStats
	Metrics     *metrics.Collector
	EnableDebug bool
}

type Server struct {
	r    *chi.Mux
	deps Deps
}

func NewServer(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, logger.Requests, middleware.Recoverer)

	s := &Server{r: r, deps: d}

	r.Get("/health", s.health)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
	if d.WS != nil {
		r.Handle("/ws", d.WS)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/events", s.publishEvent)
		r.Post("/users/{userID}/events", s.publishUserEvent)

		r.Post("/jobs", s.submitJob)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{id}", s.getJob)

		r.Get("/schedules", s.listSchedules)
		r.Put("/schedules/{id}", s.updateSchedule)

		r.Post("/conversations/{id}/typing", s.setTyping)
		r.Get("/conversations/{id}/typing", s.listTyping)
		r.Get("/conversations/{id}/online", s.listOnline)
		r.Get("/online", s.listOnlineAll)
	})

	if d.EnableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

type healthResp struct {
	Status string `json:"status"`
	registry.Stats
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResp{Status: "ok"}
	if s.deps.Connections != nil {
		resp.Stats = s.deps.Connections.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

type errorResp struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResp{Error: msg})
}

// Events

func (s *Server) publishEvent(w http.ResponseWriter, r *http.Request) {
	var env domain.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if env.ConversationID <= 0 || env.Type == "" {
		writeError(w, http.StatusBadRequest, "conversation_id and type are required")
		return
	}
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage(`{}`)
	}
	s.publish(w, func(ctx context.Context) error { return s.deps.Relay.Publish(ctx, env) }, r)
}

func (s *Server) publishUserEvent(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	var env domain.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if env.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage(`{}`)
	}
	s.publish(w, func(ctx context.Context) error { return s.deps.Relay.PublishToUser(ctx, userID, env) }, r)
}

// publish reports relay failures as 503; delivery is best-effort and callers
// are expected to carry on.
func (s *Server) publish(w http.ResponseWriter, fn func(context.Context) error, r *http.Request) {
	if s.deps.Relay == nil {
		writeError(w, http.StatusServiceUnavailable, "live delivery unavailable")
		return
	}
	if err := fn(r.Context()); err != nil {
		log.Warn().Err(err).Msg("event not relayed")
		writeError(w, http.StatusServiceUnavailable, "live delivery unavailable")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Jobs

type submitReq struct {
	Kind    string          `json:"kind"`
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}

type submitResp struct {
	ID string `json:"id"`
}

type jobView struct {
	domain.Job
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Kind == "" {
		writeError(w, http.StatusBadRequest, "kind is required")
		return
	}
	if req.Version == 0 {
		req.Version = 1
	}
	if len(req.Data) == 0 {
		req.Data = json.RawMessage(`{}`)
	}

	payload, err := jobs.Encode(req.Version, req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.deps.Jobs != nil {
		if _, err := s.deps.Jobs.Decode(req.Kind, payload); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	id, err := s.deps.Repo.Enqueue(r.Context(), req.Kind, payload)
	if err != nil {
		log.Error().Err(err).Str("job_kind", req.Kind).Msg("failed to enqueue job")
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	s.deps.Metrics.JobEnqueued(req.Kind)
	writeJSON(w, http.StatusAccepted, submitResp{ID: id})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Repo.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobView{Job: job, Payload: job.Payload})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}
	list, err := s.deps.Repo.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]jobView, 0, len(list))
	for _, j := range list {
		out = append(out, jobView{Job: j, Payload: j.Payload})
	}
	writeJSON(w, http.StatusOK, out)
}

// Schedules

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Repo.ListTasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []domain.ScheduledTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

type updateScheduleReq struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	err := s.deps.Repo.SetTaskEnabled(r.Context(), id, *req.Enabled)
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	task, err := s.deps.Repo.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if verr := scheduler.ValidateSpec(task.Schedule); verr != nil {
		log.Warn().Err(verr).Str("task", task.Name).Msg("stored task has an invalid schedule")
	}
	writeJSON(w, http.StatusOK, task)
}

// Presence

type typingReq struct {
	UserID   int64 `json:"user_id"`
	IsTyping bool  `json:"is_typing"`
}

type usersResp struct {
	ConversationID int64   `json:"conversation_id,omitempty"`
	UserIDs        []int64 `json:"user_ids"`
}

func (s *Server) setTyping(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req typingReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID <= 0 {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := s.deps.Presence.SetTyping(r.Context(), conversationID, req.UserID, req.IsTyping); err != nil {
		log.Warn().Err(err).Int64("conversation_id", conversationID).Msg("set typing")
		writeError(w, http.StatusServiceUnavailable, "presence unavailable")
		return
	}

	if s.deps.Relay != nil {
		payload, _ := json.Marshal(map[string]any{"user_id": req.UserID, "is_typing": req.IsTyping})
		env := domain.Envelope{ConversationID: conversationID, Type: domain.EventTyping, Payload: payload}
		if err := s.deps.Relay.Publish(r.Context(), env); err != nil {
			log.Debug().Err(err).Int64("conversation_id", conversationID).Msg("typing event not relayed")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listTyping(w http.ResponseWriter, r *http.Request) {
	s.listUsers(w, r, s.deps.Presence.ListTyping)
}

func (s *Server) listOnline(w http.ResponseWriter, r *http.Request) {
	s.listUsers(w, r, s.deps.Presence.ListOnline)
}

func (s *Server) listOnlineAll(w http.ResponseWriter, r *http.Request) {
	ids, err := s.deps.Presence.ListOnline(r.Context(), presence.AnyConversation)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "presence unavailable")
		return
	}
	writeJSON(w, http.StatusOK, usersResp{UserIDs: ids})
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request, list func(context.Context, int64) ([]int64, error)) {
	conversationID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ids, err := list(r.Context(), conversationID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "presence unavailable")
		return
	}
	writeJSON(w, http.StatusOK, usersResp{ConversationID: conversationID, UserIDs: ids})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
