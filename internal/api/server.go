package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"agentflow/internal/domain"
	"agentflow/internal/metrics"
	"agentflow/internal/scheduler"
	"agentflow/internal/worker"
)

type Config struct {
	Dispatcher *worker.Dispatcher
	Schedules  scheduler.Store // nil disables the schedule routes
	Metrics    *metrics.Recorder
	JWTSecret  string // empty disables bearer auth
	Debug      bool
}

type Server struct {
	r         *chi.Mux
	d         *worker.Dispatcher
	schedules scheduler.Store
}

func NewServer(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, d: cfg.Dispatcher, schedules: cfg.Schedules}

	r.Get("/health", s.health)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	} else {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		if cfg.JWTSecret != "" {
			r.Use(bearerAuth([]byte(cfg.JWTSecret)))
		}
		r.Post("/tasks", s.submitTask)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)
		r.Get("/tasks/{id}/result", s.getResult)
		r.Delete("/tasks/{id}", s.cancelTask)
		r.Get("/stats", s.stats)
		r.Get("/stats/stream", s.statsStream)
		r.Get("/system", s.system)
		r.Post("/route", s.route)

		if s.schedules != nil {
			r.Post("/schedules", s.createSchedule)
			r.Get("/schedules", s.listSchedules)
			r.Get("/schedules/{id}", s.getSchedule)
			r.Put("/schedules/{id}", s.updateSchedule)
			r.Delete("/schedules/{id}", s.deleteSchedule)
		}
	})

	// Debug routes (pprof)
	if cfg.Debug {
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

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req worker.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	item, err := s.d.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	var f worker.Filter
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := domain.ParseStatus(v)
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		f.Status = st
	}
	if v := r.URL.Query().Get("handler"); v != "" {
		h, ok := domain.ParseHandler(v)
		if !ok {
			http.Error(w, fmt.Sprintf("unknown handler %q", v), 400)
			return
		}
		f.Handler = h
	}
	tasks := s.d.Tasks(f)
	if tasks == nil {
		tasks = []domain.WorkItem{}
	}
	writeJSON(w, 200, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	item, err := s.d.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, item)
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.d.Result(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, res)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	item, err := s.d.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, item)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.d.Snapshot())
}

// statsStream sends a server-sent event per snapshot until the client leaves.
func (s *Server) statsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", 500)
		return
	}
	w.Header().Set("content-type", "text/event-stream")
	w.Header().Set("cache-control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for snap := range s.d.Subscribe(r.Context()) {
		b, err := json.Marshal(snap)
		if err != nil {
			log.Error().Err(err).Msg("encode snapshot")
			return
		}
		if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", b); err != nil {
			return
		}
		flusher.Flush()
	}
}

type routeReq struct {
	Type              string `json:"type"`
	HandlerPreference string `json:"handler_preference"`
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	var req routeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	writeJSON(w, 200, s.d.Route(req.Type, req.HandlerPreference))
}

type scheduleReq struct {
	Name              string            `json:"name"`
	CronExpr          string            `json:"cron_expr"`
	TaskType          string            `json:"task_type"`
	Payload           map[string]string `json:"payload"`
	Priority          domain.Priority   `json:"priority"`
	HandlerPreference *string           `json:"handler_preference"`
	MaxAttempts       int               `json:"max_attempts"`
	Enabled           *bool             `json:"enabled"`
}

type createScheduleResp struct {
	ID      string    `json:"id"`
	NextRun time.Time `json:"next_run"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	if req.CronExpr == "" {
		http.Error(w, "cron_expr is required", 400)
		return
	}
	if req.TaskType == "" {
		http.Error(w, "task_type is required", 400)
		return
	}

	nextRun, err := scheduler.NextRunTime(req.CronExpr, time.Now())
	if err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), 400)
		return
	}

	schedule := domain.Schedule{
		Name:        req.Name,
		CronExpr:    req.CronExpr,
		TaskType:    req.TaskType,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		Enabled:     req.Enabled == nil || *req.Enabled,
		NextRun:     nextRun,
	}
	if schedule.Priority == 0 {
		schedule.Priority = domain.PriorityNormal
	}
	if req.HandlerPreference != nil {
		schedule.HandlerPreference = *req.HandlerPreference
	}

	id, err := s.schedules.CreateSchedule(r.Context(), schedule)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, createScheduleResp{ID: id, NextRun: nextRun})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.schedules.ListSchedules(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if schedules == nil {
		schedules = []domain.Schedule{}
	}
	writeJSON(w, 200, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.schedules.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, schedule)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.schedules.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	if req.Name != "" {
		schedule.Name = req.Name
	}
	if req.CronExpr != "" {
		nextRun, err := scheduler.NextRunTime(req.CronExpr, time.Now())
		if err != nil {
			http.Error(w, "invalid cron expression: "+err.Error(), 400)
			return
		}
		schedule.CronExpr = req.CronExpr
		schedule.NextRun = nextRun
	}
	if req.TaskType != "" {
		schedule.TaskType = req.TaskType
	}
	if req.Payload != nil {
		schedule.Payload = req.Payload
	}
	if req.Priority > 0 {
		schedule.Priority = req.Priority
	}
	if req.HandlerPreference != nil {
		schedule.HandlerPreference = *req.HandlerPreference
	}
	if req.MaxAttempts > 0 {
		schedule.MaxAttempts = req.MaxAttempts
	}
	if req.Enabled != nil {
		schedule.Enabled = *req.Enabled
	}

	if err := s.schedules.UpdateSchedule(r.Context(), schedule); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, schedule)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.schedules.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// bearerAuth accepts HS256 tokens signed with secret.
func bearerAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			_, err := jwt.Parse(raw, func(*jwt.Token) (any, error) { return secret, nil },
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, worker.ErrNotFound), errors.Is(err, scheduler.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, worker.ErrTerminal):
		code = http.StatusConflict
	case errors.Is(err, worker.ErrInvalid):
		code = http.StatusBadRequest
	case errors.Is(err, worker.ErrClosed):
		code = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
