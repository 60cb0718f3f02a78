// Package adminapi implements the administrative HTTP surface: submit
// task, cancel task, query task state, list endpoint stats, trigger a
// maintenance sweep. Authentication/authorisation is an external
// collaborator's concern and is not implemented here.
package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/forgebench/anacore/pkg/executor"
	"github.com/forgebench/anacore/pkg/ids"
	"github.com/forgebench/anacore/pkg/maintenance"
	"github.com/forgebench/anacore/pkg/task"
	"github.com/forgebench/anacore/pkg/telemetry"
)

// Dispatcher is the subset of executor.Dispatcher the endpoint-stats
// handler needs.
type Dispatcher interface {
	HealthyEndpoints(kind task.Kind) int
}

// Server wires the admin HTTP surface over a task store, a dispatcher for
// endpoint stats, and a maintenance actor for the trigger-sweep operation.
type Server struct {
	tasks      task.Store
	dispatcher Dispatcher
	actor      *maintenance.Actor
	validate   *validator.Validate
	logger     telemetry.Logger
	router     chi.Router
}

// Config configures CORS for the admin surface.
type Config struct {
	AllowedOrigins []string
	Logger         telemetry.Logger

	// MetricsHandler, if set, is mounted at GET /metrics. Callers wire this
	// to a Prometheus scrape handler backed by the same registry the
	// process's OTEL MeterProvider exports to.
	MetricsHandler http.Handler
}

// New builds a Server and its routes.
func New(cfg Config, tasks task.Store, dispatcher Dispatcher, actor *maintenance.Actor) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	s := &Server{
		tasks:      tasks,
		dispatcher: dispatcher,
		actor:      actor,
		validate:   validator.New(),
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg.AllowedOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Post("/tasks", s.handleSubmitTask)
	r.Get("/tasks/{id}", s.handleGetTask)
	r.Post("/tasks/{id}/cancel", s.handleCancelTask)
	r.Get("/endpoints", s.handleListEndpoints)
	r.Post("/maintenance/sweep", s.handleTriggerSweep)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}
	s.router = r
	return s
}

func allowedOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type submitTaskRequest struct {
	SubjectID ids.SubjectID  `json:"subject_id" validate:"required"`
	Kind      task.Kind      `json:"kind" validate:"required"`
	ToolNames []string       `json:"tool_names"`
	Config    map[string]any `json:"config"`
	Priority  int            `json:"priority"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	t := task.Task{
		ID:        ids.NewTaskID(),
		SubjectID: req.SubjectID,
		Kind:      req.Kind,
		ToolNames: req.ToolNames,
		Config:    req.Config,
		Priority:  req.Priority,
		State:     task.StatePending,
		CreatedAt: time.Now(),
	}
	if err := s.tasks.Create(r.Context(), t); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := ids.TaskID(chi.URLParam(r, "id"))
	t, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := ids.TaskID(chi.URLParam(r, "id"))
	if err := executor.RequestCancel(r.Context(), s.tasks, id); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type endpointStat struct {
	Kind    task.Kind `json:"kind"`
	Healthy int       `json:"healthy_endpoints"`
}

// knownKinds is the fixed set of analyzer kinds the endpoint-stats
// endpoint reports on; "comprehensive" fans out to these at dispatch time
// and is never itself a dispatch target.
var knownKinds = []task.Kind{task.KindStatic, task.KindSecurity, task.KindDynamic, task.KindPerformance, task.KindAI}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	stats := make([]endpointStat, 0, len(knownKinds))
	for _, k := range knownKinds {
		stats = append(stats, endpointStat{Kind: k, Healthy: s.dispatcher.HealthyEndpoints(k)})
	}
	s.writeJSON(w, http.StatusOK, stats)
}

var errMaintenanceUnavailable = errors.New("adminapi: maintenance actor not configured")

func (s *Server) handleTriggerSweep(w http.ResponseWriter, r *http.Request) {
	if s.actor == nil {
		s.writeError(w, http.StatusServiceUnavailable, errMaintenanceUnavailable)
		return
	}
	s.actor.ReapStuckTasks(r.Context())
	s.actor.SweepOrphanSubjects(r.Context())
	s.actor.RunReconciliation(r.Context())
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
