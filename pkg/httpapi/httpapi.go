// Package httpapi exposes the broker over HTTP. Handlers are thin: decode,
// delegate, encode. All semantics live in pkg/broker and pkg/reaper. The
// error mapping is fixed: capacity exhaustion is 429, state conflicts are
// 409, unknown entities are 404, and an empty claim is a 200 with an empty
// workers list.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"foreman/pkg/broker"
	"foreman/pkg/dispatch"
	"foreman/pkg/protocol"
	"foreman/pkg/reaper"
	"foreman/pkg/store"
)

// Server routes API requests to the broker.
type Server struct {
	store  *store.Store
	broker *broker.Broker
	reaper *reaper.Reaper
	router *dispatch.Router // nil disables dispatch on task creation
	mux    *http.ServeMux
}

// New wires the API surface. router may be nil.
func New(s *store.Store, b *broker.Broker, r *reaper.Reaper, router *dispatch.Router) *Server {
	srv := &Server{store: s, broker: b, reaper: r, router: router, mux: http.NewServeMux()}
	srv.routes()
	return srv
}

// Handler returns the root handler for an http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	s.mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	s.mux.HandleFunc("DELETE /api/tasks/{id}", s.handleDeleteTask)
	s.mux.HandleFunc("POST /api/claim", s.handleClaim)
	s.mux.HandleFunc("GET /api/workers", s.handleListWorkers)
	s.mux.HandleFunc("PATCH /api/workers/{id}", s.handleUpdateWorker)
	s.mux.HandleFunc("POST /api/workers/{id}/instructions", s.handleInstruct)
	s.mux.HandleFunc("POST /api/workers/{id}/plan", s.handleSubmitPlan)
	s.mux.HandleFunc("GET /api/workers/{id}/plan", s.handleGetPlan)
	s.mux.HandleFunc("POST /api/workers/{id}/plan/approve", s.handleApprovePlan)
	s.mux.HandleFunc("POST /api/workers/{id}/plan/revise", s.handleRevisePlan)
	s.mux.HandleFunc("POST /api/heartbeat", s.handleHeartbeat)
	s.mux.HandleFunc("POST /api/cleanup", s.handleCleanup)
}

// --- Tasks ---

type createTaskRequest struct {
	ID             string            `json:"id,omitempty"`
	WorkspaceID    string            `json:"workspace_id"`
	Title          string            `json:"title"`
	Description    string            `json:"description,omitempty"`
	Priority       int               `json:"priority,omitempty"`
	Mode           protocol.TaskMode `json:"mode,omitempty"`
	ParentTaskID   string            `json:"parent_task_id,omitempty"`
	ExternalSource string            `json:"external_source,omitempty"`
	ExternalID     string            `json:"external_id,omitempty"`
	ExternalURL    string            `json:"external_url,omitempty"`

	// TargetRunner names the preferred runner for direct dispatch.
	TargetRunner string `json:"target_runner,omitempty"`
}

type createTaskResponse struct {
	Task     *protocol.Task `json:"task"`
	Created  bool           `json:"created"`
	Dispatch dispatch.Tier  `json:"dispatch,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if req.Title == "" {
		writeBadRequest(w, errors.New("title is required"))
		return
	}

	task := &protocol.Task{
		ID:             req.ID,
		WorkspaceID:    req.WorkspaceID,
		Title:          req.Title,
		Description:    req.Description,
		Priority:       req.Priority,
		Mode:           req.Mode,
		ParentTaskID:   req.ParentTaskID,
		ExternalSource: req.ExternalSource,
		ExternalID:     req.ExternalID,
		ExternalURL:    req.ExternalURL,
	}
	if task.ID == "" {
		task.ID = "t-" + uuid.NewString()
	}

	created := true
	var err error
	if task.ExternalID != "" {
		created, err = s.store.UpsertExternalTask(r.Context(), task)
	} else {
		err = s.store.CreateTask(r.Context(), task)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	resp := createTaskResponse{Task: task, Created: created}
	if created && s.router != nil {
		resp.Dispatch = s.router.Dispatch(r.Context(), task, req.TargetRunner)
	}

	code := http.StatusCreated
	if !created {
		code = http.StatusOK
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks, err := s.store.ListTasks(r.Context(), store.TaskFilter{
		WorkspaceID:  q.Get("workspace_id"),
		Status:       protocol.TaskStatus(q.Get("status")),
		ParentTaskID: q.Get("parent_task_id"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*protocol.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTask(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Claim ---

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req broker.ClaimRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if req.RunnerID == "" || req.AccountID == "" {
		writeBadRequest(w, errors.New("runner_id and account_id are required"))
		return
	}

	workers, err := s.broker.Claim(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if workers == nil {
		workers = []*protocol.Worker{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

// --- Workers ---

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.WorkerFilter{
		AccountID: q.Get("account_id"),
		TaskID:    q.Get("task_id"),
	}
	if st := q.Get("status"); st != "" {
		f.Statuses = []protocol.WorkerStatus{protocol.WorkerStatus(st)}
	}
	workers, err := s.store.ListWorkers(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if workers == nil {
		workers = []*protocol.Worker{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

func (s *Server) handleUpdateWorker(w http.ResponseWriter, r *http.Request) {
	var upd broker.StatusUpdate
	if err := decode(r, &upd); err != nil {
		writeBadRequest(w, err)
		return
	}
	if upd.Status != "" && !upd.Status.Valid() {
		writeBadRequest(w, fmt.Errorf("unknown status %q", upd.Status))
		return
	}

	worker, err := s.broker.UpdateStatus(r.Context(), r.PathValue("id"), upd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

// --- Instructions ---

type instructRequest struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

func (s *Server) handleInstruct(w http.ResponseWriter, r *http.Request) {
	var req instructRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if req.Message == "" {
		writeBadRequest(w, errors.New("message is required"))
		return
	}

	note, err := s.broker.Instruct(r.Context(), r.PathValue("id"), req.Message, req.Type)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queued": true, "note": note})
}

// --- Plans ---

type submitPlanRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleSubmitPlan(w http.ResponseWriter, r *http.Request) {
	var req submitPlanRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if req.Content == "" {
		writeBadRequest(w, errors.New("content is required"))
		return
	}

	worker, err := s.broker.SubmitPlan(r.Context(), r.PathValue("id"), req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.broker.GetPlan(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleApprovePlan(w http.ResponseWriter, r *http.Request) {
	worker, err := s.broker.ApprovePlan(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

type revisePlanRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleRevisePlan(w http.ResponseWriter, r *http.Request) {
	var req revisePlanRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if req.Message == "" {
		writeBadRequest(w, errors.New("message is required"))
		return
	}

	worker, err := s.broker.RequestPlanRevision(r.Context(), r.PathValue("id"), req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

// --- Heartbeat / cleanup ---

type heartbeatRequest struct {
	AccountID string `json:"account_id"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if req.AccountID == "" {
		writeBadRequest(w, errors.New("account_id is required"))
		return
	}

	if err := s.broker.Ping(r.Context(), req.AccountID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	res, err := s.reaper.Sweep(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Encoding and error mapping ---

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

func writeError(w http.ResponseWriter, err error) {
	var capErr *protocol.CapacityExceededError
	if errors.As(err, &capErr) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":   capErr.Error(),
			"limit":   capErr.Limit,
			"current": capErr.Current,
		})
		return
	}

	var invErr *protocol.InvalidStateError
	if errors.As(err, &invErr) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": invErr.Error()})
		return
	}

	var nfErr *protocol.NotFoundError
	if errors.As(err, &nfErr) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": nfErr.Error()})
		return
	}

	if errors.Is(err, protocol.ErrParentCycle) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
