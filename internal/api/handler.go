package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/nidhogg/storyloom/internal/agent"
	"github.com/nidhogg/storyloom/internal/orchestrator"
	"github.com/nidhogg/storyloom/internal/workflowdef"
	"go.uber.org/zap"
)

// Archive is the durable fallback consulted when a task or workflow is no
// longer held in memory.
type Archive interface {
	GetResult(ctx context.Context, taskID string) (*agent.Result, error)
	GetWorkflow(ctx context.Context, id string) (*orchestrator.WorkflowReport, error)
	ListWorkflows(ctx context.Context, status string, limit int) ([]*orchestrator.WorkflowReport, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	orch     *orchestrator.Orchestrator
	catalog  *workflowdef.Catalog
	archive  Archive
	validate *validator.Validate
	logger   *zap.Logger
}

// NewHandler creates a new API handler. archive may be nil.
func NewHandler(orch *orchestrator.Orchestrator, catalog *workflowdef.Catalog, archive Archive, logger *zap.Logger) *Handler {
	return &Handler{
		orch:     orch,
		catalog:  catalog,
		archive:  archive,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/stats", h.stats)

		r.Post("/tasks", h.submitTask)
		r.Get("/tasks/{id}", h.getTask)

		r.Post("/workflows", h.submitWorkflow)
		r.Get("/workflows", h.listWorkflows)
		r.Get("/workflows/templates", h.listTemplates)
		r.Post("/workflows/templates/{name}", h.runTemplate)
		r.Get("/workflows/{id}", h.getWorkflow)
		r.Post("/workflows/{id}/cancel", h.cancelWorkflow)

		r.Get("/agents", h.listAgents)
		r.Get("/agents/{id}", h.getAgent)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	stats := h.orch.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "storyloom",
		"running": stats.IsRunning,
		"agents":  stats.TotalWorkers,
	})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Stats())
}

// TaskRequest is the body of POST /api/tasks.
type TaskRequest struct {
	ID           string         `json:"id" validate:"omitempty,max=128"`
	TaskType     string         `json:"task_type" validate:"required"`
	Input        map[string]any `json:"input"`
	Timeout      string         `json:"timeout,omitempty"`
	Priority     int            `json:"priority"`
	Dependencies []string       `json:"dependencies,omitempty" validate:"omitempty,dive,required"`
}

func (h *Handler) submitTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	task := agent.NewTask(req.TaskType, req.Input)
	if req.ID != "" {
		task.ID = req.ID
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid timeout %q", req.Timeout))
			return
		}
		task.Timeout = d
	}
	if req.Priority != 0 {
		task.Priority = req.Priority
	}
	task.Dependencies = req.Dependencies

	id, err := h.orch.SubmitTask(task)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": "queued"})
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if res, ok := h.orch.GetTaskResult(id); ok {
		writeJSON(w, http.StatusOK, res)
		return
	}
	if h.archive != nil {
		res, err := h.archive.GetResult(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, res)
			return
		}
		h.logger.Debug("archive lookup missed", zap.String("task", id), zap.Error(err))
	}
	writeError(w, http.StatusNotFound, "task result not found")
}

// WorkflowRequest is the body of POST /api/workflows: an inline definition
// plus variables that override its defaults.
type WorkflowRequest struct {
	workflowdef.Definition
	Inputs map[string]any `json:"inputs,omitempty"`
}

func (h *Handler) submitWorkflow(w http.ResponseWriter, r *http.Request) {
	var req WorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	h.start(w, &req.Definition, req.Inputs)
}

// TemplateRequest is the optional body of POST /api/workflows/templates/{name}.
type TemplateRequest struct {
	Variables map[string]any `json:"variables"`
}

func (h *Handler) runTemplate(w http.ResponseWriter, r *http.Request) {
	def, err := h.catalog.Get(chi.URLParam(r, "name"))
	if err != nil {
		h.fail(w, err)
		return
	}
	var req TemplateRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	h.start(w, def, req.Variables)
}

func (h *Handler) start(w http.ResponseWriter, def *workflowdef.Definition, vars map[string]any) {
	if err := def.Validate(); err != nil {
		h.fail(w, err)
		return
	}
	wf, err := def.Build(vars)
	if err != nil {
		h.fail(w, err)
		return
	}
	id, err := h.orch.SubmitWorkflow(wf)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"workflow_id":     id,
		"name":            wf.Name,
		"execution_order": wf.ExecutionOrder,
		"status":          orchestrator.WorkflowRunning,
	})
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if r.URL.Query().Get("archived") == "true" {
		if h.archive == nil {
			writeError(w, http.StatusServiceUnavailable, "archive not configured")
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		reports, err := h.archive.ListWorkflows(r.Context(), status, limit)
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, reports)
		return
	}

	reports := h.orch.ListWorkflows()
	out := make([]*orchestrator.WorkflowReport, 0, len(reports))
	for _, rep := range reports {
		if status == "" || string(rep.Status) == status {
			out = append(out, rep)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) listTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.catalog.Names())
}

func (h *Handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if rep, ok := h.orch.GetWorkflowStatus(id); ok {
		writeJSON(w, http.StatusOK, rep)
		return
	}
	if h.archive != nil {
		rep, err := h.archive.GetWorkflow(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, rep)
			return
		}
		h.logger.Debug("archive lookup missed", zap.String("workflow", id), zap.Error(err))
	}
	writeError(w, http.StatusNotFound, "workflow not found")
}

func (h *Handler) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.orch.CancelWorkflow(id); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"workflow_id": id, "status": string(orchestrator.WorkflowCancelled)})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.AgentStatuses())
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	st, ok := h.orch.GetAgentStatus(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// decode reads a JSON body into v and validates it. An empty body is
// accepted only when optional is set.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return false
		}
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrWorkflowNotFound),
		errors.Is(err, workflowdef.ErrTemplateNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrWorkflowFinished),
		errors.Is(err, orchestrator.ErrWorkflowExists):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrInvalidTask),
		errors.Is(err, orchestrator.ErrInvalidWorkflow),
		errors.Is(err, orchestrator.ErrCyclicDependency),
		errors.Is(err, orchestrator.ErrUnknownDependency),
		errors.Is(err, orchestrator.ErrDuplicateStep):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
