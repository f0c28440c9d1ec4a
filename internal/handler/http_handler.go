package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/pesio-ai/be-approval-workflows/internal/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/logger"
	"github.com/pesio-ai/be-approval-workflows/internal/notify"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/internal/service"
)

// HTTPHandler handles HTTP requests for the approval workflow API.
type HTTPHandler struct {
	catalog   *service.CatalogService
	steps     *service.StepService
	workflow  *service.WorkflowService
	directory *service.DirectoryService
	hub       *notify.Hub
	auth      *Authenticator
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler. hub may be nil, in which case
// the websocket endpoint is not registered.
func NewHTTPHandler(
	catalog *service.CatalogService,
	steps *service.StepService,
	workflow *service.WorkflowService,
	directory *service.DirectoryService,
	hub *notify.Hub,
	auth *Authenticator,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		catalog:   catalog,
		steps:     steps,
		workflow:  workflow,
		directory: directory,
		hub:       hub,
		auth:      auth,
		log:       log.Component("http"),
	}
}

// Register mounts the API routes on r.
func (h *HTTPHandler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	if h.hub != nil {
		r.HandleFunc("/api/v1/notifications/ws", h.Notifications).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(h.auth.Middleware)

	api.HandleFunc("/catalog/categories", h.ListCategories).Methods(http.MethodGet)
	api.HandleFunc("/catalog/categories", h.CreateCategory).Methods(http.MethodPost)
	api.HandleFunc("/catalog/actions", h.ListActions).Methods(http.MethodGet)
	api.HandleFunc("/catalog/actions", h.CreateAction).Methods(http.MethodPost)
	api.HandleFunc("/catalog/actions/{id}", h.GetAction).Methods(http.MethodGet)
	api.HandleFunc("/catalog/actions/{id}", h.UpdateAction).Methods(http.MethodPatch)

	api.HandleFunc("/tenants/{tenant_id}/directory", h.SyncDirectory).Methods(http.MethodPut)

	api.HandleFunc("/tenants/{tenant_id}/steps", h.ListSteps).Methods(http.MethodGet)
	api.HandleFunc("/tenants/{tenant_id}/steps", h.CreateStep).Methods(http.MethodPost)
	api.HandleFunc("/tenants/{tenant_id}/steps/reorder", h.ReorderSteps).Methods(http.MethodPost)
	api.HandleFunc("/tenants/{tenant_id}/steps/{id}", h.GetStep).Methods(http.MethodGet)
	api.HandleFunc("/tenants/{tenant_id}/steps/{id}", h.UpdateStep).Methods(http.MethodPatch)
	api.HandleFunc("/tenants/{tenant_id}/steps/{id}", h.DeleteStep).Methods(http.MethodDelete)

	api.HandleFunc("/tenants/{tenant_id}/tasks", h.ListMyTasks).Methods(http.MethodGet)
	api.HandleFunc("/tenants/{tenant_id}/workflows", h.StartWorkflow).Methods(http.MethodPost)

	api.HandleFunc("/workflows/{kind}/{subject_id}", h.GetWorkflow).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{kind}/{subject_id}/history", h.GetHistory).Methods(http.MethodGet)

	api.HandleFunc("/tasks/{id}", h.GetTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", h.UpdateTaskStatus).Methods(http.MethodPatch)

	api.HandleFunc("/admin/reconcile", h.Reconcile).Methods(http.MethodPost)
}

// Health reports liveness.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ── Catalog ───────────────────────────────────────────────────────────────────

// ListCategories handles GET /api/v1/catalog/categories
func (h *HTTPHandler) ListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := h.catalog.ListCategories(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]*categoryResponse, 0, len(cats))
	for _, c := range cats {
		out = append(out, toCategory(c))
	}
	respondJSON(w, http.StatusOK, out)
}

// CreateCategory handles POST /api/v1/catalog/categories
func (h *HTTPHandler) CreateCategory(w http.ResponseWriter, r *http.Request) {
	if !h.admin(w, r) {
		return
	}
	var req createCategoryRequest
	if !decode(w, r, &req) {
		return
	}
	cat, err := h.catalog.CreateCategory(r.Context(), req.Code, req.Label)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, toCategory(cat))
}

// ListActions handles GET /api/v1/catalog/actions
func (h *HTTPHandler) ListActions(w http.ResponseWriter, r *http.Request) {
	actions, err := h.catalog.ListActions(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]actionResponse, 0, len(actions))
	for _, a := range actions {
		out = append(out, toAction(a))
	}
	respondJSON(w, http.StatusOK, out)
}

// CreateAction handles POST /api/v1/catalog/actions
func (h *HTTPHandler) CreateAction(w http.ResponseWriter, r *http.Request) {
	if !h.admin(w, r) {
		return
	}
	var req createActionRequest
	if !decode(w, r, &req) {
		return
	}
	action, err := h.catalog.CreateAction(r.Context(), req.CategoryID, req.Code, req.Label)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, toAction(action))
}

// GetAction handles GET /api/v1/catalog/actions/{id}
func (h *HTTPHandler) GetAction(w http.ResponseWriter, r *http.Request) {
	action, err := h.catalog.GetAction(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toAction(action))
}

// UpdateAction handles PATCH /api/v1/catalog/actions/{id}
func (h *HTTPHandler) UpdateAction(w http.ResponseWriter, r *http.Request) {
	if !h.admin(w, r) {
		return
	}
	var req updateActionRequest
	if !decode(w, r, &req) {
		return
	}
	action, err := h.catalog.UpdateActionLabel(r.Context(), mux.Vars(r)["id"], req.Label)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toAction(action))
}

// ── Directory ─────────────────────────────────────────────────────────────────

// SyncDirectory handles PUT /api/v1/tenants/{tenant_id}/directory. Only an
// administrator or the tenant's current owner may replace the directory, and
// only an administrator may register a new tenant.
func (h *HTTPHandler) SyncDirectory(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant_id"]
	callerID := UserID(r.Context())
	if err := h.directory.AuthorizeSync(r.Context(), tenantID, callerID, h.auth.IsAdmin(callerID)); err != nil {
		h.fail(w, r, err)
		return
	}
	var req directoryRequest
	if !decode(w, r, &req) {
		return
	}
	snap := &repository.TenantSnapshot{
		Tenant: repository.Tenant{ID: tenantID, Name: req.Name, OwnerID: req.OwnerID},
	}
	for _, m := range req.Members {
		snap.Members = append(snap.Members, repository.MemberSnapshot{
			UserID:   m.UserID,
			FullName: m.FullName,
			RoleIDs:  m.RoleIDs,
		})
	}
	if err := h.directory.Sync(r.Context(), snap); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Step definitions ──────────────────────────────────────────────────────────

// ListSteps handles GET /api/v1/tenants/{tenant_id}/steps?action_id=
func (h *HTTPHandler) ListSteps(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantMember(w, r)
	if !ok {
		return
	}
	steps, err := h.steps.List(r.Context(), tenantID, r.URL.Query().Get("action_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toSteps(steps))
}

// CreateStep handles POST /api/v1/tenants/{tenant_id}/steps
func (h *HTTPHandler) CreateStep(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantMember(w, r)
	if !ok {
		return
	}
	var req createStepRequest
	if !decode(w, r, &req) {
		return
	}
	step, err := h.steps.Create(r.Context(), service.CreateStepInput{
		TenantID:        tenantID,
		ActionID:        req.ActionID,
		Name:            req.StepName,
		RoleIDs:         req.RoleIDs,
		ApproverUserIDs: req.ApproverUserIDs,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, toStep(step))
}

// GetStep handles GET /api/v1/tenants/{tenant_id}/steps/{id}
func (h *HTTPHandler) GetStep(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantMember(w, r)
	if !ok {
		return
	}
	step, err := h.steps.Get(r.Context(), tenantID, mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toStep(step))
}

// UpdateStep handles PATCH /api/v1/tenants/{tenant_id}/steps/{id}
func (h *HTTPHandler) UpdateStep(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantMember(w, r)
	if !ok {
		return
	}
	var req updateStepRequest
	if !decode(w, r, &req) {
		return
	}
	step, err := h.steps.Update(r.Context(), tenantID, mux.Vars(r)["id"], repository.StepUpdate{
		Name:            req.StepName,
		ActionID:        req.ActionID,
		RoleIDs:         req.RoleIDs,
		ApproverUserIDs: req.ApproverUserIDs,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toStep(step))
}

// DeleteStep handles DELETE /api/v1/tenants/{tenant_id}/steps/{id}
func (h *HTTPHandler) DeleteStep(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantMember(w, r)
	if !ok {
		return
	}
	if err := h.steps.Delete(r.Context(), tenantID, mux.Vars(r)["id"]); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReorderSteps handles POST /api/v1/tenants/{tenant_id}/steps/reorder
func (h *HTTPHandler) ReorderSteps(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantMember(w, r)
	if !ok {
		return
	}
	var req reorderRequest
	if !decode(w, r, &req) {
		return
	}
	levels := make([]repository.LevelAssignment, 0, len(req.Steps))
	for _, s := range req.Steps {
		levels = append(levels, repository.LevelAssignment{StepID: s.ID, Level: s.Level})
	}
	steps, err := h.steps.Reorder(r.Context(), tenantID, req.ActionID, levels)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toSteps(steps))
}

// ── Workflows and tasks ───────────────────────────────────────────────────────

// StartWorkflow handles POST /api/v1/tenants/{tenant_id}/workflows
func (h *HTTPHandler) StartWorkflow(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantMember(w, r)
	if !ok {
		return
	}
	var req startWorkflowRequest
	if !decode(w, r, &req) {
		return
	}
	run, tasks, err := h.workflow.StartWorkflow(r.Context(), service.StartInput{
		TenantID:    tenantID,
		ActionID:    req.ActionID,
		SubjectKind: req.SubjectKind,
		SubjectID:   req.SubjectID,
		CreatedBy:   UserID(r.Context()),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, toRun(run, tasks))
}

// GetWorkflow handles GET /api/v1/workflows/{kind}/{subject_id}
func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	ref := subjectRef(r)
	run, err := h.workflow.GetRun(r.Context(), ref)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.directory.RequireMember(r.Context(), run.TenantID, UserID(r.Context())); err != nil {
		h.fail(w, r, err)
		return
	}
	tasks, err := h.workflow.ListSubjectTasks(r.Context(), ref)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toRun(run, tasks))
}

// GetHistory handles GET /api/v1/workflows/{kind}/{subject_id}/history
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	ref := subjectRef(r)
	run, err := h.workflow.GetRun(r.Context(), ref)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.directory.RequireMember(r.Context(), run.TenantID, UserID(r.Context())); err != nil {
		h.fail(w, r, err)
		return
	}
	entries, err := h.workflow.History(r.Context(), ref)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toAudit(entries))
}

// ListMyTasks handles GET /api/v1/tenants/{tenant_id}/tasks?status=
func (h *HTTPHandler) ListMyTasks(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantMember(w, r)
	if !ok {
		return
	}
	tasks, err := h.workflow.ListMyTasks(r.Context(), tenantID, UserID(r.Context()), r.URL.Query().Get("status"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toTasks(tasks))
}

// GetTask handles GET /api/v1/tasks/{id}
func (h *HTTPHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.workflow.GetTask(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.directory.RequireMember(r.Context(), task.TenantID, UserID(r.Context())); err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toTask(task))
}

// UpdateTaskStatus handles PATCH /api/v1/tasks/{id}. Only completed and
// rejected are accepted.
func (h *HTTPHandler) UpdateTaskStatus(w http.ResponseWriter, r *http.Request) {
	var req updateTaskStatusRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := h.workflow.UpdateTaskStatus(r.Context(), mux.Vars(r)["id"], UserID(r.Context()), req.Status, req.Comment)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toTask(task))
}

// Reconcile handles POST /api/v1/admin/reconcile
func (h *HTTPHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	if !h.admin(w, r) {
		return
	}
	res, err := h.workflow.Reconcile(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func (h *HTTPHandler) tenantMember(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := mux.Vars(r)["tenant_id"]
	if err := h.directory.RequireMember(r.Context(), tenantID, UserID(r.Context())); err != nil {
		h.fail(w, r, err)
		return "", false
	}
	return tenantID, true
}

func (h *HTTPHandler) admin(w http.ResponseWriter, r *http.Request) bool {
	if err := h.auth.RequireAdmin(UserID(r.Context())); err != nil {
		h.fail(w, r, err)
		return false
	}
	return true
}

func (h *HTTPHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.CodeOf(err) == errors.ErrCodeInternal {
		h.log.Error().Err(err).
			Str("request_id", RequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("Request failed")
	}
	respondError(w, err)
}

func subjectRef(r *http.Request) repository.SubjectRef {
	vars := mux.Vars(r)
	return repository.SubjectRef{Kind: vars["kind"], ID: vars["subject_id"]}
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, errors.InvalidInput("body", "invalid request body: "+err.Error()))
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		detail = "internal error"
	}
	respondJSON(w, status, errorResponse{
		Detail: strings.TrimSpace(detail),
		Code:   string(errors.CodeOf(err)),
		Field:  errors.FieldOf(err),
	})
}
