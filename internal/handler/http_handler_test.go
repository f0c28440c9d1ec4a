package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-workflows/internal/logger"
	"github.com/pesio-ai/be-approval-workflows/internal/notify"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/internal/repository/memory"
	"github.com/pesio-ai/be-approval-workflows/internal/service"
	"github.com/pesio-ai/be-approval-workflows/internal/subject"
)

const (
	testSecret = "test-secret"
	tenant     = "tenant-1"
)

type discardNotifier struct{}

func (discardNotifier) Enqueue(notify.Batch) bool { return true }

type testServer struct {
	router   *mux.Router
	actionID string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	log := logger.Nop()

	directory := service.NewDirectoryService(store.Directory(), log)
	require.NoError(t, directory.Sync(ctx, &repository.TenantSnapshot{
		Tenant: repository.Tenant{ID: tenant, Name: "Acme", OwnerID: "owner"},
		Members: []repository.MemberSnapshot{
			{UserID: "mgr", FullName: "Mia Manager", RoleIDs: []string{"manager"}},
			{UserID: "alice", FullName: "Alice Author"},
		},
	}))

	catalog := service.NewCatalogService(store.Catalog(), log)
	cat, err := catalog.CreateCategory(ctx, "finance", "Finance")
	require.NoError(t, err)
	action, err := catalog.CreateAction(ctx, cat.ID, "expense", "expense report")
	require.NoError(t, err)

	steps := service.NewStepService(store.Steps(), store.Catalog(), store.Directory(), log)
	workflow := service.NewWorkflowService(
		store.Tasks(), store.Steps(), store.Catalog(), store.Audit(), store.Directory(),
		subject.NewRegistry("expense_report"), discardNotifier{}, nil, log,
	)
	steps.SetResumer(workflow)

	h := NewHTTPHandler(catalog, steps, workflow, directory, notify.NewHub(4), NewAuthenticator(testSecret, true, "admin"), log)
	r := mux.NewRouter()
	r.Use(RequestIDMiddleware, RecoveryMiddleware(log), LoggingMiddleware(log, nil))
	h.Register(r)
	return &testServer{router: r, actionID: action.ID}
}

func (s *testServer) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func (s *testServer) createStep(t *testing.T, name string, roles, approvers []string) stepResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/tenants/"+tenant+"/steps", "owner", map[string]interface{}{
		"action_id": s.actionID,
		"step_name": name,
		"roles":     roles,
		"approvers": approvers,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out stepResponse
	decodeBody(t, rec, &out)
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))
}

func TestAPI_RequiresIdentity(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/v1/catalog/actions", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var body errorResponse
	decodeBody(t, rec, &body)
	assert.Equal(t, "UNAUTHENTICATED", body.Code)
}

func TestAPI_BearerToken(t *testing.T) {
	s := newTestServer(t)
	sign := func(secret string) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   "mgr",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		out, err := tok.SignedString([]byte(secret))
		require.NoError(t, err)
		return out
	}

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"valid", sign(testSecret), http.StatusOK},
		{"wrong secret", sign("other"), http.StatusUnauthorized},
		{"garbage", "not-a-token", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/tenants/"+tenant+"/tasks", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			rec := httptest.NewRecorder()
			s.router.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestAPI_StepLifecycle(t *testing.T) {
	s := newTestServer(t)
	a := s.createStep(t, "Manager review", []string{"manager"}, nil)
	b := s.createStep(t, "Owner sign-off", nil, []string{"alice"})
	assert.Equal(t, 1, a.Level)
	assert.Equal(t, 2, b.Level)

	rec := s.do(t, http.MethodPost, "/api/v1/tenants/"+tenant+"/steps/reorder", "owner", map[string]interface{}{
		"action_id": s.actionID,
		"steps": []map[string]interface{}{
			{"id": a.ID, "level": 2},
			{"id": b.ID, "level": 1},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/v1/tenants/"+tenant+"/steps?action_id="+s.actionID, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []stepResponse
	decodeBody(t, rec, &list)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID)
	assert.Equal(t, a.ID, list[1].ID)

	name := "Manager approval"
	rec = s.do(t, http.MethodPatch, "/api/v1/tenants/"+tenant+"/steps/"+a.ID, "owner", map[string]interface{}{"step_name": name})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated stepResponse
	decodeBody(t, rec, &updated)
	assert.Equal(t, name, updated.StepName)
	assert.Equal(t, 2, updated.Level)

	rec = s.do(t, http.MethodDelete, "/api/v1/tenants/"+tenant+"/steps/"+a.ID, "owner", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/v1/tenants/"+tenant+"/steps/"+a.ID, "owner", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_StepValidationCarriesField(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/tenants/"+tenant+"/steps", "owner", map[string]interface{}{
		"action_id": s.actionID,
		"step_name": "",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorResponse
	decodeBody(t, rec, &body)
	assert.Equal(t, "VALIDATION", body.Code)
	assert.Equal(t, "step_name", body.Field)
}

func TestAPI_NonMemberIsForbidden(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/v1/tenants/"+tenant+"/steps", "stranger", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPI_PatchTaskStatus(t *testing.T) {
	s := newTestServer(t)
	s.createStep(t, "Manager review", []string{"manager"}, nil)

	rec := s.do(t, http.MethodPost, "/api/v1/tenants/"+tenant+"/workflows", "alice", map[string]interface{}{
		"action_id":    s.actionID,
		"subject_kind": "expense_report",
		"subject_id":   "exp-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var run runResponse
	decodeBody(t, rec, &run)
	require.Len(t, run.Tasks, 1)
	assert.Equal(t, "alice", *run.CreatedBy)
	taskPath := "/api/v1/tasks/" + run.Tasks[0].ID

	// only completed and rejected are accepted
	rec = s.do(t, http.MethodPatch, taskPath, "mgr", map[string]interface{}{"status": "pending"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// alice holds no eligible role
	rec = s.do(t, http.MethodPatch, taskPath, "alice", map[string]interface{}{"status": "completed"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPatch, taskPath, "mgr", map[string]interface{}{"status": "completed", "comment": "ok"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var task taskResponse
	decodeBody(t, rec, &task)
	assert.Equal(t, "completed", task.Status)
	assert.Equal(t, "mgr", *task.ApprovedBy)

	// already resolved
	rec = s.do(t, http.MethodPatch, taskPath, "mgr", map[string]interface{}{"status": "rejected"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorResponse
	decodeBody(t, rec, &body)
	assert.Equal(t, "INVALID_STATE", body.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/workflows/expense_report/exp-1", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &run)
	assert.Equal(t, "approved", run.Status)

	rec = s.do(t, http.MethodGet, "/api/v1/workflows/expense_report/exp-1/history", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []auditResponse
	decodeBody(t, rec, &history)
	assert.NotEmpty(t, history)
}

func TestAPI_ListMyTasks(t *testing.T) {
	s := newTestServer(t)
	s.createStep(t, "Manager review", []string{"manager"}, nil)
	rec := s.do(t, http.MethodPost, "/api/v1/tenants/"+tenant+"/workflows", "alice", map[string]interface{}{
		"action_id":    s.actionID,
		"subject_kind": "expense_report",
		"subject_id":   "exp-2",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var tasks []taskResponse
	rec = s.do(t, http.MethodGet, "/api/v1/tenants/"+tenant+"/tasks?status=pending", "mgr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &tasks)
	assert.Len(t, tasks, 1)

	rec = s.do(t, http.MethodGet, "/api/v1/tenants/"+tenant+"/tasks", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &tasks)
	assert.Empty(t, tasks)

	rec = s.do(t, http.MethodGet, "/api/v1/tenants/"+tenant+"/tasks?status=bogus", "mgr", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_UnknownTask(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/v1/tasks/missing", "mgr", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_MalformedBody(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/catalog/categories", bytes.NewBufferString("{"))
	req.Header.Set(HeaderUserID, "admin")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_DirectorySyncRequiresOwnerOrAdmin(t *testing.T) {
	s := newTestServer(t)
	s.createStep(t, "Manager review", []string{"manager"}, nil)

	rec := s.do(t, http.MethodPost, "/api/v1/tenants/"+tenant+"/workflows", "alice", map[string]string{
		"action_id":    s.actionID,
		"subject_kind": "expense_report",
		"subject_id":   "exp-9",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var run runResponse
	decodeBody(t, rec, &run)
	taskID := run.Tasks[0].ID

	takeover := map[string]interface{}{"name": "Acme", "owner_id": "stranger"}
	rec = s.do(t, http.MethodPut, "/api/v1/tenants/"+tenant+"/directory", "stranger", takeover)
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	// Members other than the owner cannot rewrite the directory either.
	rec = s.do(t, http.MethodPut, "/api/v1/tenants/"+tenant+"/directory", "mgr", takeover)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPatch, "/api/v1/tasks/"+taskID, "stranger", map[string]string{"status": "completed"})
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	// Unknown tenants can only be registered by an administrator.
	rec = s.do(t, http.MethodPut, "/api/v1/tenants/tenant-new/directory", "stranger", map[string]interface{}{"owner_id": "stranger"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = s.do(t, http.MethodPut, "/api/v1/tenants/tenant-new/directory", "admin", map[string]interface{}{"owner_id": "stranger"})
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPut, "/api/v1/tenants/"+tenant+"/directory", "owner", map[string]interface{}{
		"name":     "Acme",
		"owner_id": "owner",
		"members":  []map[string]interface{}{{"user_id": "mgr", "roles": []string{"manager"}}},
	})
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
}

func TestAPI_AdminRoutes(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
	}{
		{"create category", http.MethodPost, "/api/v1/catalog/categories", map[string]string{"code": "hr", "label": "HR"}},
		{"update action", http.MethodPatch, "/api/v1/catalog/actions/" + s.actionID, map[string]string{"label": "expenses"}},
		{"reconcile", http.MethodPost, "/api/v1/admin/reconcile", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, "owner", tt.body)
			assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

			rec = s.do(t, tt.method, tt.path, "admin", tt.body)
			assert.Less(t, rec.Code, 300, rec.Body.String())
		})
	}
}

func TestAPI_ListMyTasksRequiresMembership(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/v1/tenants/"+tenant+"/tasks", "stranger", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
