package handler

import (
	"time"

	"github.com/pesio-ai/be-approval-workflows/internal/repository"
)

// Request bodies

type createCategoryRequest struct {
	Code  string `json:"code"`
	Label string `json:"label"`
}

type createActionRequest struct {
	CategoryID string `json:"category_id"`
	Code       string `json:"code"`
	Label      string `json:"label"`
}

type updateActionRequest struct {
	Label string `json:"label"`
}

type createStepRequest struct {
	ActionID        string   `json:"action_id"`
	StepName        string   `json:"step_name"`
	RoleIDs         []string `json:"roles"`
	ApproverUserIDs []string `json:"approvers"`
}

type updateStepRequest struct {
	ActionID        *string   `json:"action_id"`
	StepName        *string   `json:"step_name"`
	RoleIDs         *[]string `json:"roles"`
	ApproverUserIDs *[]string `json:"approvers"`
}

type reorderRequest struct {
	ActionID string `json:"action_id"`
	Steps    []struct {
		ID    string `json:"id"`
		Level int    `json:"level"`
	} `json:"steps"`
}

type startWorkflowRequest struct {
	ActionID    string `json:"action_id"`
	SubjectKind string `json:"subject_kind"`
	SubjectID   string `json:"subject_id"`
}

type updateTaskStatusRequest struct {
	Status  string  `json:"status"`
	Comment *string `json:"comment"`
}

type directoryRequest struct {
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
	Members []struct {
		UserID   string   `json:"user_id"`
		FullName string   `json:"full_name"`
		RoleIDs  []string `json:"roles"`
	} `json:"members"`
}

// Responses

type errorResponse struct {
	Detail string `json:"detail"`
	Code   string `json:"code"`
	Field  string `json:"field,omitempty"`
}

type categoryResponse struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
}

type actionResponse struct {
	ID         string            `json:"id"`
	CategoryID string            `json:"category_id"`
	Code       string            `json:"code"`
	Label      string            `json:"label"`
	Category   *categoryResponse `json:"category,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

type stepResponse struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	ActionID        string    `json:"action_id"`
	StepName        string    `json:"step_name"`
	Level           int       `json:"level"`
	RoleIDs         []string  `json:"roles"`
	ApproverUserIDs []string  `json:"approvers"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type taskResponse struct {
	ID          string    `json:"id"`
	StepID      string    `json:"step_id"`
	StepName    string    `json:"step_name"`
	Level       int       `json:"level"`
	TenantID    string    `json:"tenant_id"`
	ActionID    string    `json:"action_id"`
	SubjectKind string    `json:"subject_kind"`
	SubjectID   string    `json:"subject_id"`
	Status      string    `json:"status"`
	Comment     *string   `json:"comment"`
	ApprovedBy  *string   `json:"approved_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type runResponse struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	ActionID    string         `json:"action_id"`
	SubjectKind string         `json:"subject_kind"`
	SubjectID   string         `json:"subject_id"`
	CreatedBy   *string        `json:"created_by"`
	Status      string         `json:"status"`
	FinishedAt  *time.Time     `json:"finished_at"`
	CreatedAt   time.Time      `json:"created_at"`
	Tasks       []taskResponse `json:"tasks"`
}

type auditResponse struct {
	ID          string                 `json:"id"`
	TaskID      *string                `json:"task_id"`
	StepName    *string                `json:"step_name"`
	Level       *int                   `json:"level"`
	Action      string                 `json:"action"`
	PerformedBy *string                `json:"performed_by"`
	PerformedAt time.Time              `json:"performed_at"`
	Comment     *string                `json:"comment"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

func toCategory(c *repository.WorkflowCategory) *categoryResponse {
	if c == nil {
		return nil
	}
	return &categoryResponse{ID: c.ID, Code: c.Code, Label: c.Label, CreatedAt: c.CreatedAt}
}

func toAction(a *repository.WorkflowAction) actionResponse {
	return actionResponse{
		ID:         a.ID,
		CategoryID: a.CategoryID,
		Code:       a.Code,
		Label:      a.Label,
		Category:   toCategory(a.Category),
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}

func toStep(s *repository.ApprovalStep) stepResponse {
	return stepResponse{
		ID:              s.ID,
		TenantID:        s.TenantID,
		ActionID:        s.ActionID,
		StepName:        s.Name,
		Level:           s.Level,
		RoleIDs:         nonNil(s.RoleIDs),
		ApproverUserIDs: nonNil(s.ApproverUserIDs),
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

func toSteps(steps []*repository.ApprovalStep) []stepResponse {
	out := make([]stepResponse, 0, len(steps))
	for _, s := range steps {
		out = append(out, toStep(s))
	}
	return out
}

func toTask(t *repository.ApprovalTask) taskResponse {
	return taskResponse{
		ID:          t.ID,
		StepID:      t.StepID,
		StepName:    t.StepName,
		Level:       t.Level,
		TenantID:    t.TenantID,
		ActionID:    t.ActionID,
		SubjectKind: t.Subject.Kind,
		SubjectID:   t.Subject.ID,
		Status:      string(t.Status),
		Comment:     t.Comment,
		ApprovedBy:  t.ApprovedBy,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func toTasks(tasks []*repository.ApprovalTask) []taskResponse {
	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTask(t))
	}
	return out
}

func toRun(r *repository.WorkflowRun, tasks []*repository.ApprovalTask) runResponse {
	return runResponse{
		ID:          r.ID,
		TenantID:    r.TenantID,
		ActionID:    r.ActionID,
		SubjectKind: r.Subject.Kind,
		SubjectID:   r.Subject.ID,
		CreatedBy:   r.CreatedBy,
		Status:      string(r.Status),
		FinishedAt:  r.FinishedAt,
		CreatedAt:   r.CreatedAt,
		Tasks:       toTasks(tasks),
	}
}

func toAudit(entries []*repository.ApprovalAuditEntry) []auditResponse {
	out := make([]auditResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditResponse{
			ID:          e.ID,
			TaskID:      e.TaskID,
			StepName:    e.StepName,
			Level:       e.Level,
			Action:      string(e.Action),
			PerformedBy: e.PerformedBy,
			PerformedAt: e.PerformedAt,
			Comment:     e.Comment,
			Metadata:    e.Metadata,
		})
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
