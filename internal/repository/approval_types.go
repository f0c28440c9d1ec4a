package repository

import (
	"time"

	"github.com/pesio-ai/be-approval-workflows/internal/errors"
)

// ── Domain types for approval workflows ──────────────────────────────────────

// WorkflowCategory groups workflow actions for display.
type WorkflowCategory struct {
	ID        string
	Code      string
	Label     string
	CreatedAt time.Time
}

// WorkflowAction identifies a kind of approvable operation.
type WorkflowAction struct {
	ID         string
	CategoryID string
	Code       string
	Label      string
	Category   *WorkflowCategory
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ApprovalStep is one ordered stage of a tenant's workflow for an action.
// Lower Level approves first; levels are unique per (TenantID, ActionID).
type ApprovalStep struct {
	ID              string
	TenantID        string
	ActionID        string
	Name            string
	Level           int
	RoleIDs         []string
	ApproverUserIDs []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// StepUpdate is a partial update. Nil fields are left untouched; non-nil
// RoleIDs / ApproverUserIDs replace the whole association set.
type StepUpdate struct {
	Name            *string
	ActionID        *string
	RoleIDs         *[]string
	ApproverUserIDs *[]string
}

// LevelAssignment is one entry of a reorder request.
type LevelAssignment struct {
	StepID string
	Level  int
}

// SubjectRef points at the entity being approved.
type SubjectRef struct {
	Kind string
	ID   string
}

func (s SubjectRef) String() string {
	return s.Kind + ":" + s.ID
}

// RunStatus is the overall state of a subject's workflow.
type RunStatus string

const (
	RunInProgress RunStatus = "in_progress"
	RunApproved   RunStatus = "approved"
	RunRejected   RunStatus = "rejected"
)

// WorkflowRun records a subject's enrollment in a workflow.
type WorkflowRun struct {
	ID         string
	TenantID   string
	ActionID   string
	Subject    SubjectRef
	CreatedBy  *string
	Status     RunStatus
	FinishedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TaskStatus is the state of an approval task.
type TaskStatus string

const (
	TaskNotStarted TaskStatus = "not_started"
	TaskPending    TaskStatus = "pending"
	TaskCompleted  TaskStatus = "completed"
	TaskRejected   TaskStatus = "rejected"
	TaskTerminated TaskStatus = "terminated"
)

// ParseTaskStatus validates a status string.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(s); st {
	case TaskNotStarted, TaskPending, TaskCompleted, TaskRejected, TaskTerminated:
		return st, nil
	}
	return "", errors.InvalidInput("status", "unknown task status: "+s)
}

// Open reports whether the task can still change state.
func (s TaskStatus) Open() bool {
	return s == TaskNotStarted || s == TaskPending
}

// ApprovalTask is the runtime instance of a step for one subject. StepName,
// Level, TenantID and ActionID are denormalized from the step on read.
type ApprovalTask struct {
	ID         string
	RunID      string
	StepID     string
	StepName   string
	Level      int
	TenantID   string
	ActionID   string
	Subject    SubjectRef
	Status     TaskStatus
	Comment    *string
	ApprovedBy *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Snapshot returns a detached copy safe to hand to other goroutines.
func (t *ApprovalTask) Snapshot() ApprovalTask {
	cp := *t
	if t.Comment != nil {
		c := *t.Comment
		cp.Comment = &c
	}
	if t.ApprovedBy != nil {
		a := *t.ApprovedBy
		cp.ApprovedBy = &a
	}
	return cp
}

// TaskFilter narrows approver task listings.
type TaskFilter struct {
	TenantID string
	UserID   string
	RoleIDs  []string
	Status   *TaskStatus
}

// AuditAction names an audit log event.
type AuditAction string

const (
	AuditStarted    AuditAction = "started"
	AuditCompleted  AuditAction = "completed"
	AuditRejected   AuditAction = "rejected"
	AuditTerminated AuditAction = "terminated"
	AuditFinished   AuditAction = "finished"
)

// ApprovalAuditEntry is one immutable record in the audit log.
type ApprovalAuditEntry struct {
	ID          string
	TenantID    string
	Subject     SubjectRef
	TaskID      *string
	StepName    *string
	Level       *int
	Action      AuditAction
	PerformedBy *string
	PerformedAt time.Time
	Comment     *string
	Metadata    map[string]interface{}
}

// Tenant is the directory view of a tenant.
type Tenant struct {
	ID      string
	Name    string
	OwnerID string
}
