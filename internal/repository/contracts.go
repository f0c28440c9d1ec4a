package repository

import "context"

// The interfaces below are satisfied by the Postgres repositories in this
// package and by the in-process store in repository/memory.

// CatalogStore persists workflow categories and actions.
type CatalogStore interface {
	CreateCategory(ctx context.Context, c *WorkflowCategory) error
	ListCategories(ctx context.Context) ([]*WorkflowCategory, error)
	CreateAction(ctx context.Context, a *WorkflowAction) error
	GetAction(ctx context.Context, id string) (*WorkflowAction, error)
	ListActions(ctx context.Context) ([]*WorkflowAction, error)
	UpdateActionLabel(ctx context.Context, id, label string) (*WorkflowAction, error)
}

// StepStore persists approval step definitions.
type StepStore interface {
	// Create assigns step.Level = max(level)+1 for (TenantID, ActionID) and
	// inserts the step with its role/user associations atomically.
	Create(ctx context.Context, step *ApprovalStep) error
	GetByID(ctx context.Context, tenantID, id string) (*ApprovalStep, error)
	// List returns steps ordered by level; an empty actionID lists every
	// action of the tenant.
	List(ctx context.Context, tenantID, actionID string) ([]*ApprovalStep, error)
	Update(ctx context.Context, tenantID, id string, upd StepUpdate) (*ApprovalStep, error)
	Delete(ctx context.Context, tenantID, id string) error
	// Reorder renumbers every step of (tenantID, actionID) in one atomic
	// unit. The assignment set must match the group's steps exactly.
	Reorder(ctx context.Context, tenantID, actionID string, levels []LevelAssignment) ([]*ApprovalStep, error)
}

// TransitionTx is the view of one subject's workflow inside an atomic,
// per-subject serialized unit.
type TransitionTx interface {
	Run() *WorkflowRun
	// Tasks returns the subject's tasks ordered by level, reflecting writes
	// already made in this unit.
	Tasks() []*ApprovalTask
	// SetTaskStatus moves a task from one status to another. It fails with
	// an INVALID_STATE error when the task is no longer in from.
	SetTaskStatus(ctx context.Context, taskID string, from, to TaskStatus, actedBy, comment *string) error
	// FinishRun closes an in-progress run. It reports false when the run was
	// already finished.
	FinishRun(ctx context.Context, status RunStatus) (bool, error)
}

// TaskStore persists workflow runs and approval tasks.
type TaskStore interface {
	// StartRun inserts the run and its tasks atomically.
	StartRun(ctx context.Context, run *WorkflowRun, tasks []*ApprovalTask) error
	GetRun(ctx context.Context, subject SubjectRef) (*WorkflowRun, error)
	GetTask(ctx context.Context, id string) (*ApprovalTask, error)
	ListBySubject(ctx context.Context, subject SubjectRef) ([]*ApprovalTask, error)
	ListForApprover(ctx context.Context, filter TaskFilter) ([]*ApprovalTask, error)
	// ListStalledRuns returns in-progress runs without a pending task. Empty
	// tenantID or actionID match every tenant or action.
	ListStalledRuns(ctx context.Context, tenantID, actionID string) ([]*WorkflowRun, error)
	// Transition runs fn while holding the subject's lock; all writes made
	// through tx commit together or not at all.
	Transition(ctx context.Context, subject SubjectRef, fn func(ctx context.Context, tx TransitionTx) error) error
}

// DirectoryStore answers identity questions from the mirrored directory.
type DirectoryStore interface {
	TenantOwner(ctx context.Context, tenantID string) (string, error)
	UserRoles(ctx context.Context, tenantID, userID string) ([]string, error)
	RoleMembers(ctx context.Context, tenantID, roleID string) ([]string, error)
	UserFullName(ctx context.Context, userID string) (string, error)
	IsTenantMember(ctx context.Context, tenantID, userID string) (bool, error)
	SyncTenant(ctx context.Context, snap *TenantSnapshot) error
}

// TenantSnapshot replaces everything the directory knows about a tenant.
type TenantSnapshot struct {
	Tenant  Tenant
	Members []MemberSnapshot
}

type MemberSnapshot struct {
	UserID   string
	FullName string
	RoleIDs  []string
}

// AuditStore appends and reads the approval audit trail.
type AuditStore interface {
	Append(ctx context.Context, entry *ApprovalAuditEntry) error
	ListBySubject(ctx context.Context, subject SubjectRef) ([]*ApprovalAuditEntry, error)
}
