package repository

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-workflows/internal/database"
	"github.com/pesio-ai/be-approval-workflows/internal/errors"
)

// ApprovalWorkflowRepository manages workflow runs and their approval tasks.
// A run and its tasks are always created together in a single transaction.
type ApprovalWorkflowRepository struct {
	db *database.DB
}

// NewApprovalWorkflowRepository creates a new ApprovalWorkflowRepository.
func NewApprovalWorkflowRepository(db *database.DB) *ApprovalWorkflowRepository {
	return &ApprovalWorkflowRepository{db: db}
}

const runColumns = `
	id, tenant_id, action_id, subject_kind, subject_id, created_by,
	status, finished_at, created_at, updated_at
`

// task rows carry the step's name, level, tenant and action
const taskColumns = `
	t.id, t.run_id, t.step_id, s.step_name, s.level, s.tenant_id, s.action_id,
	t.subject_kind, t.subject_id, t.status, t.comment, t.approved_by,
	t.created_at, t.updated_at
`

// StartRun inserts a run and its tasks in one transaction.
func (r *ApprovalWorkflowRepository) StartRun(ctx context.Context, run *WorkflowRun, tasks []*ApprovalTask) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO workflow_runs
			    (id, tenant_id, action_id, subject_kind, subject_id, created_by, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING created_at, updated_at
		`,
			run.ID,
			run.TenantID,
			run.ActionID,
			run.Subject.Kind,
			run.Subject.ID,
			run.CreatedBy,
			run.Status,
		).Scan(&run.CreatedAt, &run.UpdatedAt)
		switch {
		case isUniqueViolation(err):
			return errors.InvalidInput("subject", "workflow already started for "+run.Subject.String())
		case isForeignKeyViolation(err):
			return errors.NotFound("workflow_action", run.ActionID)
		case err != nil:
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow run")
		}

		for _, t := range tasks {
			err := tx.QueryRow(ctx, `
				INSERT INTO approval_tasks
				    (id, run_id, step_id, subject_kind, subject_id, status)
				VALUES ($1, $2, $3, $4, $5, $6)
				RETURNING created_at, updated_at
			`,
				t.ID,
				run.ID,
				t.StepID,
				run.Subject.Kind,
				run.Subject.ID,
				t.Status,
			).Scan(&t.CreatedAt, &t.UpdatedAt)
			if isForeignKeyViolation(err) {
				return errors.NotFound("approval_step", t.StepID)
			}
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval task")
			}
			t.RunID = run.ID
		}
		return nil
	})
}

// GetRun returns the run enrolled for a subject.
func (r *ApprovalWorkflowRepository) GetRun(ctx context.Context, subject SubjectRef) (*WorkflowRun, error) {
	query := `SELECT ` + runColumns + `
		FROM workflow_runs
		WHERE subject_kind = $1 AND subject_id = $2`

	run, err := scanRun(r.db.QueryRow(ctx, query, subject.Kind, subject.ID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("workflow_run", subject.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow run")
	}
	return run, nil
}

// GetTask returns a single task.
func (r *ApprovalWorkflowRepository) GetTask(ctx context.Context, id string) (*ApprovalTask, error) {
	query := `SELECT ` + taskColumns + `
		FROM approval_tasks t
		JOIN approval_steps s ON s.id = t.step_id
		WHERE t.id = $1`

	task, err := scanTask(r.db.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("approval_task", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval task")
	}
	return task, nil
}

// ListBySubject returns a subject's tasks ordered by level.
func (r *ApprovalWorkflowRepository) ListBySubject(ctx context.Context, subject SubjectRef) ([]*ApprovalTask, error) {
	return r.listSubjectTasks(ctx, r.db, subject)
}

// ListForApprover returns tasks of one tenant whose step names the user
// explicitly or lists one of the user's roles.
func (r *ApprovalWorkflowRepository) ListForApprover(ctx context.Context, f TaskFilter) ([]*ApprovalTask, error) {
	roleIDs := f.RoleIDs
	if roleIDs == nil {
		roleIDs = []string{}
	}
	var status *string
	if f.Status != nil {
		s := string(*f.Status)
		status = &s
	}

	query := `SELECT ` + taskColumns + `
		FROM approval_tasks t
		JOIN approval_steps s ON s.id = t.step_id
		WHERE s.tenant_id = $1
		  AND ($4::text IS NULL OR t.status = $4)
		  AND (
		      EXISTS (SELECT 1 FROM approval_step_users u WHERE u.step_id = s.id AND u.user_id = $2)
		   OR EXISTS (SELECT 1 FROM approval_step_roles sr WHERE sr.step_id = s.id AND sr.role_id = ANY($3))
		  )
		ORDER BY t.created_at DESC, s.level`

	rows, err := r.db.Query(ctx, query, f.TenantID, f.UserID, roleIDs, status)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approver tasks")
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListStalledRuns returns in-progress runs without a pending task.
func (r *ApprovalWorkflowRepository) ListStalledRuns(ctx context.Context, tenantID, actionID string) ([]*WorkflowRun, error) {
	query := `SELECT ` + runColumns + `
		FROM workflow_runs w
		WHERE w.status = 'in_progress'
		  AND ($1 = '' OR w.tenant_id = $1)
		  AND ($2 = '' OR w.action_id = $2)
		  AND NOT EXISTS (
		      SELECT 1 FROM approval_tasks t
		      WHERE t.run_id = w.id AND t.status = 'pending'
		  )
		ORDER BY w.created_at`

	rows, err := r.db.Query(ctx, query, tenantID, actionID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list stalled runs")
	}
	defer rows.Close()

	var out []*WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow run")
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Transition locks the subject's run row and hands fn a transactional view
// of its tasks. Concurrent transitions of one subject queue on the row lock.
func (r *ApprovalWorkflowRepository) Transition(ctx context.Context, subject SubjectRef, fn func(ctx context.Context, tx TransitionTx) error) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `SELECT ` + runColumns + `
			FROM workflow_runs
			WHERE subject_kind = $1 AND subject_id = $2
			FOR UPDATE`

		run, err := scanRun(tx.QueryRow(ctx, query, subject.Kind, subject.ID))
		if stderrors.Is(err, pgx.ErrNoRows) {
			return errors.NotFound("workflow_run", subject.String())
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock workflow run")
		}

		tasks, err := r.listSubjectTasks(ctx, tx, subject)
		if err != nil {
			return err
		}

		return fn(ctx, &pgTransitionTx{tx: tx, run: run, tasks: tasks})
	})
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *ApprovalWorkflowRepository) listSubjectTasks(ctx context.Context, q queryer, subject SubjectRef) ([]*ApprovalTask, error) {
	query := `SELECT ` + taskColumns + `
		FROM approval_tasks t
		JOIN approval_steps s ON s.id = t.step_id
		WHERE t.subject_kind = $1 AND t.subject_id = $2
		ORDER BY s.level`

	rows, err := q.Query(ctx, query, subject.Kind, subject.ID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list subject tasks")
	}
	defer rows.Close()
	return scanTasks(rows)
}

// pgTransitionTx keeps its task slice in sync with the writes it issues.
type pgTransitionTx struct {
	tx    pgx.Tx
	run   *WorkflowRun
	tasks []*ApprovalTask
}

func (t *pgTransitionTx) Run() *WorkflowRun { return t.run }

func (t *pgTransitionTx) Tasks() []*ApprovalTask { return t.tasks }

func (t *pgTransitionTx) SetTaskStatus(ctx context.Context, taskID string, from, to TaskStatus, actedBy, comment *string) error {
	var updatedAt time.Time
	err := t.tx.QueryRow(ctx, `
		UPDATE approval_tasks
		SET status = $3,
		    approved_by = COALESCE($4, approved_by),
		    comment = COALESCE($5, comment),
		    updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING updated_at
	`, taskID, from, to, actedBy, comment).Scan(&updatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.InvalidState("approval task " + taskID + " is not " + string(from))
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval task")
	}

	for _, task := range t.tasks {
		if task.ID != taskID {
			continue
		}
		task.Status = to
		if actedBy != nil {
			task.ApprovedBy = actedBy
		}
		if comment != nil {
			task.Comment = comment
		}
		task.UpdatedAt = updatedAt
	}
	return nil
}

func (t *pgTransitionTx) FinishRun(ctx context.Context, status RunStatus) (bool, error) {
	var finishedAt time.Time
	err := t.tx.QueryRow(ctx, `
		UPDATE workflow_runs
		SET status = $2, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'in_progress'
		RETURNING finished_at
	`, t.run.ID, status).Scan(&finishedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to finish workflow run")
	}
	t.run.Status = status
	t.run.FinishedAt = &finishedAt
	t.run.UpdatedAt = finishedAt
	return true, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanRun(row rowScanner) (*WorkflowRun, error) {
	run := &WorkflowRun{}
	err := row.Scan(
		&run.ID,
		&run.TenantID,
		&run.ActionID,
		&run.Subject.Kind,
		&run.Subject.ID,
		&run.CreatedBy,
		&run.Status,
		&run.FinishedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func scanTask(row rowScanner) (*ApprovalTask, error) {
	task := &ApprovalTask{}
	err := row.Scan(
		&task.ID,
		&task.RunID,
		&task.StepID,
		&task.StepName,
		&task.Level,
		&task.TenantID,
		&task.ActionID,
		&task.Subject.Kind,
		&task.Subject.ID,
		&task.Status,
		&task.Comment,
		&task.ApprovedBy,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return task, nil
}

func scanTasks(rows pgx.Rows) ([]*ApprovalTask, error) {
	var out []*ApprovalTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval task")
		}
		out = append(out, task)
	}
	return out, rows.Err()
}
