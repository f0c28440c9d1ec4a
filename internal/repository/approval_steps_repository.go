package repository

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-workflows/internal/database"
	"github.com/pesio-ai/be-approval-workflows/internal/errors"
)

// ApprovalStepsRepository handles approval step definitions and their
// approver-role / approver-user associations.
type ApprovalStepsRepository struct {
	db *database.DB
}

// NewApprovalStepsRepository creates a new ApprovalStepsRepository.
func NewApprovalStepsRepository(db *database.DB) *ApprovalStepsRepository {
	return &ApprovalStepsRepository{db: db}
}

// lockGroup serializes writers of one (tenant, action) step group for the
// rest of the transaction.
func lockGroup(ctx context.Context, tx pgx.Tx, tenantID, actionID string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "approval_steps:"+tenantID+":"+actionID)
	return err
}

// Create inserts a step at the next available level.
func (r *ApprovalStepsRepository) Create(ctx context.Context, step *ApprovalStep) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := lockGroup(ctx, tx, step.TenantID, step.ActionID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock step group")
		}

		var maxLevel int
		err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(level), 0)
			FROM approval_steps
			WHERE tenant_id = $1 AND action_id = $2
		`, step.TenantID, step.ActionID).Scan(&maxLevel)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to read max level")
		}

		step.ID = uuid.NewString()
		step.Level = maxLevel + 1

		err = tx.QueryRow(ctx, `
			INSERT INTO approval_steps (id, tenant_id, action_id, step_name, level)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING created_at, updated_at
		`, step.ID, step.TenantID, step.ActionID, step.Name, step.Level).Scan(&step.CreatedAt, &step.UpdatedAt)
		if isForeignKeyViolation(err) {
			return errors.NotFound("workflow_action", step.ActionID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval step")
		}

		if err := replaceRoles(ctx, tx, step.ID, step.RoleIDs); err != nil {
			return err
		}
		return replaceUsers(ctx, tx, step.ID, step.ApproverUserIDs)
	})
}

const stepColumns = `
	s.id, s.tenant_id, s.action_id, s.step_name, s.level, s.created_at, s.updated_at,
	COALESCE((SELECT array_agg(role_id ORDER BY role_id) FROM approval_step_roles WHERE step_id = s.id), '{}'),
	COALESCE((SELECT array_agg(user_id ORDER BY user_id) FROM approval_step_users WHERE step_id = s.id), '{}')
`

// GetByID returns a tenant's step with its associations.
func (r *ApprovalStepsRepository) GetByID(ctx context.Context, tenantID, id string) (*ApprovalStep, error) {
	return getStep(ctx, r.db, tenantID, id)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getStep(ctx context.Context, q queryRower, tenantID, id string) (*ApprovalStep, error) {
	query := `SELECT ` + stepColumns + ` FROM approval_steps s WHERE s.id = $1 AND s.tenant_id = $2`
	step, err := scanStep(q.QueryRow(ctx, query, id, tenantID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("approval_step", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval step")
	}
	return step, nil
}

// List returns a tenant's steps ordered by action then level.
func (r *ApprovalStepsRepository) List(ctx context.Context, tenantID, actionID string) ([]*ApprovalStep, error) {
	query := `SELECT ` + stepColumns + `
		FROM approval_steps s
		WHERE s.tenant_id = $1 AND ($2 = '' OR s.action_id = $2)
		ORDER BY s.action_id, s.level`

	rows, err := r.db.Query(ctx, query, tenantID, actionID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval steps")
	}
	defer rows.Close()

	var steps []*ApprovalStep
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval step")
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// Update applies a partial update. Level and tenant never change here.
func (r *ApprovalStepsRepository) Update(ctx context.Context, tenantID, id string, upd StepUpdate) (*ApprovalStep, error) {
	var out *ApprovalStep
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		current, err := getStep(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}

		if upd.ActionID != nil && *upd.ActionID != current.ActionID {
			// the level travels with the step, so it must be free in the target group
			if err := lockGroup(ctx, tx, tenantID, *upd.ActionID); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock step group")
			}
			var taken bool
			err := tx.QueryRow(ctx, `
				SELECT EXISTS (
					SELECT 1 FROM approval_steps
					WHERE tenant_id = $1 AND action_id = $2 AND level = $3
				)
			`, tenantID, *upd.ActionID, current.Level).Scan(&taken)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to check target level")
			}
			if taken {
				return errors.InvalidInput("action", fmt.Sprintf("level %d is already used by the target action", current.Level))
			}
			_, err = tx.Exec(ctx, `
				UPDATE approval_steps SET action_id = $2, updated_at = NOW() WHERE id = $1
			`, id, *upd.ActionID)
			if isForeignKeyViolation(err) {
				return errors.NotFound("workflow_action", *upd.ActionID)
			}
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to move approval step")
			}
		}

		if upd.Name != nil {
			if _, err := tx.Exec(ctx, `
				UPDATE approval_steps SET step_name = $2, updated_at = NOW() WHERE id = $1
			`, id, *upd.Name); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval step")
			}
		}
		if upd.RoleIDs != nil {
			if err := replaceRoles(ctx, tx, id, *upd.RoleIDs); err != nil {
				return err
			}
		}
		if upd.ApproverUserIDs != nil {
			if err := replaceUsers(ctx, tx, id, *upd.ApproverUserIDs); err != nil {
				return err
			}
		}

		out, err = getStep(ctx, tx, tenantID, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a step; associations and tasks referencing it cascade.
func (r *ApprovalStepsRepository) Delete(ctx context.Context, tenantID, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM approval_steps WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete approval step")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_step", id)
	}
	return nil
}

// Reorder renumbers a step group in two phases: every level is first moved
// above any current or target level, then the target levels are written.
// Row-at-a-time unique checks never see a duplicate this way.
func (r *ApprovalStepsRepository) Reorder(ctx context.Context, tenantID, actionID string, levels []LevelAssignment) ([]*ApprovalStep, error) {
	var out []*ApprovalStep
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := lockGroup(ctx, tx, tenantID, actionID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock step group")
		}

		rows, err := tx.Query(ctx, `
			SELECT id, level FROM approval_steps
			WHERE tenant_id = $1 AND action_id = $2
			FOR UPDATE
		`, tenantID, actionID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock approval steps")
		}
		current := make(map[string]int)
		for rows.Next() {
			var id string
			var level int
			if err := rows.Scan(&id, &level); err != nil {
				rows.Close()
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval step")
			}
			current[id] = level
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to read approval steps")
		}

		offset, err := PlanReorder(current, levels)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE approval_steps SET level = level + $3
			WHERE tenant_id = $1 AND action_id = $2
		`, tenantID, actionID, offset); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to bump step levels")
		}

		for _, a := range levels {
			if _, err := tx.Exec(ctx, `
				UPDATE approval_steps SET level = $2, updated_at = NOW() WHERE id = $1
			`, a.StepID, a.Level); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to assign step level")
			}
		}

		rows, err = tx.Query(ctx, `SELECT `+stepColumns+`
			FROM approval_steps s
			WHERE s.tenant_id = $1 AND s.action_id = $2
			ORDER BY s.level`, tenantID, actionID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to reload approval steps")
		}
		defer rows.Close()
		for rows.Next() {
			s, err := scanStep(rows)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval step")
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PlanReorder checks that levels covers exactly the ids in current with
// distinct positive levels, and returns the bump offset for the first phase.
// The offset is the group size when levels are already 1..N.
func PlanReorder(current map[string]int, levels []LevelAssignment) (int, error) {
	if len(levels) != len(current) {
		return 0, errors.InvalidInput("steps", "step ids must match the existing steps of this action")
	}
	seenIDs := make(map[string]struct{}, len(levels))
	seenLevels := make(map[int]struct{}, len(levels))
	offset := len(levels)
	for _, a := range levels {
		if _, ok := current[a.StepID]; !ok {
			return 0, errors.InvalidInput("steps", fmt.Sprintf("step %s does not belong to this action", a.StepID))
		}
		if _, dup := seenIDs[a.StepID]; dup {
			return 0, errors.InvalidInput("steps", fmt.Sprintf("step %s listed twice", a.StepID))
		}
		if a.Level < 1 {
			return 0, errors.InvalidInput("level", fmt.Sprintf("invalid level for step %s: must be >= 1", a.StepID))
		}
		if _, dup := seenLevels[a.Level]; dup {
			return 0, errors.InvalidInput("level", fmt.Sprintf("level %d assigned twice", a.Level))
		}
		seenIDs[a.StepID] = struct{}{}
		seenLevels[a.Level] = struct{}{}
		if a.Level > offset {
			offset = a.Level
		}
	}
	for _, lvl := range current {
		if lvl > offset {
			offset = lvl
		}
	}
	return offset, nil
}

// ── association helpers ──────────────────────────────────────────────────────

func replaceRoles(ctx context.Context, tx pgx.Tx, stepID string, roleIDs []string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM approval_step_roles WHERE step_id = $1`, stepID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear step roles")
	}
	for _, roleID := range dedupe(roleIDs) {
		if _, err := tx.Exec(ctx, `
			INSERT INTO approval_step_roles (step_id, role_id) VALUES ($1, $2)
		`, stepID, roleID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to add step role")
		}
	}
	return nil
}

func replaceUsers(ctx context.Context, tx pgx.Tx, stepID string, userIDs []string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM approval_step_users WHERE step_id = $1`, stepID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear step approvers")
	}
	for _, userID := range dedupe(userIDs) {
		if _, err := tx.Exec(ctx, `
			INSERT INTO approval_step_users (step_id, user_id) VALUES ($1, $2)
		`, stepID, userID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to add step approver")
		}
	}
	return nil
}

// dedupe returns the distinct values of in, sorted.
func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanStep(row rowScanner) (*ApprovalStep, error) {
	s := &ApprovalStep{}
	err := row.Scan(
		&s.ID,
		&s.TenantID,
		&s.ActionID,
		&s.Name,
		&s.Level,
		&s.CreatedAt,
		&s.UpdatedAt,
		&s.RoleIDs,
		&s.ApproverUserIDs,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}
