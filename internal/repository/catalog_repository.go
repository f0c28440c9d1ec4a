package repository

import (
	"context"
	stderrors "errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-approval-workflows/internal/database"
	"github.com/pesio-ai/be-approval-workflows/internal/errors"
)

// CatalogRepository handles workflow categories and actions.
type CatalogRepository struct {
	db *database.DB
}

// NewCatalogRepository creates a new CatalogRepository.
func NewCatalogRepository(db *database.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// CreateCategory inserts a category; codes are unique.
func (r *CatalogRepository) CreateCategory(ctx context.Context, c *WorkflowCategory) error {
	c.ID = uuid.NewString()
	query := `
		INSERT INTO workflow_categories (id, code, label)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`
	err := r.db.QueryRow(ctx, query, c.ID, c.Code, c.Label).Scan(&c.CreatedAt)
	if isUniqueViolation(err) {
		return errors.InvalidInput("code", "workflow category code already exists")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow category")
	}
	return nil
}

// ListCategories returns all categories ordered by label.
func (r *CatalogRepository) ListCategories(ctx context.Context) ([]*WorkflowCategory, error) {
	rows, err := r.db.Query(ctx, `SELECT id, code, label, created_at FROM workflow_categories ORDER BY label`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow categories")
	}
	defer rows.Close()

	var out []*WorkflowCategory
	for rows.Next() {
		c := &WorkflowCategory{}
		if err := rows.Scan(&c.ID, &c.Code, &c.Label, &c.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow category")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateAction inserts an action under an existing category.
func (r *CatalogRepository) CreateAction(ctx context.Context, a *WorkflowAction) error {
	a.ID = uuid.NewString()
	query := `
		INSERT INTO workflow_actions (id, category_id, code, label)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query, a.ID, a.CategoryID, a.Code, a.Label).Scan(&a.CreatedAt, &a.UpdatedAt)
	switch {
	case isUniqueViolation(err):
		return errors.InvalidInput("code", "workflow action code already exists")
	case isForeignKeyViolation(err):
		return errors.NotFound("workflow_category", a.CategoryID)
	case err != nil:
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow action")
	}
	return nil
}

const actionColumns = `
	a.id, a.category_id, a.code, a.label, a.created_at, a.updated_at,
	c.id, c.code, c.label, c.created_at
`

// GetAction retrieves an action with its category.
func (r *CatalogRepository) GetAction(ctx context.Context, id string) (*WorkflowAction, error) {
	query := `SELECT ` + actionColumns + `
		FROM workflow_actions a
		JOIN workflow_categories c ON c.id = a.category_id
		WHERE a.id = $1`

	a, err := scanAction(r.db.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("workflow_action", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow action")
	}
	return a, nil
}

// ListActions returns every action with its category.
func (r *CatalogRepository) ListActions(ctx context.Context) ([]*WorkflowAction, error) {
	query := `SELECT ` + actionColumns + `
		FROM workflow_actions a
		JOIN workflow_categories c ON c.id = a.category_id
		ORDER BY c.label, a.label`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow actions")
	}
	defer rows.Close()

	var out []*WorkflowAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow action")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateActionLabel changes an action's display label.
func (r *CatalogRepository) UpdateActionLabel(ctx context.Context, id, label string) (*WorkflowAction, error) {
	tag, err := r.db.Exec(ctx, `UPDATE workflow_actions SET label = $2, updated_at = NOW() WHERE id = $1`, id, label)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to update workflow action")
	}
	if tag.RowsAffected() == 0 {
		return nil, errors.NotFound("workflow_action", id)
	}
	return r.GetAction(ctx, id)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*WorkflowAction, error) {
	a := &WorkflowAction{Category: &WorkflowCategory{}}
	err := row.Scan(
		&a.ID,
		&a.CategoryID,
		&a.Code,
		&a.Label,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.Category.ID,
		&a.Category.Code,
		&a.Category.Label,
		&a.Category.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == "23503"
}
