package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-workflows/internal/database"
	"github.com/pesio-ai/be-approval-workflows/internal/errors"
)

// ApprovalAuditRepository appends and reads immutable approval audit log entries.
type ApprovalAuditRepository struct {
	db *database.DB
}

// NewApprovalAuditRepository creates a new ApprovalAuditRepository.
func NewApprovalAuditRepository(db *database.DB) *ApprovalAuditRepository {
	return &ApprovalAuditRepository{db: db}
}

// Append inserts one audit entry. Entries are keyed by subject rather than by
// step, so they outlive step deletion.
func (r *ApprovalAuditRepository) Append(ctx context.Context, entry *ApprovalAuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	entry.ID = uuid.NewString()
	query := `
		INSERT INTO approval_audit_log
		    (id, tenant_id, subject_kind, subject_id,
		     task_id, step_name, level,
		     action, performed_by, comment, metadata)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7,
		        $8, $9, $10, $11)
		RETURNING performed_at
	`

	err := r.db.QueryRow(ctx, query,
		entry.ID,
		entry.TenantID,
		entry.Subject.Kind,
		entry.Subject.ID,
		entry.TaskID,
		entry.StepName,
		entry.Level,
		entry.Action,
		entry.PerformedBy,
		entry.Comment,
		metadataJSON,
	).Scan(&entry.PerformedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// ListBySubject returns the full audit trail for a subject ordered oldest-first.
func (r *ApprovalAuditRepository) ListBySubject(ctx context.Context, subject SubjectRef) ([]*ApprovalAuditEntry, error) {
	query := `
		SELECT id, tenant_id, subject_kind, subject_id,
		       task_id, step_name, level,
		       action, performed_by, performed_at, comment,
		       metadata
		FROM approval_audit_log
		WHERE subject_kind = $1 AND subject_id = $2
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, subject.Kind, subject.ID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *ApprovalAuditRepository) scanRows(rows pgx.Rows) ([]*ApprovalAuditEntry, error) {
	var entries []*ApprovalAuditEntry
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *ApprovalAuditRepository) scanEntry(sc rowScanner) (*ApprovalAuditEntry, error) {
	entry := &ApprovalAuditEntry{}
	var metadataJSON []byte

	err := sc.Scan(
		&entry.ID,
		&entry.TenantID,
		&entry.Subject.Kind,
		&entry.Subject.ID,
		&entry.TaskID,
		&entry.StepName,
		&entry.Level,
		&entry.Action,
		&entry.PerformedBy,
		&entry.PerformedAt,
		&entry.Comment,
		&metadataJSON,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
		}
	}

	return entry, nil
}
