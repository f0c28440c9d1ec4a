// Package notify delivers approval notifications to users outside of the
// transition that produced them.
package notify

import (
	"context"
	"time"

	"github.com/pesio-ai/be-approval-workflows/internal/repository"
)

// Kind classifies a notification.
type Kind string

const (
	// KindTaskAssigned goes to the audience of a task that just became pending.
	KindTaskAssigned Kind = "task_assigned"
	// KindTaskResolved goes to the audience of a completed or rejected task.
	KindTaskResolved Kind = "task_resolved"
	// KindSubjectResolved goes to the subject's creator.
	KindSubjectResolved Kind = "subject_resolved"
	// KindTaskTerminated goes to the audience of each cascade-terminated task.
	KindTaskTerminated Kind = "task_terminated"
	// KindTasksUpdate carries a notified user's refreshed task list.
	KindTasksUpdate Kind = "tasks_update"
)

// TaskSnapshot is the structured payload attached to task notifications.
type TaskSnapshot struct {
	ID          string    `json:"id"`
	StepID      string    `json:"step_id"`
	StepName    string    `json:"step_name"`
	Level       int       `json:"level"`
	TenantID    string    `json:"tenant_id"`
	ActionID    string    `json:"action_id"`
	SubjectKind string    `json:"subject_kind"`
	SubjectID   string    `json:"subject_id"`
	Status      string    `json:"status"`
	Comment     *string   `json:"comment,omitempty"`
	ApprovedBy  *string   `json:"approved_by,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SnapshotOf copies the task into a payload.
func SnapshotOf(t *repository.ApprovalTask) *TaskSnapshot {
	cp := t.Snapshot()
	return &TaskSnapshot{
		ID:          cp.ID,
		StepID:      cp.StepID,
		StepName:    cp.StepName,
		Level:       cp.Level,
		TenantID:    cp.TenantID,
		ActionID:    cp.ActionID,
		SubjectKind: cp.Subject.Kind,
		SubjectID:   cp.Subject.ID,
		Status:      string(cp.Status),
		Comment:     cp.Comment,
		ApprovedBy:  cp.ApprovedBy,
		UpdatedAt:   cp.UpdatedAt,
	}
}

// Message is one push to one recipient.
type Message struct {
	ID        string          `json:"id"`
	Recipient string          `json:"recipient"`
	Kind      Kind            `json:"kind"`
	Text      string          `json:"message"`
	Task      *TaskSnapshot   `json:"task,omitempty"`
	Tasks     []*TaskSnapshot `json:"tasks,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Batch is the notification output of one transition. Phases are delivered
// in order; messages within a phase fan out concurrently. Key groups batches
// that must not overtake each other, usually the subject.
type Batch struct {
	Key    string
	Phases [][]Message
}

// Recipients returns every distinct recipient in order of first appearance.
func (b Batch) Recipients() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range b.Phases {
		for _, m := range p {
			if _, ok := seen[m.Recipient]; ok {
				continue
			}
			seen[m.Recipient] = struct{}{}
			out = append(out, m.Recipient)
		}
	}
	return out
}

// Add appends a phase, skipping empty ones.
func (b *Batch) Add(phase []Message) {
	if len(phase) > 0 {
		b.Phases = append(b.Phases, phase)
	}
}

// Len counts the messages in all phases.
func (b Batch) Len() int {
	n := 0
	for _, p := range b.Phases {
		n += len(p)
	}
	return n
}

// Sink pushes a single message to its recipient.
type Sink interface {
	Name() string
	Push(ctx context.Context, msg Message) error
}
