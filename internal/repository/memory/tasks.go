package memory

import (
	"context"
	"sort"

	"github.com/pesio-ai/be-approval-workflows/internal/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
)

// TaskStore implements repository.TaskStore.
type TaskStore struct{ s *Store }

func (ts *TaskStore) StartRun(_ context.Context, run *repository.WorkflowRun, tasks []*repository.ApprovalTask) error {
	s := ts.s
	s.mu.Lock()
	defer s.mu.Unlock()
	key := run.Subject.String()
	if _, exists := s.runs[key]; exists {
		return errors.InvalidInput("subject", "workflow already started for "+key)
	}
	if _, ok := s.actions[run.ActionID]; !ok {
		return errors.NotFound("workflow_action", run.ActionID)
	}
	for _, t := range tasks {
		if _, ok := s.steps[t.StepID]; !ok {
			return errors.NotFound("approval_step", t.StepID)
		}
	}

	now := s.now()
	run.CreatedAt, run.UpdatedAt = now, now
	s.runs[key] = cloneRun(run)
	for _, t := range tasks {
		t.RunID = run.ID
		t.Subject = run.Subject
		t.CreatedAt, t.UpdatedAt = now, now
		cp := t.Snapshot()
		s.tasks[t.ID] = &cp
	}
	return nil
}

func (ts *TaskStore) GetRun(_ context.Context, subject repository.SubjectRef) (*repository.WorkflowRun, error) {
	s := ts.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[subject.String()]
	if !ok {
		return nil, errors.NotFound("workflow_run", subject.String())
	}
	return cloneRun(run), nil
}

func (ts *TaskStore) GetTask(_ context.Context, id string) (*repository.ApprovalTask, error) {
	s := ts.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, errors.NotFound("approval_task", id)
	}
	return s.taskView(t), nil
}

func (ts *TaskStore) ListBySubject(_ context.Context, subject repository.SubjectRef) ([]*repository.ApprovalTask, error) {
	s := ts.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subjectTasks(subject), nil
}

func (ts *TaskStore) ListForApprover(_ context.Context, f repository.TaskFilter) ([]*repository.ApprovalTask, error) {
	s := ts.s
	s.mu.RLock()
	defer s.mu.RUnlock()

	roles := make(map[string]struct{}, len(f.RoleIDs))
	for _, r := range f.RoleIDs {
		roles[r] = struct{}{}
	}
	eligible := func(st *repository.ApprovalStep) bool {
		for _, u := range st.ApproverUserIDs {
			if u == f.UserID {
				return true
			}
		}
		for _, r := range st.RoleIDs {
			if _, ok := roles[r]; ok {
				return true
			}
		}
		return false
	}

	var out []*repository.ApprovalTask
	for _, t := range s.tasks {
		st, ok := s.steps[t.StepID]
		if !ok || st.TenantID != f.TenantID || !eligible(st) {
			continue
		}
		if f.Status != nil && t.Status != *f.Status {
			continue
		}
		out = append(out, s.taskView(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Level < out[j].Level
	})
	return out, nil
}

func (ts *TaskStore) ListStalledRuns(_ context.Context, tenantID, actionID string) ([]*repository.WorkflowRun, error) {
	s := ts.s
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := make(map[string]bool)
	for _, t := range s.tasks {
		if t.Status == repository.TaskPending {
			pending[t.RunID] = true
		}
	}
	var out []*repository.WorkflowRun
	for _, run := range s.runs {
		if run.Status != repository.RunInProgress || pending[run.ID] {
			continue
		}
		if (tenantID != "" && run.TenantID != tenantID) || (actionID != "" && run.ActionID != actionID) {
			continue
		}
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Transition serializes on the subject's mutex and stages writes on copies.
// They are applied under the store lock only when fn returns nil.
func (ts *TaskStore) Transition(ctx context.Context, subject repository.SubjectRef, fn func(ctx context.Context, tx repository.TransitionTx) error) error {
	s := ts.s
	lock := s.subjectLock(subject.String())
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	run, ok := s.runs[subject.String()]
	if !ok {
		s.mu.RUnlock()
		return errors.NotFound("workflow_run", subject.String())
	}
	tx := &memTx{store: s, run: cloneRun(run), tasks: s.subjectTasks(subject)}
	s.mu.RUnlock()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type memTx struct {
	store    *Store
	run      *repository.WorkflowRun
	tasks    []*repository.ApprovalTask
	dirty    map[string]struct{}
	finished bool
}

func (t *memTx) Run() *repository.WorkflowRun { return t.run }

func (t *memTx) Tasks() []*repository.ApprovalTask { return t.tasks }

func (t *memTx) SetTaskStatus(_ context.Context, taskID string, from, to repository.TaskStatus, actedBy, comment *string) error {
	for _, task := range t.tasks {
		if task.ID != taskID {
			continue
		}
		if task.Status != from {
			return errors.InvalidState("approval task " + taskID + " is not " + string(from))
		}
		task.Status = to
		if actedBy != nil {
			task.ApprovedBy = actedBy
		}
		if comment != nil {
			task.Comment = comment
		}
		task.UpdatedAt = t.store.now()
		if t.dirty == nil {
			t.dirty = make(map[string]struct{})
		}
		t.dirty[taskID] = struct{}{}
		return nil
	}
	return errors.InvalidState("approval task " + taskID + " is not " + string(from))
}

func (t *memTx) FinishRun(_ context.Context, status repository.RunStatus) (bool, error) {
	if t.run.Status != repository.RunInProgress {
		return false, nil
	}
	now := t.store.now()
	t.run.Status = status
	t.run.FinishedAt = &now
	t.run.UpdatedAt = now
	t.finished = true
	return true, nil
}

func (t *memTx) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range t.tasks {
		if _, ok := t.dirty[task.ID]; !ok {
			continue
		}
		// the step may have been deleted meanwhile, taking the task with it
		stored, ok := s.tasks[task.ID]
		if !ok {
			continue
		}
		stored.Status = task.Status
		stored.ApprovedBy = task.ApprovedBy
		stored.Comment = task.Comment
		stored.UpdatedAt = task.UpdatedAt
	}
	if t.finished {
		if stored, ok := s.runs[t.run.Subject.String()]; ok {
			*stored = *cloneRun(t.run)
		}
	}
}
