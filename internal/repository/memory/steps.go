package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-approval-workflows/internal/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
)

// StepStore implements repository.StepStore.
type StepStore struct{ s *Store }

func (ss *StepStore) Create(_ context.Context, step *repository.ApprovalStep) error {
	s := ss.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[step.ActionID]; !ok {
		return errors.NotFound("workflow_action", step.ActionID)
	}

	maxLevel := 0
	for _, st := range s.steps {
		if st.TenantID == step.TenantID && st.ActionID == step.ActionID && st.Level > maxLevel {
			maxLevel = st.Level
		}
	}
	step.ID = uuid.NewString()
	step.Level = maxLevel + 1
	step.RoleIDs = uniqueSorted(step.RoleIDs)
	step.ApproverUserIDs = uniqueSorted(step.ApproverUserIDs)
	step.CreatedAt = s.now()
	step.UpdatedAt = step.CreatedAt
	s.steps[step.ID] = cloneStep(step)
	return nil
}

func (ss *StepStore) GetByID(_ context.Context, tenantID, id string) (*repository.ApprovalStep, error) {
	s := ss.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.steps[id]
	if !ok || st.TenantID != tenantID {
		return nil, errors.NotFound("approval_step", id)
	}
	return cloneStep(st), nil
}

func (ss *StepStore) List(_ context.Context, tenantID, actionID string) ([]*repository.ApprovalStep, error) {
	s := ss.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listSteps(tenantID, actionID), nil
}

// listSteps orders by action then level. Caller holds s.mu.
func (s *Store) listSteps(tenantID, actionID string) []*repository.ApprovalStep {
	var out []*repository.ApprovalStep
	for _, st := range s.steps {
		if st.TenantID != tenantID || (actionID != "" && st.ActionID != actionID) {
			continue
		}
		out = append(out, cloneStep(st))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ActionID != out[j].ActionID {
			return out[i].ActionID < out[j].ActionID
		}
		return out[i].Level < out[j].Level
	})
	return out
}

func (ss *StepStore) Update(_ context.Context, tenantID, id string, upd repository.StepUpdate) (*repository.ApprovalStep, error) {
	s := ss.s
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[id]
	if !ok || st.TenantID != tenantID {
		return nil, errors.NotFound("approval_step", id)
	}

	if upd.ActionID != nil && *upd.ActionID != st.ActionID {
		if _, ok := s.actions[*upd.ActionID]; !ok {
			return nil, errors.NotFound("workflow_action", *upd.ActionID)
		}
		for _, other := range s.steps {
			if other.TenantID == tenantID && other.ActionID == *upd.ActionID && other.Level == st.Level {
				return nil, errors.InvalidInput("action", fmt.Sprintf("level %d is already used by the target action", st.Level))
			}
		}
	}

	// validation done; apply
	if upd.ActionID != nil {
		st.ActionID = *upd.ActionID
	}
	if upd.Name != nil {
		st.Name = *upd.Name
	}
	if upd.RoleIDs != nil {
		st.RoleIDs = uniqueSorted(*upd.RoleIDs)
	}
	if upd.ApproverUserIDs != nil {
		st.ApproverUserIDs = uniqueSorted(*upd.ApproverUserIDs)
	}
	st.UpdatedAt = s.now()
	return cloneStep(st), nil
}

// Delete removes the step and, like the Postgres cascade, its tasks.
func (ss *StepStore) Delete(_ context.Context, tenantID, id string) error {
	s := ss.s
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[id]
	if !ok || st.TenantID != tenantID {
		return errors.NotFound("approval_step", id)
	}
	delete(s.steps, id)
	for taskID, t := range s.tasks {
		if t.StepID == id {
			delete(s.tasks, taskID)
		}
	}
	return nil
}

func (ss *StepStore) Reorder(_ context.Context, tenantID, actionID string, levels []repository.LevelAssignment) ([]*repository.ApprovalStep, error) {
	s := ss.s
	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[string]int)
	for _, st := range s.steps {
		if st.TenantID == tenantID && st.ActionID == actionID {
			current[st.ID] = st.Level
		}
	}
	offset, err := repository.PlanReorder(current, levels)
	if err != nil {
		return nil, err
	}

	// same two phases as the Postgres store: bump out of range, then assign
	for id := range current {
		s.steps[id].Level += offset
	}
	now := s.now()
	for _, a := range levels {
		st := s.steps[a.StepID]
		st.Level = a.Level
		st.UpdatedAt = now
	}
	return s.listSteps(tenantID, actionID), nil
}
