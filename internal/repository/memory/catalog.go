package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-approval-workflows/internal/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
)

// CatalogStore implements repository.CatalogStore.
type CatalogStore struct{ s *Store }

func (c *CatalogStore) CreateCategory(_ context.Context, cat *repository.WorkflowCategory) error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.categories {
		if existing.Code == cat.Code {
			return errors.InvalidInput("code", "workflow category code already exists")
		}
	}
	cat.ID = uuid.NewString()
	cat.CreatedAt = s.now()
	cp := *cat
	s.categories[cat.ID] = &cp
	return nil
}

func (c *CatalogStore) ListCategories(_ context.Context) ([]*repository.WorkflowCategory, error) {
	s := c.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*repository.WorkflowCategory, 0, len(s.categories))
	for _, cat := range s.categories {
		cp := *cat
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

func (c *CatalogStore) CreateAction(_ context.Context, a *repository.WorkflowAction) error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.actions {
		if existing.Code == a.Code {
			return errors.InvalidInput("code", "workflow action code already exists")
		}
	}
	if _, ok := s.categories[a.CategoryID]; !ok {
		return errors.NotFound("workflow_category", a.CategoryID)
	}
	a.ID = uuid.NewString()
	a.CreatedAt = s.now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	cp.Category = nil
	s.actions[a.ID] = &cp
	a.Category = cloneAction(&cp, s.categories).Category
	return nil
}

func (c *CatalogStore) GetAction(_ context.Context, id string) (*repository.WorkflowAction, error) {
	s := c.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actions[id]
	if !ok {
		return nil, errors.NotFound("workflow_action", id)
	}
	return cloneAction(a, s.categories), nil
}

func (c *CatalogStore) ListActions(_ context.Context) ([]*repository.WorkflowAction, error) {
	s := c.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*repository.WorkflowAction, 0, len(s.actions))
	for _, a := range s.actions {
		out = append(out, cloneAction(a, s.categories))
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := out[i].Category, out[j].Category
		if ci != nil && cj != nil && ci.Label != cj.Label {
			return ci.Label < cj.Label
		}
		return out[i].Label < out[j].Label
	})
	return out, nil
}

func (c *CatalogStore) UpdateActionLabel(_ context.Context, id, label string) (*repository.WorkflowAction, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return nil, errors.NotFound("workflow_action", id)
	}
	a.Label = label
	a.UpdatedAt = s.now()
	return cloneAction(a, s.categories), nil
}
