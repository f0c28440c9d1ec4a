package service

import (
	"context"
	"strings"

	"github.com/pesio-ai/be-approval-workflows/internal/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/logger"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
)

// CatalogService administers workflow categories and actions.
type CatalogService struct {
	catalog repository.CatalogStore
	log     *logger.Logger
}

// NewCatalogService creates a new CatalogService.
func NewCatalogService(catalog repository.CatalogStore, log *logger.Logger) *CatalogService {
	return &CatalogService{catalog: catalog, log: log}
}

func (s *CatalogService) CreateCategory(ctx context.Context, code, label string) (*repository.WorkflowCategory, error) {
	code, label = strings.TrimSpace(code), strings.TrimSpace(label)
	if code == "" {
		return nil, errors.InvalidInput("code", "code is required")
	}
	if label == "" {
		return nil, errors.InvalidInput("label", "label is required")
	}
	c := &repository.WorkflowCategory{Code: code, Label: label}
	if err := s.catalog.CreateCategory(ctx, c); err != nil {
		return nil, err
	}
	s.log.Info().Str("category_id", c.ID).Str("code", code).Msg("Workflow category created")
	return c, nil
}

func (s *CatalogService) ListCategories(ctx context.Context) ([]*repository.WorkflowCategory, error) {
	return s.catalog.ListCategories(ctx)
}

func (s *CatalogService) CreateAction(ctx context.Context, categoryID, code, label string) (*repository.WorkflowAction, error) {
	code, label = strings.TrimSpace(code), strings.TrimSpace(label)
	switch {
	case categoryID == "":
		return nil, errors.InvalidInput("category_id", "category_id is required")
	case code == "":
		return nil, errors.InvalidInput("code", "code is required")
	case label == "":
		return nil, errors.InvalidInput("label", "label is required")
	}
	a := &repository.WorkflowAction{CategoryID: categoryID, Code: code, Label: label}
	if err := s.catalog.CreateAction(ctx, a); err != nil {
		return nil, err
	}
	s.log.Info().Str("action_id", a.ID).Str("code", code).Msg("Workflow action created")
	return a, nil
}

func (s *CatalogService) GetAction(ctx context.Context, id string) (*repository.WorkflowAction, error) {
	return s.catalog.GetAction(ctx, id)
}

func (s *CatalogService) ListActions(ctx context.Context) ([]*repository.WorkflowAction, error) {
	return s.catalog.ListActions(ctx)
}

// UpdateActionLabel renames an action. Codes never change.
func (s *CatalogService) UpdateActionLabel(ctx context.Context, id, label string) (*repository.WorkflowAction, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, errors.InvalidInput("label", "label is required")
	}
	return s.catalog.UpdateActionLabel(ctx, id, label)
}

func isNotFound(err error) bool {
	return errors.HasCode(err, errors.ErrCodeNotFound)
}
