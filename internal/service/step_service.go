package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/pesio-ai/be-approval-workflows/internal/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/logger"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
)

// CreateStepInput describes a new approval step.
type CreateStepInput struct {
	TenantID        string
	ActionID        string
	Name            string
	RoleIDs         []string
	ApproverUserIDs []string
}

// StalledRunResumer repairs runs of a step group left without a pending
// task. WorkflowService implements it.
type StalledRunResumer interface {
	ResumeStalled(ctx context.Context, tenantID, actionID string) (ReconcileResult, error)
}

// StepService manages per-tenant approval step definitions.
type StepService struct {
	steps    repository.StepStore
	catalog  repository.CatalogStore
	identity IdentityProvider
	resumer  StalledRunResumer
	log      *logger.Logger
}

// NewStepService creates a new StepService.
func NewStepService(
	steps repository.StepStore,
	catalog repository.CatalogStore,
	identity IdentityProvider,
	log *logger.Logger,
) *StepService {
	return &StepService{steps: steps, catalog: catalog, identity: identity, log: log}
}

// SetResumer registers the hook run after a step deletion.
func (s *StepService) SetResumer(r StalledRunResumer) {
	s.resumer = r
}

// Create appends a step after the current last level of (tenant, action).
func (s *StepService) Create(ctx context.Context, in CreateStepInput) (*repository.ApprovalStep, error) {
	if in.TenantID == "" {
		return nil, errors.InvalidInput("tenant_id", "tenant is required")
	}
	if in.ActionID == "" {
		return nil, errors.InvalidInput("action_id", "action is required")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, errors.InvalidInput("step_name", "step name is required")
	}
	if _, err := s.catalog.GetAction(ctx, in.ActionID); err != nil {
		if isNotFound(err) {
			return nil, errors.InvalidInput("action_id", "unknown action: "+in.ActionID)
		}
		return nil, err
	}
	if err := s.checkApprovers(ctx, in.TenantID, in.ApproverUserIDs); err != nil {
		return nil, err
	}

	step := &repository.ApprovalStep{
		TenantID:        in.TenantID,
		ActionID:        in.ActionID,
		Name:            name,
		RoleIDs:         in.RoleIDs,
		ApproverUserIDs: in.ApproverUserIDs,
	}
	if err := s.steps.Create(ctx, step); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("tenant_id", step.TenantID).
		Str("action_id", step.ActionID).
		Str("step_id", step.ID).
		Int("level", step.Level).
		Msg("Approval step created")
	return step, nil
}

func (s *StepService) Get(ctx context.Context, tenantID, id string) (*repository.ApprovalStep, error) {
	return s.steps.GetByID(ctx, tenantID, id)
}

// List returns a tenant's steps; an empty actionID lists all actions.
func (s *StepService) List(ctx context.Context, tenantID, actionID string) ([]*repository.ApprovalStep, error) {
	if tenantID == "" {
		return nil, errors.InvalidInput("tenant_id", "tenant is required")
	}
	return s.steps.List(ctx, tenantID, actionID)
}

// Update applies a partial update. Supplied role or approver lists replace
// the existing sets.
func (s *StepService) Update(ctx context.Context, tenantID, id string, upd repository.StepUpdate) (*repository.ApprovalStep, error) {
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, errors.InvalidInput("step_name", "step name cannot be empty")
		}
		upd.Name = &name
	}
	if upd.ActionID != nil {
		if *upd.ActionID == "" {
			return nil, errors.InvalidInput("action_id", "action cannot be empty")
		}
		if _, err := s.catalog.GetAction(ctx, *upd.ActionID); err != nil {
			if isNotFound(err) {
				return nil, errors.InvalidInput("action_id", "unknown action: "+*upd.ActionID)
			}
			return nil, err
		}
	}
	if upd.ApproverUserIDs != nil {
		if err := s.checkApprovers(ctx, tenantID, *upd.ApproverUserIDs); err != nil {
			return nil, err
		}
	}

	step, err := s.steps.Update(ctx, tenantID, id, upd)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("tenant_id", tenantID).Str("step_id", id).Msg("Approval step updated")
	return step, nil
}

// Delete removes a step together with its tasks. Audit entries are kept.
// Runs that lose their pending task move on to their next level, or finish
// when nothing is left; a failure there is left to reconcile.
func (s *StepService) Delete(ctx context.Context, tenantID, id string) error {
	step, err := s.steps.GetByID(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if err := s.steps.Delete(ctx, tenantID, id); err != nil {
		return err
	}
	s.log.Info().Str("tenant_id", tenantID).Str("step_id", id).Msg("Approval step deleted")

	if s.resumer == nil {
		return nil
	}
	res, err := s.resumer.ResumeStalled(ctx, tenantID, step.ActionID)
	if err != nil {
		s.log.Warn().Err(err).Str("step_id", id).Msg("Failed to resume workflows after step deletion")
		return nil
	}
	if res.Resumed > 0 || res.Finished > 0 {
		s.log.Info().
			Str("step_id", id).
			Int("resumed", res.Resumed).
			Int("finished", res.Finished).
			Msg("Workflows repaired after step deletion")
	}
	return nil
}

// Reorder renumbers every step of one action atomically. actionID may be
// empty, in which case it is taken from the first listed step; every listed
// step must belong to that action.
func (s *StepService) Reorder(ctx context.Context, tenantID, actionID string, levels []repository.LevelAssignment) ([]*repository.ApprovalStep, error) {
	if tenantID == "" {
		return nil, errors.InvalidInput("tenant_id", "tenant is required")
	}
	if len(levels) == 0 {
		return nil, errors.InvalidInput("steps", "at least one step is required")
	}

	for _, a := range levels {
		if a.Level < 1 {
			return nil, errors.InvalidInput("level", fmt.Sprintf("invalid level for step %s: must be >= 1", a.StepID))
		}
		step, err := s.steps.GetByID(ctx, tenantID, a.StepID)
		if err != nil {
			if isNotFound(err) {
				return nil, errors.InvalidInput("steps", "unknown step: "+a.StepID)
			}
			return nil, err
		}
		if actionID == "" {
			actionID = step.ActionID
		}
		if step.ActionID != actionID {
			return nil, errors.InvalidInput("steps", "all steps must belong to the same action")
		}
	}

	out, err := s.steps.Reorder(ctx, tenantID, actionID, levels)
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("tenant_id", tenantID).
		Str("action_id", actionID).
		Int("steps", len(out)).
		Msg("Approval steps reordered")
	return out, nil
}

// checkApprovers requires every explicit approver to be a tenant member.
func (s *StepService) checkApprovers(ctx context.Context, tenantID string, userIDs []string) error {
	for _, u := range userIDs {
		ok, err := s.identity.IsTenantMember(ctx, tenantID, u)
		if err != nil {
			return err
		}
		if !ok {
			return errors.InvalidInput("approvers", fmt.Sprintf("user %s is not a member of this tenant", u))
		}
	}
	return nil
}
