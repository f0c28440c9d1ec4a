package service

import (
	"context"
	"sort"

	"github.com/pesio-ai/be-approval-workflows/internal/repository"
)

// IdentityProvider answers tenant-scoped identity questions. The directory
// repositories satisfy it.
type IdentityProvider interface {
	// TenantOwner returns the user id of the tenant's owner.
	TenantOwner(ctx context.Context, tenantID string) (string, error)
	// UserRoles returns the roles a user holds within a tenant.
	UserRoles(ctx context.Context, tenantID, userID string) ([]string, error)
	// RoleMembers returns the user ids holding a role within a tenant.
	RoleMembers(ctx context.Context, tenantID, roleID string) ([]string, error)
	UserFullName(ctx context.Context, userID string) (string, error)
	IsTenantMember(ctx context.Context, tenantID, userID string) (bool, error)
}

// Authorizer decides who may act on a step and who hears about it.
type Authorizer struct {
	identity IdentityProvider
}

// NewAuthorizer creates a new Authorizer.
func NewAuthorizer(identity IdentityProvider) *Authorizer {
	return &Authorizer{identity: identity}
}

// CanAct reports whether userID may complete or reject tasks of step: an
// eligible role holder, an explicit approver, or the tenant owner.
func (a *Authorizer) CanAct(ctx context.Context, step *repository.ApprovalStep, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	if IsExplicitApprover(step, userID) {
		return true, nil
	}
	ok, err := a.HasEligibleRole(ctx, step, userID)
	if err != nil || ok {
		return ok, err
	}
	return a.IsTenantOwner(ctx, step.TenantID, userID)
}

// IsExplicitApprover reports whether the step names userID directly.
func IsExplicitApprover(step *repository.ApprovalStep, userID string) bool {
	for _, id := range step.ApproverUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// HasEligibleRole reports whether userID holds one of the step's roles in
// the step's tenant.
func (a *Authorizer) HasEligibleRole(ctx context.Context, step *repository.ApprovalStep, userID string) (bool, error) {
	if len(step.RoleIDs) == 0 {
		return false, nil
	}
	roles, err := a.identity.UserRoles(ctx, step.TenantID, userID)
	if err != nil {
		return false, err
	}
	eligible := make(map[string]struct{}, len(step.RoleIDs))
	for _, r := range step.RoleIDs {
		eligible[r] = struct{}{}
	}
	for _, r := range roles {
		if _, ok := eligible[r]; ok {
			return true, nil
		}
	}
	return false, nil
}

// IsTenantOwner reports whether userID owns the tenant. Unknown tenants have
// no owner.
func (a *Authorizer) IsTenantOwner(ctx context.Context, tenantID, userID string) (bool, error) {
	owner, err := a.identity.TenantOwner(ctx, tenantID)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return owner == userID, nil
}

// Audience returns everyone who may act on step: role holders, explicit
// approvers and the tenant owner, sorted and without duplicates.
func (a *Authorizer) Audience(ctx context.Context, step *repository.ApprovalStep) ([]string, error) {
	set := make(map[string]struct{})
	for _, roleID := range step.RoleIDs {
		members, err := a.identity.RoleMembers(ctx, step.TenantID, roleID)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			set[m] = struct{}{}
		}
	}
	for _, u := range step.ApproverUserIDs {
		set[u] = struct{}{}
	}
	owner, err := a.identity.TenantOwner(ctx, step.TenantID)
	switch {
	case err == nil && owner != "":
		set[owner] = struct{}{}
	case err != nil && !isNotFound(err):
		return nil, err
	}

	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}
