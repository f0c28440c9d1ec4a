package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-workflows/internal/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
)

func TestStepService_CreateValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tests := []struct {
		name  string
		in    CreateStepInput
		field string
	}{
		{"missing tenant", CreateStepInput{ActionID: f.actionID, Name: "x"}, "tenant_id"},
		{"missing action", CreateStepInput{TenantID: tenantID, Name: "x"}, "action_id"},
		{"missing name", CreateStepInput{TenantID: tenantID, ActionID: f.actionID, Name: "  "}, "step_name"},
		{"unknown action", CreateStepInput{TenantID: tenantID, ActionID: "nope", Name: "x"}, "action_id"},
		{"foreign approver", CreateStepInput{TenantID: tenantID, ActionID: f.actionID, Name: "x", ApproverUserIDs: []string{strangerID}}, "approvers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.steps.Create(ctx, tt.in)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))
			assert.Equal(t, tt.field, errors.FieldOf(err))
		})
	}

	list, err := f.steps.List(ctx, tenantID, f.actionID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStepService_CreateAppendsLevels(t *testing.T) {
	f := newFixture(t)
	a := f.addStep(t, "Manager review", []string{"manager"}, nil)
	b := f.addStep(t, "Finance review", []string{"finance"}, []string{creatorID})
	assert.Equal(t, 1, a.Level)
	assert.Equal(t, 2, b.Level)
	assert.Equal(t, []string{creatorID}, b.ApproverUserIDs)
}

func TestStepService_UpdateReplacesAssociations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	st := f.addStep(t, "Manager review", []string{"manager", "finance"}, []string{creatorID})

	roles := []string{"auditor"}
	users := []string{}
	out, err := f.steps.Update(ctx, tenantID, st.ID, repository.StepUpdate{RoleIDs: &roles, ApproverUserIDs: &users})
	require.NoError(t, err)
	assert.Equal(t, []string{"auditor"}, out.RoleIDs)
	assert.Empty(t, out.ApproverUserIDs)
	assert.Equal(t, "Manager review", out.Name)
	assert.Equal(t, 1, out.Level)

	bad := []string{strangerID}
	_, err = f.steps.Update(ctx, tenantID, st.ID, repository.StepUpdate{ApproverUserIDs: &bad})
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))

	empty := " "
	_, err = f.steps.Update(ctx, tenantID, st.ID, repository.StepUpdate{Name: &empty})
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))
}

func TestStepService_Reorder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.addStep(t, "A", []string{"manager"}, nil)
	b := f.addStep(t, "B", []string{"finance"}, nil)
	c := f.addStep(t, "C", []string{"finance"}, nil)

	// action id derived from the steps
	out, err := f.steps.Reorder(ctx, tenantID, "", []repository.LevelAssignment{
		{StepID: a.ID, Level: 2},
		{StepID: b.ID, Level: 1},
		{StepID: c.ID, Level: 5},
	})
	require.NoError(t, err)
	got := map[string]int{}
	for _, st := range out {
		got[st.Name] = st.Level
	}
	assert.Equal(t, map[string]int{"A": 2, "B": 1, "C": 5}, got)

	// new steps append after the highest level
	d := f.addStep(t, "D", nil, []string{creatorID})
	assert.Equal(t, 6, d.Level)
}

func TestStepService_ReorderRejectsMixedActions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.addStep(t, "A", []string{"manager"}, nil)

	cat, err := f.catalog.CreateCategory(ctx, "purchasing", "Purchasing")
	require.NoError(t, err)
	other, err := f.catalog.CreateAction(ctx, cat.ID, "po", "purchase order")
	require.NoError(t, err)
	b, err := f.steps.Create(ctx, CreateStepInput{TenantID: tenantID, ActionID: other.ID, Name: "B"})
	require.NoError(t, err)

	_, err = f.steps.Reorder(ctx, tenantID, "", []repository.LevelAssignment{
		{StepID: a.ID, Level: 2},
		{StepID: b.ID, Level: 1},
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))

	_, err = f.steps.Reorder(ctx, tenantID, f.actionID, []repository.LevelAssignment{{StepID: a.ID, Level: 0}})
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))

	_, err = f.steps.Reorder(ctx, tenantID, f.actionID, nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))
}

func TestStepService_DeleteIsTenantScoped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	st := f.addStep(t, "A", []string{"manager"}, nil)

	err := f.steps.Delete(ctx, "tenant-2", st.ID)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
	require.NoError(t, f.steps.Delete(ctx, tenantID, st.ID))
	_, err = f.steps.Get(ctx, tenantID, st.ID)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}
