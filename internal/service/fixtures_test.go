package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-workflows/internal/logger"
	"github.com/pesio-ai/be-approval-workflows/internal/notify"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/internal/repository/memory"
	"github.com/pesio-ai/be-approval-workflows/internal/subject"
)

const (
	tenantID    = "tenant-1"
	ownerID     = "owner"
	managerID   = "mgr"
	financeID   = "fin"
	creatorID   = "alice"
	strangerID  = "stranger"
	expenseKind = "expense_report"
)

// captureNotifier records batches instead of delivering them.
type captureNotifier struct {
	mu      sync.Mutex
	batches []notify.Batch
}

func (c *captureNotifier) Enqueue(b notify.Batch) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, b)
	return true
}

func (c *captureNotifier) last() notify.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.batches) == 0 {
		return notify.Batch{}
	}
	return c.batches[len(c.batches)-1]
}

// countingFinisher counts finish-workflow calls per subject.
type countingFinisher struct {
	mu    sync.Mutex
	calls map[string][]repository.RunStatus
	err   error
}

func (f *countingFinisher) FinishWorkflow(_ context.Context, o subject.Outcome) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string][]repository.RunStatus)
	}
	f.calls[o.Subject.String()] = append(f.calls[o.Subject.String()], o.Status)
	return nil
}

func (f *countingFinisher) count(ref repository.SubjectRef) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls[ref.String()])
}

type fixture struct {
	store    *memory.Store
	actionID string
	notifier *captureNotifier
	finisher *countingFinisher
	steps    *StepService
	catalog  *CatalogService
	workflow *WorkflowService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	log := logger.Nop()

	require.NoError(t, store.Directory().SyncTenant(ctx, &repository.TenantSnapshot{
		Tenant: repository.Tenant{ID: tenantID, Name: "Acme", OwnerID: ownerID},
		Members: []repository.MemberSnapshot{
			{UserID: ownerID, FullName: "Olive Owner"},
			{UserID: managerID, FullName: "Mia Manager", RoleIDs: []string{"manager"}},
			{UserID: financeID, FullName: "Finn Finance", RoleIDs: []string{"finance"}},
			{UserID: creatorID, FullName: "Alice Author"},
		},
	}))

	catalog := NewCatalogService(store.Catalog(), log)
	cat, err := catalog.CreateCategory(ctx, "finance", "Finance")
	require.NoError(t, err)
	action, err := catalog.CreateAction(ctx, cat.ID, "expense", "expense report")
	require.NoError(t, err)

	registry := subject.NewRegistry(expenseKind, "purchase_order")
	finisher := &countingFinisher{}
	registry.Register(expenseKind, finisher)

	notifier := &captureNotifier{}
	steps := NewStepService(store.Steps(), store.Catalog(), store.Directory(), log)
	workflow := NewWorkflowService(
		store.Tasks(), store.Steps(), store.Catalog(), store.Audit(), store.Directory(),
		registry, notifier, nil, log,
	)
	steps.SetResumer(workflow)
	return &fixture{
		store:    store,
		actionID: action.ID,
		notifier: notifier,
		finisher: finisher,
		catalog:  catalog,
		steps:    steps,
		workflow: workflow,
	}
}

func (f *fixture) addStep(t *testing.T, name string, roles []string, users []string) *repository.ApprovalStep {
	t.Helper()
	st, err := f.steps.Create(context.Background(), CreateStepInput{
		TenantID:        tenantID,
		ActionID:        f.actionID,
		Name:            name,
		RoleIDs:         roles,
		ApproverUserIDs: users,
	})
	require.NoError(t, err)
	return st
}

func (f *fixture) start(t *testing.T, id string) (repository.SubjectRef, []*repository.ApprovalTask) {
	t.Helper()
	_, tasks, err := f.workflow.StartWorkflow(context.Background(), StartInput{
		TenantID:    tenantID,
		ActionID:    f.actionID,
		SubjectKind: expenseKind,
		SubjectID:   id,
		CreatedBy:   creatorID,
	})
	require.NoError(t, err)
	return repository.SubjectRef{Kind: expenseKind, ID: id}, tasks
}

func (f *fixture) statuses(t *testing.T, ref repository.SubjectRef) []repository.TaskStatus {
	t.Helper()
	tasks, err := f.workflow.ListSubjectTasks(context.Background(), ref)
	require.NoError(t, err)
	out := make([]repository.TaskStatus, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.Status)
	}
	return out
}

// taskUpdates returns the tasks_update phase that closes every batch.
func taskUpdates(t *testing.T, b notify.Batch) []notify.Message {
	t.Helper()
	require.NotEmpty(t, b.Phases)
	last := b.Phases[len(b.Phases)-1]
	for _, m := range last {
		require.Equal(t, notify.KindTasksUpdate, m.Kind)
	}
	return last
}

func recipients(msgs []notify.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Recipient)
	}
	return out
}

func strPtr(s string) *string { return &s }
