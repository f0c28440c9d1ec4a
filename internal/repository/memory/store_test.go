package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-workflows/internal/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
)

// compile-time contract checks
var (
	_ repository.CatalogStore   = (*CatalogStore)(nil)
	_ repository.StepStore      = (*StepStore)(nil)
	_ repository.TaskStore      = (*TaskStore)(nil)
	_ repository.DirectoryStore = (*DirectoryStore)(nil)
	_ repository.AuditStore     = (*AuditStore)(nil)
)

func seedAction(t *testing.T, s *Store, code string) string {
	t.Helper()
	ctx := context.Background()
	cat := &repository.WorkflowCategory{Code: code + "-cat", Label: "Finance"}
	require.NoError(t, s.Catalog().CreateCategory(ctx, cat))
	action := &repository.WorkflowAction{CategoryID: cat.ID, Code: code, Label: "Expense report"}
	require.NoError(t, s.Catalog().CreateAction(ctx, action))
	return action.ID
}

func seedSteps(t *testing.T, s *Store, tenant, action string, names ...string) []*repository.ApprovalStep {
	t.Helper()
	var out []*repository.ApprovalStep
	for _, n := range names {
		st := &repository.ApprovalStep{TenantID: tenant, ActionID: action, Name: n, RoleIDs: []string{n}}
		require.NoError(t, s.Steps().Create(context.Background(), st))
		out = append(out, st)
	}
	return out
}

func TestCatalog_DuplicateCode(t *testing.T) {
	s := New()
	seedAction(t, s, "expense")

	cat := &repository.WorkflowCategory{Code: "other", Label: "Other"}
	require.NoError(t, s.Catalog().CreateCategory(context.Background(), cat))
	err := s.Catalog().CreateAction(context.Background(), &repository.WorkflowAction{CategoryID: cat.ID, Code: "expense", Label: "x"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))
}

func TestSteps_CreateAssignsNextLevel(t *testing.T) {
	s := New()
	action := seedAction(t, s, "expense")
	steps := seedSteps(t, s, "t1", action, "manager", "finance", "cfo")

	assert.Equal(t, 1, steps[0].Level)
	assert.Equal(t, 2, steps[1].Level)
	assert.Equal(t, 3, steps[2].Level)

	// other tenants have their own numbering
	other := seedSteps(t, s, "t2", action, "manager")
	assert.Equal(t, 1, other[0].Level)
}

func TestSteps_CreateUnknownAction(t *testing.T) {
	s := New()
	err := s.Steps().Create(context.Background(), &repository.ApprovalStep{TenantID: "t1", ActionID: "missing", Name: "x"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestSteps_Reorder(t *testing.T) {
	s := New()
	ctx := context.Background()
	action := seedAction(t, s, "expense")
	steps := seedSteps(t, s, "t1", action, "a", "b", "c")

	out, err := s.Steps().Reorder(ctx, "t1", action, []repository.LevelAssignment{
		{StepID: steps[0].ID, Level: 3},
		{StepID: steps[1].ID, Level: 1},
		{StepID: steps[2].ID, Level: 2},
	})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, []string{"b", "c", "a"}, []string{out[0].Name, out[1].Name, out[2].Name})
	assert.Equal(t, []int{1, 2, 3}, []int{out[0].Level, out[1].Level, out[2].Level})
}

func TestSteps_ReorderNeverExposesBumpedLevels(t *testing.T) {
	s := New()
	ctx := context.Background()
	action := seedAction(t, s, "expense")
	steps := seedSteps(t, s, "t1", action, "a", "b", "c", "d")
	n := len(steps)

	var (
		mu  sync.Mutex
		bad []string
	)
	check := func(levels []int) {
		seen := make(map[int]bool, len(levels))
		for _, l := range levels {
			if l < 1 || l > n || seen[l] {
				mu.Lock()
				bad = append(bad, fmt.Sprint(levels))
				mu.Unlock()
				return
			}
			seen[l] = true
		}
	}

	done := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func(i int) {
			defer readers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if i%2 == 0 {
					list, err := s.Steps().List(ctx, "t1", action)
					if err != nil {
						continue
					}
					levels := make([]int, 0, len(list))
					for _, st := range list {
						levels = append(levels, st.Level)
					}
					check(levels)
					continue
				}
				levels := make([]int, 0, n)
				for _, st := range steps {
					got, err := s.Steps().GetByID(ctx, "t1", st.ID)
					if err == nil {
						levels = append(levels, got.Level)
					}
				}
				// single lookups are not a snapshot; only the range applies
				for _, l := range levels {
					check([]int{l})
				}
			}
		}(i)
	}

	for round := 0; round < 200; round++ {
		levels := make([]repository.LevelAssignment, 0, n)
		for i, st := range steps {
			levels = append(levels, repository.LevelAssignment{StepID: st.ID, Level: (i+round)%n + 1})
		}
		_, err := s.Steps().Reorder(ctx, "t1", action, levels)
		require.NoError(t, err)
	}
	close(done)
	readers.Wait()

	assert.Empty(t, bad)
}

func TestSteps_ReorderRejectsBadInputWithoutChanges(t *testing.T) {
	s := New()
	ctx := context.Background()
	action := seedAction(t, s, "expense")
	steps := seedSteps(t, s, "t1", action, "a", "b")

	cases := map[string][]repository.LevelAssignment{
		"missing step":    {{StepID: steps[0].ID, Level: 1}},
		"duplicate level": {{StepID: steps[0].ID, Level: 1}, {StepID: steps[1].ID, Level: 1}},
		"zero level":      {{StepID: steps[0].ID, Level: 0}, {StepID: steps[1].ID, Level: 1}},
		"foreign step":    {{StepID: steps[0].ID, Level: 1}, {StepID: "nope", Level: 2}},
	}
	for name, levels := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := s.Steps().Reorder(ctx, "t1", action, levels)
			assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))

			list, err := s.Steps().List(ctx, "t1", action)
			require.NoError(t, err)
			assert.Equal(t, 1, list[0].Level)
			assert.Equal(t, "a", list[0].Name)
			assert.Equal(t, 2, list[1].Level)
		})
	}
}

func TestSteps_UpdateKeepsLevelAndReplacesRoles(t *testing.T) {
	s := New()
	ctx := context.Background()
	action := seedAction(t, s, "expense")
	steps := seedSteps(t, s, "t1", action, "a", "b")

	name := "renamed"
	roles := []string{"r2", "r1", "r2"}
	out, err := s.Steps().Update(ctx, "t1", steps[1].ID, repository.StepUpdate{Name: &name, RoleIDs: &roles})
	require.NoError(t, err)
	assert.Equal(t, "renamed", out.Name)
	assert.Equal(t, 2, out.Level)
	assert.Equal(t, []string{"r1", "r2"}, out.RoleIDs)

	_, err = s.Steps().Update(ctx, "t2", steps[1].ID, repository.StepUpdate{Name: &name})
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestTasks_TransitionRollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	action := seedAction(t, s, "expense")
	steps := seedSteps(t, s, "t1", action, "a")
	subject := repository.SubjectRef{Kind: "expense_report", ID: "e1"}
	run := &repository.WorkflowRun{ID: uuid.NewString(), TenantID: "t1", ActionID: action, Subject: subject, Status: repository.RunInProgress}
	task := &repository.ApprovalTask{ID: uuid.NewString(), StepID: steps[0].ID, Status: repository.TaskPending}
	require.NoError(t, s.Tasks().StartRun(ctx, run, []*repository.ApprovalTask{task}))

	boom := errors.Internal("boom")
	err := s.Tasks().Transition(ctx, subject, func(ctx context.Context, tx repository.TransitionTx) error {
		require.NoError(t, tx.SetTaskStatus(ctx, task.ID, repository.TaskPending, repository.TaskCompleted, nil, nil))
		ok, err := tx.FinishRun(ctx, repository.RunApproved)
		require.NoError(t, err)
		require.True(t, ok)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.Tasks().GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.TaskPending, got.Status)
	gotRun, err := s.Tasks().GetRun(ctx, subject)
	require.NoError(t, err)
	assert.Equal(t, repository.RunInProgress, gotRun.Status)
}

func TestTasks_ConcurrentTransitionsOnlyOneWins(t *testing.T) {
	s := New()
	ctx := context.Background()
	action := seedAction(t, s, "expense")
	steps := seedSteps(t, s, "t1", action, "a")
	subject := repository.SubjectRef{Kind: "expense_report", ID: "e1"}
	run := &repository.WorkflowRun{ID: uuid.NewString(), TenantID: "t1", ActionID: action, Subject: subject, Status: repository.RunInProgress}
	task := &repository.ApprovalTask{ID: uuid.NewString(), StepID: steps[0].ID, Status: repository.TaskPending}
	require.NoError(t, s.Tasks().StartRun(ctx, run, []*repository.ApprovalTask{task}))

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.Tasks().Transition(ctx, subject, func(ctx context.Context, tx repository.TransitionTx) error {
				return tx.SetTaskStatus(ctx, task.ID, repository.TaskPending, repository.TaskCompleted, nil, nil)
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
	}
	assert.Equal(t, 1, wins)
}

func TestTasks_StartRunTwiceFails(t *testing.T) {
	s := New()
	ctx := context.Background()
	action := seedAction(t, s, "expense")
	subject := repository.SubjectRef{Kind: "expense_report", ID: "e1"}
	run := func() *repository.WorkflowRun {
		return &repository.WorkflowRun{ID: uuid.NewString(), TenantID: "t1", ActionID: action, Subject: subject, Status: repository.RunInProgress}
	}
	require.NoError(t, s.Tasks().StartRun(ctx, run(), nil))
	err := s.Tasks().StartRun(ctx, run(), nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeValidation))
}

func TestSteps_DeleteCascadesTasks(t *testing.T) {
	s := New()
	ctx := context.Background()
	action := seedAction(t, s, "expense")
	steps := seedSteps(t, s, "t1", action, "a", "b")
	subject := repository.SubjectRef{Kind: "expense_report", ID: "e1"}
	run := &repository.WorkflowRun{ID: uuid.NewString(), TenantID: "t1", ActionID: action, Subject: subject, Status: repository.RunInProgress}
	tasks := []*repository.ApprovalTask{
		{ID: uuid.NewString(), StepID: steps[0].ID, Status: repository.TaskPending},
		{ID: uuid.NewString(), StepID: steps[1].ID, Status: repository.TaskNotStarted},
	}
	require.NoError(t, s.Tasks().StartRun(ctx, run, tasks))

	require.NoError(t, s.Steps().Delete(ctx, "t1", steps[1].ID))
	list, err := s.Tasks().ListBySubject(ctx, subject)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].StepName)
}

func TestTasks_ListStalledRuns(t *testing.T) {
	s := New()
	ctx := context.Background()
	action := seedAction(t, s, "expense")
	steps := seedSteps(t, s, "t1", action, "a", "b")

	start := func(id string, statuses ...repository.TaskStatus) repository.SubjectRef {
		ref := repository.SubjectRef{Kind: "expense_report", ID: id}
		run := &repository.WorkflowRun{ID: uuid.NewString(), TenantID: "t1", ActionID: action, Subject: ref, Status: repository.RunInProgress}
		var tasks []*repository.ApprovalTask
		for i, st := range statuses {
			tasks = append(tasks, &repository.ApprovalTask{ID: uuid.NewString(), StepID: steps[i].ID, Status: st})
		}
		require.NoError(t, s.Tasks().StartRun(ctx, run, tasks))
		return ref
	}
	start("healthy", repository.TaskPending, repository.TaskNotStarted)
	waiting := start("waiting", repository.TaskCompleted, repository.TaskNotStarted)
	empty := start("empty")

	runs, err := s.Tasks().ListStalledRuns(ctx, "", "")
	require.NoError(t, err)
	var got []string
	for _, r := range runs {
		got = append(got, r.Subject.ID)
	}
	assert.ElementsMatch(t, []string{waiting.ID, empty.ID}, got)

	runs, err = s.Tasks().ListStalledRuns(ctx, "t2", "")
	require.NoError(t, err)
	assert.Empty(t, runs)

	runs, err = s.Tasks().ListStalledRuns(ctx, "t1", "other-action")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestDirectory_Sync(t *testing.T) {
	s := New()
	ctx := context.Background()
	d := s.Directory()
	require.NoError(t, d.SyncTenant(ctx, &repository.TenantSnapshot{
		Tenant: repository.Tenant{ID: "t1", Name: "Acme", OwnerID: "owner"},
		Members: []repository.MemberSnapshot{
			{UserID: "u1", FullName: "Ann Lee", RoleIDs: []string{"manager"}},
			{UserID: "u2", FullName: "Bo Chan", RoleIDs: []string{"finance", "manager"}},
		},
	}))

	owner, err := d.TenantOwner(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "owner", owner)

	members, err := d.RoleMembers(ctx, "t1", "manager")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, members)

	ok, err := d.IsTenantMember(ctx, "t1", "owner")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = d.IsTenantMember(ctx, "t1", "stranger")
	require.NoError(t, err)
	assert.False(t, ok)

	name, err := d.UserFullName(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "Bo Chan", name)
}
