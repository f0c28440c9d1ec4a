// Package memory is an in-process implementation of the repository
// contracts. It backs the "memory" store driver and the service tests.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-approval-workflows/internal/repository"
)

// Store holds all state behind one RWMutex. Its views (Catalog, Steps,
// Tasks, Directory, Audit) each satisfy one repository contract.
type Store struct {
	mu         sync.RWMutex
	categories map[string]*repository.WorkflowCategory
	actions    map[string]*repository.WorkflowAction
	steps      map[string]*repository.ApprovalStep
	runs       map[string]*repository.WorkflowRun // keyed by SubjectRef.String()
	tasks      map[string]*repository.ApprovalTask
	users      map[string]string // user id -> full name
	tenants    map[string]repository.Tenant
	roles      map[string]map[string][]string // tenant -> user -> roles
	audit      []*repository.ApprovalAuditEntry

	lockMu   sync.Mutex
	subjects map[string]*sync.Mutex

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		categories: make(map[string]*repository.WorkflowCategory),
		actions:    make(map[string]*repository.WorkflowAction),
		steps:      make(map[string]*repository.ApprovalStep),
		runs:       make(map[string]*repository.WorkflowRun),
		tasks:      make(map[string]*repository.ApprovalTask),
		users:      make(map[string]string),
		tenants:    make(map[string]repository.Tenant),
		roles:      make(map[string]map[string][]string),
		subjects:   make(map[string]*sync.Mutex),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Catalog() *CatalogStore     { return &CatalogStore{s} }
func (s *Store) Steps() *StepStore          { return &StepStore{s} }
func (s *Store) Tasks() *TaskStore          { return &TaskStore{s} }
func (s *Store) Directory() *DirectoryStore { return &DirectoryStore{s} }
func (s *Store) Audit() *AuditStore         { return &AuditStore{s} }

// subjectLock returns the mutex serializing transitions of one subject.
func (s *Store) subjectLock(key string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	m, ok := s.subjects[key]
	if !ok {
		m = &sync.Mutex{}
		s.subjects[key] = m
	}
	return m
}

// ── copy helpers ─────────────────────────────────────────────────────────────

func cloneStep(st *repository.ApprovalStep) *repository.ApprovalStep {
	cp := *st
	cp.RoleIDs = append([]string{}, st.RoleIDs...)
	cp.ApproverUserIDs = append([]string{}, st.ApproverUserIDs...)
	return &cp
}

func cloneRun(r *repository.WorkflowRun) *repository.WorkflowRun {
	cp := *r
	if r.CreatedBy != nil {
		v := *r.CreatedBy
		cp.CreatedBy = &v
	}
	if r.FinishedAt != nil {
		v := *r.FinishedAt
		cp.FinishedAt = &v
	}
	return &cp
}

func cloneAction(a *repository.WorkflowAction, categories map[string]*repository.WorkflowCategory) *repository.WorkflowAction {
	cp := *a
	if c, ok := categories[a.CategoryID]; ok {
		cc := *c
		cp.Category = &cc
	}
	return &cp
}

// taskView copies a stored task and fills in the step-derived fields.
// Caller holds s.mu.
func (s *Store) taskView(t *repository.ApprovalTask) *repository.ApprovalTask {
	cp := t.Snapshot()
	if st, ok := s.steps[t.StepID]; ok {
		cp.StepName = st.Name
		cp.Level = st.Level
		cp.TenantID = st.TenantID
		cp.ActionID = st.ActionID
	}
	return &cp
}

// subjectTasks returns a subject's tasks ordered by level. Caller holds s.mu.
func (s *Store) subjectTasks(subject repository.SubjectRef) []*repository.ApprovalTask {
	var out []*repository.ApprovalTask
	for _, t := range s.tasks {
		if t.Subject == subject {
			out = append(out, s.taskView(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
