package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-approval-workflows/internal/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
)

// DirectoryStore implements repository.DirectoryStore.
type DirectoryStore struct{ s *Store }

func (d *DirectoryStore) TenantOwner(_ context.Context, tenantID string) (string, error) {
	s := d.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return "", errors.NotFound("tenant", tenantID)
	}
	return t.OwnerID, nil
}

func (d *DirectoryStore) UserRoles(_ context.Context, tenantID, userID string) ([]string, error) {
	s := d.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.roles[tenantID][userID]...), nil
}

func (d *DirectoryStore) RoleMembers(_ context.Context, tenantID, roleID string) ([]string, error) {
	s := d.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for userID, roles := range s.roles[tenantID] {
		for _, r := range roles {
			if r == roleID {
				out = append(out, userID)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (d *DirectoryStore) UserFullName(_ context.Context, userID string) (string, error) {
	s := d.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[userID], nil
}

func (d *DirectoryStore) IsTenantMember(_ context.Context, tenantID, userID string) (bool, error) {
	s := d.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tenants[tenantID]; ok && t.OwnerID == userID {
		return true, nil
	}
	_, ok := s.roles[tenantID][userID]
	return ok, nil
}

func (d *DirectoryStore) SyncTenant(_ context.Context, snap *repository.TenantSnapshot) error {
	s := d.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[snap.Tenant.ID] = snap.Tenant
	if _, ok := s.users[snap.Tenant.OwnerID]; !ok {
		s.users[snap.Tenant.OwnerID] = ""
	}
	members := make(map[string][]string, len(snap.Members))
	for _, m := range snap.Members {
		s.users[m.UserID] = m.FullName
		members[m.UserID] = uniqueSorted(m.RoleIDs)
	}
	s.roles[snap.Tenant.ID] = members
	return nil
}

// AuditStore implements repository.AuditStore.
type AuditStore struct{ s *Store }

func (a *AuditStore) Append(_ context.Context, entry *repository.ApprovalAuditEntry) error {
	s := a.s
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = uuid.NewString()
	entry.PerformedAt = s.now()
	cp := *entry
	s.audit = append(s.audit, &cp)
	return nil
}

func (a *AuditStore) ListBySubject(_ context.Context, subject repository.SubjectRef) ([]*repository.ApprovalAuditEntry, error) {
	s := a.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*repository.ApprovalAuditEntry
	for _, e := range s.audit {
		if e.Subject == subject {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}
