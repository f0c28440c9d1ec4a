package service

import (
	"context"
	"strings"

	"github.com/pesio-ai/be-approval-workflows/internal/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/logger"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
)

// DirectoryService keeps the mirrored tenant directory in sync and answers
// membership checks for the transport layer.
type DirectoryService struct {
	dir repository.DirectoryStore
	log *logger.Logger
}

// NewDirectoryService creates a new DirectoryService.
func NewDirectoryService(dir repository.DirectoryStore, log *logger.Logger) *DirectoryService {
	return &DirectoryService{dir: dir, log: log}
}

// Sync replaces the directory entry of one tenant.
func (s *DirectoryService) Sync(ctx context.Context, snap *repository.TenantSnapshot) error {
	snap.Tenant.ID = strings.TrimSpace(snap.Tenant.ID)
	snap.Tenant.OwnerID = strings.TrimSpace(snap.Tenant.OwnerID)
	if snap.Tenant.ID == "" {
		return errors.InvalidInput("tenant_id", "tenant is required")
	}
	if snap.Tenant.OwnerID == "" {
		return errors.InvalidInput("owner_id", "tenant owner is required")
	}
	seen := make(map[string]struct{}, len(snap.Members))
	for i, m := range snap.Members {
		id := strings.TrimSpace(m.UserID)
		if id == "" {
			return errors.InvalidInput("members", "member user_id is required")
		}
		if _, dup := seen[id]; dup {
			return errors.InvalidInput("members", "duplicate member: "+id)
		}
		seen[id] = struct{}{}
		snap.Members[i].UserID = id
	}

	if err := s.dir.SyncTenant(ctx, snap); err != nil {
		return err
	}
	s.log.Info().
		Str("tenant_id", snap.Tenant.ID).
		Int("members", len(snap.Members)).
		Msg("Tenant directory synced")
	return nil
}

// AuthorizeSync decides whether callerID may replace the directory of
// tenantID. Administrators always may; otherwise the tenant must exist and
// the caller must be its current owner.
func (s *DirectoryService) AuthorizeSync(ctx context.Context, tenantID, callerID string, admin bool) error {
	if admin {
		return nil
	}
	owner, err := s.dir.TenantOwner(ctx, tenantID)
	if errors.HasCode(err, errors.ErrCodeNotFound) {
		return errors.Forbidden("only an administrator can register tenant " + tenantID)
	}
	if err != nil {
		return err
	}
	if callerID == "" || owner != callerID {
		return errors.Forbidden("only the owner of tenant " + tenantID + " can sync its directory")
	}
	return nil
}

// RequireMember fails with PERMISSION_DENIED unless userID belongs to the
// tenant or owns it.
func (s *DirectoryService) RequireMember(ctx context.Context, tenantID, userID string) error {
	ok, err := s.dir.IsTenantMember(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Forbidden("not a member of tenant " + tenantID)
	}
	return nil
}
