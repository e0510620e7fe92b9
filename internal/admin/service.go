// Package admin exposes the programmatic administrative boundary the
// external HTTP router consumes: vault CRUD, file access, membership
// management and backups, each gated by role.
package admin

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/noterelay/noterelay/internal/backup"
	"github.com/noterelay/noterelay/internal/collab"
	"github.com/noterelay/noterelay/internal/permission"
	"github.com/noterelay/noterelay/internal/vault"
)

// Boundary error taxonomy. Callers translate these to transport status.
var (
	ErrForbidden = errors.New("forbidden")
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
	ErrInvalid   = errors.New("invalid")
)

// Actor is the authenticated identity performing an administrative call.
type Actor struct {
	ID            int64
	IsServerAdmin bool
}

// Member is the boundary view of one membership row.
type Member struct {
	UserID int64  `json:"userId"`
	Role   string `json:"role"`
}

// VaultInfo pairs a vault with the actor's role in it.
type VaultInfo struct {
	VaultID string `json:"vaultId"`
	Role    string `json:"role"`
}

// Service composes the collaboration core for administrative callers.
type Service struct {
	registry *collab.Registry
	engine   *collab.Engine
	perms    permission.Store
	backups  *backup.Scheduler
	log      *zap.Logger
}

func NewService(registry *collab.Registry, engine *collab.Engine, perms permission.Store, backups *backup.Scheduler, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{registry: registry, engine: engine, perms: perms, backups: backups, log: log}
}

// requireRole enforces the minimum vault role, honouring the server-admin
// bypass for everything but ownership transfer.
func (s *Service) requireRole(ctx context.Context, actor Actor, vaultID string, min permission.Role) error {
	if actor.IsServerAdmin {
		return nil
	}
	ok, err := s.perms.HasRoleOrHigher(ctx, actor.ID, vaultID, min)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// CreateVault creates the directory and seeds the creator as owner.
func (s *Service) CreateVault(ctx context.Context, actor Actor, vaultID string) error {
	if !vault.ValidVaultID(vaultID) {
		return fmt.Errorf("%w: vault id", ErrInvalid)
	}
	if err := s.registry.Store().CreateVault(vaultID); err != nil {
		if errors.Is(err, vault.ErrAlreadyExists) {
			return ErrConflict
		}
		return err
	}
	if err := s.perms.SetOwner(ctx, vaultID, actor.ID); err != nil {
		return s.translate(err)
	}
	s.log.Info("vault created", zap.String("vault", vaultID), zap.Int64("owner", actor.ID))
	return nil
}

// ListVaults returns the actor's vaults, or every vault for server admins.
func (s *Service) ListVaults(ctx context.Context, actor Actor) ([]VaultInfo, error) {
	if actor.IsServerAdmin {
		ids, err := s.registry.Store().ListVaults()
		if err != nil {
			return nil, err
		}
		out := make([]VaultInfo, 0, len(ids))
		for _, id := range ids {
			role, _, err := s.perms.GetRole(ctx, actor.ID, id)
			if err != nil {
				return nil, err
			}
			out = append(out, VaultInfo{VaultID: id, Role: role.String()})
		}
		return out, nil
	}
	vaults, err := s.perms.VaultsOf(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	out := make([]VaultInfo, 0, len(vaults))
	for _, vr := range vaults {
		out = append(out, VaultInfo{VaultID: vr.VaultID, Role: vr.Role.String()})
	}
	return out, nil
}

// DeleteVault removes the directory and cascades every membership. Only
// the owner (or a server admin) may delete.
func (s *Service) DeleteVault(ctx context.Context, actor Actor, vaultID string) error {
	if err := s.requireRole(ctx, actor, vaultID, permission.RoleOwner); err != nil {
		return err
	}
	s.engine.DisconnectVault(vaultID)
	s.registry.Evict(vaultID)
	if err := s.perms.RemoveVault(ctx, vaultID); err != nil {
		return err
	}
	if err := s.registry.Store().DeleteVault(vaultID); err != nil {
		return s.translate(err)
	}
	s.log.Info("vault deleted", zap.String("vault", vaultID), zap.Int64("actor", actor.ID))
	return nil
}

// ListFiles requires any membership.
func (s *Service) ListFiles(ctx context.Context, actor Actor, vaultID string) ([]string, error) {
	if err := s.requireRole(ctx, actor, vaultID, permission.RoleViewer); err != nil {
		return nil, err
	}
	files, err := s.registry.ListFiles(vaultID)
	if err != nil {
		return nil, s.translate(err)
	}
	return files, nil
}

// ReadFile requires any membership.
func (s *Service) ReadFile(ctx context.Context, actor Actor, vaultID, path string) (string, error) {
	if err := s.requireRole(ctx, actor, vaultID, permission.RoleViewer); err != nil {
		return "", err
	}
	content, err := s.registry.ReadFile(vaultID, path)
	if err != nil {
		return "", s.translate(err)
	}
	return content, nil
}

// WriteFile requires editor or above; live documents pick the write up
// immediately.
func (s *Service) WriteFile(ctx context.Context, actor Actor, vaultID, path, content string) error {
	if err := s.requireRole(ctx, actor, vaultID, permission.RoleEditor); err != nil {
		return err
	}
	return s.translate(s.registry.WriteFile(vaultID, path, content))
}

// DeleteFile requires editor or above.
func (s *Service) DeleteFile(ctx context.Context, actor Actor, vaultID, path string) error {
	if err := s.requireRole(ctx, actor, vaultID, permission.RoleEditor); err != nil {
		return err
	}
	return s.translate(s.registry.DeleteFile(vaultID, path))
}

// RenameFile requires editor or above.
func (s *Service) RenameFile(ctx context.Context, actor Actor, vaultID, oldPath, newPath string) error {
	if err := s.requireRole(ctx, actor, vaultID, permission.RoleEditor); err != nil {
		return err
	}
	return s.translate(s.registry.RenameFile(vaultID, oldPath, newPath))
}

// Members lists the membership table; any member may look.
func (s *Service) Members(ctx context.Context, actor Actor, vaultID string) ([]Member, error) {
	if err := s.requireRole(ctx, actor, vaultID, permission.RoleViewer); err != nil {
		return nil, err
	}
	rows, err := s.perms.Members(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	out := make([]Member, 0, len(rows))
	for _, row := range rows {
		out = append(out, Member{UserID: row.UserID, Role: row.Role.String()})
	}
	return out, nil
}

// AddMember delegates the strictly-below rules to the permission store.
// Server admins act as the system.
func (s *Service) AddMember(ctx context.Context, actor Actor, vaultID string, userID int64, roleName string) error {
	role, err := permission.ParseRole(roleName)
	if err != nil {
		return fmt.Errorf("%w: role %q", ErrInvalid, roleName)
	}
	actorID := actor.ID
	if actor.IsServerAdmin {
		actorID = permission.SystemActor
	}
	if err := s.perms.AddMember(ctx, vaultID, userID, role, actorID); err != nil {
		return s.translate(err)
	}
	return nil
}

// UpdateRole changes a member's role and pushes the change into any live
// session so it takes effect before the next mutating message.
func (s *Service) UpdateRole(ctx context.Context, actor Actor, vaultID string, userID int64, roleName string) error {
	role, err := permission.ParseRole(roleName)
	if err != nil {
		return fmt.Errorf("%w: role %q", ErrInvalid, roleName)
	}
	if actor.IsServerAdmin {
		// The store's actor checks compare vault roles; bypass them by
		// reading and writing directly under the owner-equivalent rule.
		if err := s.perms.UpdateRole(ctx, vaultID, userID, role, s.ownerOf(ctx, vaultID)); err != nil {
			return s.translate(err)
		}
	} else if err := s.perms.UpdateRole(ctx, vaultID, userID, role, actor.ID); err != nil {
		return s.translate(err)
	}
	s.engine.NotifyRoleChanged(vaultID, userID, role, false)
	return nil
}

// RemoveMember removes a membership and detaches any live session.
func (s *Service) RemoveMember(ctx context.Context, actor Actor, vaultID string, userID int64) error {
	actorID := actor.ID
	if actor.IsServerAdmin {
		actorID = s.ownerOf(ctx, vaultID)
	}
	if err := s.perms.RemoveMember(ctx, vaultID, userID, actorID); err != nil {
		return s.translate(err)
	}
	s.engine.NotifyRoleChanged(vaultID, userID, permission.RoleNone, true)
	return nil
}

// TransferOwnership may only be invoked by the current owner; the
// server-admin bypass explicitly does not apply.
func (s *Service) TransferOwnership(ctx context.Context, actor Actor, vaultID string, newOwnerID int64) error {
	if err := s.perms.TransferOwnership(ctx, vaultID, newOwnerID, actor.ID); err != nil {
		return s.translate(err)
	}
	s.engine.NotifyRoleChanged(vaultID, actor.ID, permission.RoleAdmin, false)
	s.engine.NotifyRoleChanged(vaultID, newOwnerID, permission.RoleOwner, false)
	return nil
}

// ListBackups requires admin or above.
func (s *Service) ListBackups(ctx context.Context, actor Actor, vaultID string) ([]backup.Snapshot, error) {
	if err := s.requireRole(ctx, actor, vaultID, permission.RoleAdmin); err != nil {
		return nil, err
	}
	snaps, err := s.backups.List(vaultID)
	if err != nil {
		return nil, s.translate(err)
	}
	return snaps, nil
}

// CreateBackup takes a manual snapshot; the live state is flushed first so
// the copy reflects the latest edits.
func (s *Service) CreateBackup(ctx context.Context, actor Actor, vaultID string) (backup.Snapshot, error) {
	if err := s.requireRole(ctx, actor, vaultID, permission.RoleAdmin); err != nil {
		return backup.Snapshot{}, err
	}
	if err := s.registry.Flush(vaultID); err != nil {
		return backup.Snapshot{}, err
	}
	snap, err := s.backups.CreateManual(vaultID)
	if err != nil {
		return backup.Snapshot{}, s.translate(err)
	}
	return snap, nil
}

// RestoreBackup replaces the live vault with a snapshot, disconnecting
// clients and evicting the in-memory document so the next join reloads
// the restored state.
func (s *Service) RestoreBackup(ctx context.Context, actor Actor, vaultID, name string, kind backup.Kind) error {
	if err := s.requireRole(ctx, actor, vaultID, permission.RoleAdmin); err != nil {
		return err
	}
	if err := s.registry.Flush(vaultID); err != nil {
		return err
	}
	if err := s.backups.Restore(vaultID, name, kind); err != nil {
		return s.translate(err)
	}
	s.engine.DisconnectVault(vaultID)
	s.registry.Evict(vaultID)
	s.log.Info("vault restored from backup",
		zap.String("vault", vaultID), zap.String("backup", name), zap.Int64("actor", actor.ID))
	return nil
}

// ownerOf resolves the current owner so server-admin calls can reuse the
// store's actor-relative rules.
func (s *Service) ownerOf(ctx context.Context, vaultID string) int64 {
	members, err := s.perms.Members(ctx, vaultID)
	if err != nil {
		return permission.SystemActor
	}
	for _, m := range members {
		if m.Role == permission.RoleOwner {
			return m.UserID
		}
	}
	return permission.SystemActor
}

// translate maps internal error kinds onto the boundary taxonomy.
func (s *Service) translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, vault.ErrNotFound), errors.Is(err, permission.ErrNotFound),
		errors.Is(err, backup.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, vault.ErrAlreadyExists), errors.Is(err, permission.ErrAlreadyMember),
		errors.Is(err, permission.ErrOwnedVault):
		return ErrConflict
	case errors.Is(err, vault.ErrInvalidPath), errors.Is(err, vault.ErrInvalidVault),
		errors.Is(err, permission.ErrInvalidRole), errors.Is(err, permission.ErrCannotSelf),
		errors.Is(err, backup.ErrInvalidKind), errors.Is(err, backup.ErrInvalidVault):
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	case errors.Is(err, permission.ErrInsufficientRole), errors.Is(err, permission.ErrIsOwner),
		errors.Is(err, permission.ErrOwnerAssignment), errors.Is(err, permission.ErrNotOwner):
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	default:
		return err
	}
}
