package permission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"github.com/noterelay/noterelay/internal/permission/migrations"
)

const operationTimeout = 5 * time.Second

// SQLStore implements Store on top of database/sql for both supported
// dialects. Queries are written with "?" placeholders and rebound for
// postgres.
type SQLStore struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// NewStoreFromDSN opens the membership store named by dsn and applies
// pending schema migrations. A dsn starting with postgres:// selects the
// postgres backend; anything else is treated as a sqlite file path
// (":memory:" included).
func NewStoreFromDSN(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("permission store dsn is required")
	}
	dialect := "sqlite3"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialect = "postgres"
	}
	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", dialect, err)
	}
	if dialect == "sqlite3" {
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enabling foreign keys: %w", err)
		}
		// A single writer avoids SQLITE_BUSY under concurrent sessions.
		db.SetMaxOpenConns(1)
	}
	if err := migrations.Apply(db, dialect); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewStoreWithDB(db, dialect), nil
}

// NewStoreWithDB wraps an existing connection. The caller owns migrations.
func NewStoreWithDB(db *sql.DB, dialect string) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind converts "?" placeholders to "$n" for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) GetRole(ctx context.Context, userID int64, vaultID string) (Role, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	return s.roleOf(ctx, s.db, userID, vaultID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) roleOf(ctx context.Context, q querier, userID int64, vaultID string) (Role, bool, error) {
	var name string
	err := q.QueryRowContext(ctx,
		s.rebind(`SELECT role FROM memberships WHERE vault_id = ? AND user_id = ?`),
		vaultID, userID,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return RoleNone, false, nil
	}
	if err != nil {
		return RoleNone, false, err
	}
	role, err := ParseRole(name)
	if err != nil {
		return RoleNone, false, fmt.Errorf("membership row holds unknown role %q", name)
	}
	return role, true, nil
}

func (s *SQLStore) HasRoleOrHigher(ctx context.Context, userID int64, vaultID string, min Role) (bool, error) {
	role, ok, err := s.GetRole(ctx, userID, vaultID)
	if err != nil {
		return false, err
	}
	return ok && role >= min, nil
}

func (s *SQLStore) AddMember(ctx context.Context, vaultID string, userID int64, role Role, actorID int64) error {
	if role < RoleViewer || role > RoleAdmin {
		// Owner is never assignable here; it moves only via
		// TransferOwnership or SetOwner.
		if role == RoleOwner {
			return ErrOwnerAssignment
		}
		return ErrInvalidRole
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	if actorID != SystemActor {
		actorRole, ok, err := s.roleOf(ctx, s.db, actorID, vaultID)
		if err != nil {
			return err
		}
		if !ok || role >= actorRole {
			return ErrInsufficientRole
		}
	}
	result, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO memberships (vault_id, user_id, role, added_by, created_at)
		          SELECT ?, ?, ?, ?, ?
		          WHERE NOT EXISTS (SELECT 1 FROM memberships WHERE vault_id = ? AND user_id = ?)`),
		vaultID, userID, role.String(), actorID, s.now().UTC().Unix(), vaultID, userID,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAlreadyMember
	}
	return nil
}

func (s *SQLStore) RemoveMember(ctx context.Context, vaultID string, userID, actorID int64) error {
	if userID == actorID {
		return ErrCannotSelf
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	targetRole, ok, err := s.roleOf(ctx, s.db, userID, vaultID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if targetRole == RoleOwner {
		return ErrIsOwner
	}
	actorRole, ok, err := s.roleOf(ctx, s.db, actorID, vaultID)
	if err != nil {
		return err
	}
	if !ok || targetRole >= actorRole {
		return ErrInsufficientRole
	}
	_, err = s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM memberships WHERE vault_id = ? AND user_id = ?`),
		vaultID, userID,
	)
	return err
}

func (s *SQLStore) UpdateRole(ctx context.Context, vaultID string, userID int64, newRole Role, actorID int64) error {
	if newRole == RoleOwner {
		return ErrOwnerAssignment
	}
	if newRole < RoleViewer || newRole > RoleAdmin {
		return ErrInvalidRole
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	targetRole, ok, err := s.roleOf(ctx, s.db, userID, vaultID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	actorRole, ok, err := s.roleOf(ctx, s.db, actorID, vaultID)
	if err != nil {
		return err
	}
	if !ok || targetRole >= actorRole || newRole >= actorRole {
		return ErrInsufficientRole
	}
	_, err = s.db.ExecContext(ctx,
		s.rebind(`UPDATE memberships SET role = ? WHERE vault_id = ? AND user_id = ?`),
		newRole.String(), vaultID, userID,
	)
	return err
}

// TransferOwnership demotes the current owner to admin and promotes the
// new owner in one transaction; any failure rolls both steps back.
func (s *SQLStore) TransferOwnership(ctx context.Context, vaultID string, newOwnerID, currentOwnerID int64) error {
	if newOwnerID == currentOwnerID {
		return ErrCannotSelf
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	currentRole, ok, err := s.roleOf(ctx, tx, currentOwnerID, vaultID)
	if err != nil {
		return err
	}
	if !ok || currentRole != RoleOwner {
		return ErrNotOwner
	}
	_, ok, err = s.roleOf(ctx, tx, newOwnerID, vaultID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		s.rebind(`UPDATE memberships SET role = ? WHERE vault_id = ? AND user_id = ?`),
		RoleAdmin.String(), vaultID, currentOwnerID,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		s.rebind(`UPDATE memberships SET role = ? WHERE vault_id = ? AND user_id = ?`),
		RoleOwner.String(), vaultID, newOwnerID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// SetOwner seeds the owner membership. It is idempotent: re-seeding the
// existing owner succeeds; a vault owned by someone else is rejected. A
// target that is already a member is upgraded.
func (s *SQLStore) SetOwner(ctx context.Context, vaultID string, userID int64) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var ownerID int64
	err = tx.QueryRowContext(ctx,
		s.rebind(`SELECT user_id FROM memberships WHERE vault_id = ? AND role = ?`),
		vaultID, RoleOwner.String(),
	).Scan(&ownerID)
	switch {
	case err == nil:
		if ownerID == userID {
			return tx.Commit()
		}
		return ErrOwnedVault
	case errors.Is(err, sql.ErrNoRows):
	default:
		return err
	}

	_, isMember, err := s.roleOf(ctx, tx, userID, vaultID)
	if err != nil {
		return err
	}
	if isMember {
		_, err = tx.ExecContext(ctx,
			s.rebind(`UPDATE memberships SET role = ? WHERE vault_id = ? AND user_id = ?`),
			RoleOwner.String(), vaultID, userID,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			s.rebind(`INSERT INTO memberships (vault_id, user_id, role, added_by, created_at)
			          VALUES (?, ?, ?, ?, ?)`),
			vaultID, userID, RoleOwner.String(), SystemActor, s.now().UTC().Unix(),
		)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) HasMembers(ctx context.Context, vaultID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	var exists bool
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT EXISTS(SELECT 1 FROM memberships WHERE vault_id = ?)`),
		vaultID,
	).Scan(&exists)
	return exists, err
}

func (s *SQLStore) Members(ctx context.Context, vaultID string) ([]Membership, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT vault_id, user_id, role, added_by, created_at
		          FROM memberships WHERE vault_id = ? ORDER BY user_id`),
		vaultID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := []Membership{}
	for rows.Next() {
		var m Membership
		var roleName string
		var createdAt int64
		if err := rows.Scan(&m.VaultID, &m.UserID, &roleName, &m.AddedBy, &createdAt); err != nil {
			return nil, err
		}
		if m.Role, err = ParseRole(roleName); err != nil {
			return nil, fmt.Errorf("membership row holds unknown role %q", roleName)
		}
		m.CreatedAt = time.Unix(createdAt, 0).UTC()
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *SQLStore) VaultsOf(ctx context.Context, userID int64) ([]VaultRole, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT vault_id, role FROM memberships WHERE user_id = ? ORDER BY vault_id`),
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []VaultRole{}
	for rows.Next() {
		var vr VaultRole
		var roleName string
		if err := rows.Scan(&vr.VaultID, &roleName); err != nil {
			return nil, err
		}
		if vr.Role, err = ParseRole(roleName); err != nil {
			return nil, fmt.Errorf("membership row holds unknown role %q", roleName)
		}
		out = append(out, vr)
	}
	return out, rows.Err()
}

// RemoveVault cascades all memberships of a deleted vault.
func (s *SQLStore) RemoveVault(ctx context.Context, vaultID string) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM memberships WHERE vault_id = ?`), vaultID)
	return err
}

// RemoveUser cascades all memberships of a deleted user.
func (s *SQLStore) RemoveUser(ctx context.Context, userID int64) error {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM memberships WHERE user_id = ?`), userID)
	return err
}

var _ Store = (*SQLStore)(nil)
