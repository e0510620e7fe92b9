package permission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = int64(1)
	bob   = int64(2)
	carol = int64(3)
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewStoreFromDSN(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedVault(t *testing.T, store *SQLStore, vaultID string, owner int64) {
	t.Helper()
	require.NoError(t, store.SetOwner(context.Background(), vaultID, owner))
}

func TestSetOwnerSeedsAndIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedVault(t, store, "v1", alice)
	require.NoError(t, store.SetOwner(ctx, "v1", alice))

	role, ok, err := store.GetRole(ctx, alice, "v1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, RoleOwner, role)

	err = store.SetOwner(ctx, "v1", bob)
	assert.ErrorIs(t, err, ErrOwnedVault)
}

func TestSetOwnerUpgradesExistingMember(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddMember(ctx, "v1", bob, RoleEditor, SystemActor))
	require.NoError(t, store.SetOwner(ctx, "v1", bob))

	role, _, err := store.GetRole(ctx, bob, "v1")
	require.NoError(t, err)
	assert.Equal(t, RoleOwner, role)

	members, err := store.Members(ctx, "v1")
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestAddMemberRules(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedVault(t, store, "v1", alice)

	// Owner may assign anything strictly below owner.
	require.NoError(t, store.AddMember(ctx, "v1", bob, RoleAdmin, alice))

	// Duplicate membership is a distinct error kind.
	err := store.AddMember(ctx, "v1", bob, RoleViewer, alice)
	assert.ErrorIs(t, err, ErrAlreadyMember)

	// Owner role is never assignable through AddMember.
	err = store.AddMember(ctx, "v1", carol, RoleOwner, alice)
	assert.ErrorIs(t, err, ErrOwnerAssignment)

	// Admin may not assign admin (not strictly below).
	err = store.AddMember(ctx, "v1", carol, RoleAdmin, bob)
	assert.ErrorIs(t, err, ErrInsufficientRole)
	require.NoError(t, store.AddMember(ctx, "v1", carol, RoleEditor, bob))

	// Non-members cannot act.
	err = store.AddMember(ctx, "v1", int64(9), RoleViewer, int64(8))
	assert.ErrorIs(t, err, ErrInsufficientRole)

	err = store.AddMember(ctx, "v1", int64(9), Role(42), alice)
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestRemoveMemberRules(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedVault(t, store, "v1", alice)
	require.NoError(t, store.AddMember(ctx, "v1", bob, RoleAdmin, alice))
	require.NoError(t, store.AddMember(ctx, "v1", carol, RoleEditor, alice))

	// Cannot remove yourself.
	assert.ErrorIs(t, store.RemoveMember(ctx, "v1", bob, bob), ErrCannotSelf)

	// Cannot remove the owner.
	assert.ErrorIs(t, store.RemoveMember(ctx, "v1", alice, bob), ErrIsOwner)

	// Editor cannot remove an admin.
	assert.ErrorIs(t, store.RemoveMember(ctx, "v1", bob, carol), ErrInsufficientRole)

	// Admin removes the editor.
	require.NoError(t, store.RemoveMember(ctx, "v1", carol, bob))
	_, ok, err := store.GetRole(ctx, carol, "v1")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, store.RemoveMember(ctx, "v1", carol, bob), ErrNotFound)
}

func TestUpdateRoleRules(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedVault(t, store, "v1", alice)
	require.NoError(t, store.AddMember(ctx, "v1", bob, RoleAdmin, alice))
	require.NoError(t, store.AddMember(ctx, "v1", carol, RoleViewer, alice))

	assert.ErrorIs(t, store.UpdateRole(ctx, "v1", carol, RoleOwner, alice), ErrOwnerAssignment)
	assert.ErrorIs(t, store.UpdateRole(ctx, "v1", int64(9), RoleViewer, alice), ErrNotFound)

	// Admin may raise the viewer to editor (both strictly below admin).
	require.NoError(t, store.UpdateRole(ctx, "v1", carol, RoleEditor, bob))
	role, _, err := store.GetRole(ctx, carol, "v1")
	require.NoError(t, err)
	assert.Equal(t, RoleEditor, role)

	// Admin may not raise anyone to admin.
	assert.ErrorIs(t, store.UpdateRole(ctx, "v1", carol, RoleAdmin, bob), ErrInsufficientRole)

	// Admin may not touch the owner.
	assert.ErrorIs(t, store.UpdateRole(ctx, "v1", alice, RoleEditor, bob), ErrInsufficientRole)
}

func TestTransferOwnership(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedVault(t, store, "v3", alice)
	require.NoError(t, store.AddMember(ctx, "v3", bob, RoleAdmin, alice))

	require.NoError(t, store.TransferOwnership(ctx, "v3", bob, alice))

	role, _, err := store.GetRole(ctx, bob, "v3")
	require.NoError(t, err)
	assert.Equal(t, RoleOwner, role)
	role, _, err = store.GetRole(ctx, alice, "v3")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, role)

	owners := 0
	members, err := store.Members(ctx, "v3")
	require.NoError(t, err)
	for _, m := range members {
		if m.Role == RoleOwner {
			owners++
		}
	}
	assert.Equal(t, 1, owners)
}

func TestTransferOwnershipRejections(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedVault(t, store, "v3", alice)
	require.NoError(t, store.AddMember(ctx, "v3", bob, RoleAdmin, alice))

	assert.ErrorIs(t, store.TransferOwnership(ctx, "v3", alice, alice), ErrCannotSelf)
	assert.ErrorIs(t, store.TransferOwnership(ctx, "v3", alice, bob), ErrNotOwner)
	assert.ErrorIs(t, store.TransferOwnership(ctx, "v3", carol, alice), ErrNotFound)

	// Nothing moved.
	role, _, err := store.GetRole(ctx, alice, "v3")
	require.NoError(t, err)
	assert.Equal(t, RoleOwner, role)
}

func TestHasRoleOrHigher(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedVault(t, store, "v1", alice)
	require.NoError(t, store.AddMember(ctx, "v1", bob, RoleEditor, alice))

	ok, err := store.HasRoleOrHigher(ctx, bob, "v1", RoleViewer)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.HasRoleOrHigher(ctx, bob, "v1", RoleAdmin)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.HasRoleOrHigher(ctx, carol, "v1", RoleViewer)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVaultsOfAndCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedVault(t, store, "v1", alice)
	seedVault(t, store, "v2", alice)
	require.NoError(t, store.AddMember(ctx, "v2", bob, RoleViewer, alice))

	vaults, err := store.VaultsOf(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []VaultRole{{VaultID: "v1", Role: RoleOwner}, {VaultID: "v2", Role: RoleOwner}}, vaults)

	require.NoError(t, store.RemoveVault(ctx, "v2"))
	has, err := store.HasMembers(ctx, "v2")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, store.RemoveUser(ctx, alice))
	has, err = store.HasMembers(ctx, "v1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestParseRole(t *testing.T) {
	for name, want := range map[string]Role{
		"viewer": RoleViewer,
		"editor": RoleEditor,
		"admin":  RoleAdmin,
		"owner":  RoleOwner,
	} {
		got, err := ParseRole(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, name, got.String())
	}
	_, err := ParseRole("root")
	assert.ErrorIs(t, err, ErrInvalidRole)
}
