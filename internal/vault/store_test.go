package vault

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "vaults"))
	require.NoError(t, err)
	return store
}

func TestCreateVault(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateVault("v1"))
	assert.True(t, store.Exists("v1"))

	snapshot, err := store.LoadSnapshot("v1")
	require.NoError(t, err)
	assert.Empty(t, snapshot)

	err = store.CreateVault("v1")
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestCreateVaultRejectsBadID(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"", "a/b", "../x", "a b", "a.b", "vault!"} {
		err := store.CreateVault(id)
		assert.ErrorIs(t, err, ErrInvalidVault, "id %q", id)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateVault("v1"))

	data := []byte{0x01, 0x02, 0x03}
	require.NoError(t, store.SaveSnapshot("v1", data))

	loaded, err := store.LoadSnapshot("v1")
	require.NoError(t, err)
	assert.Equal(t, data, loaded)
}

func TestWriteReadDeleteFile(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateVault("v1"))

	require.NoError(t, store.WriteFile("v1", "notes/daily/today.md", "hello"))

	content, err := store.ReadFile("v1", "notes/daily/today.md")
	require.NoError(t, err)
	assert.Equal(t, "hello", content)

	require.NoError(t, store.DeleteFile("v1", "notes/daily/today.md"))
	_, err = store.ReadFile("v1", "notes/daily/today.md")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting an already-missing file is tolerated.
	require.NoError(t, store.DeleteFile("v1", "notes/daily/today.md"))
}

func TestListFilesSkipsReserved(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateVault("v1"))

	require.NoError(t, store.WriteFile("v1", "b.md", "b"))
	require.NoError(t, store.WriteFile("v1", "a/nested.md", "n"))
	require.NoError(t, store.SaveSnapshot("v1", []byte{1}))

	// Reserved entries are invisible no matter how they got on disk.
	dir, err := store.VaultDir("v1")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".trash"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".trash", "x.md"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "_meta"), []byte("m"), 0o644))

	files, err := store.ListFiles("v1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/nested.md", "b.md"}, files)
}

func TestRenameFile(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateVault("v1"))
	require.NoError(t, store.WriteFile("v1", "old.md", "content"))

	require.NoError(t, store.RenameFile("v1", "old.md", "sub/new.md"))

	content, err := store.ReadFile("v1", "sub/new.md")
	require.NoError(t, err)
	assert.Equal(t, "content", content)

	_, err = store.ReadFile("v1", "old.md")
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.RenameFile("v1", "missing.md", "other.md")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteVault(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateVault("v1"))
	require.NoError(t, store.WriteFile("v1", "a.md", "a"))

	require.NoError(t, store.DeleteVault("v1"))
	assert.False(t, store.Exists("v1"))

	err := store.DeleteVault("v1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListVaults(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateVault("beta"))
	require.NoError(t, store.CreateVault("alpha"))

	ids, err := store.ListVaults()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, ids)
}

func TestPathTraversalRejected(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateVault("v6"))

	cases := []string{
		"../secret",
		"../../etc/passwd",
		"/etc/passwd",
		"a/../../escape.md",
		"..",
		"",
	}
	for _, path := range cases {
		err := store.WriteFile("v6", path, "x")
		assert.ErrorIs(t, err, ErrInvalidPath, "path %q", path)
	}

	// Nothing may have leaked outside the vault root.
	entries, err := os.ReadDir(filepath.Dir(store.Root()))
	require.NoError(t, err)
	for _, entry := range entries {
		assert.Equal(t, "vaults", entry.Name())
	}
}

func TestSanitizePathNormalizes(t *testing.T) {
	cleaned, err := SanitizePath("a/./b//c.md")
	require.NoError(t, err)
	assert.Equal(t, "a/b/c.md", cleaned)

	cleaned, err = SanitizePath("a/x/../b.md")
	require.NoError(t, err)
	assert.Equal(t, "a/b.md", cleaned)
}

func TestAtomicWriteLeavesNoTemp(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateVault("v1"))
	require.NoError(t, store.WriteFile("v1", "a.md", strings.Repeat("x", 4096)))

	dir, err := store.VaultDir("v1")
	require.NoError(t, err)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasSuffix(entry.Name(), ".tmp"), "leftover temp file %s", entry.Name())
	}
}
