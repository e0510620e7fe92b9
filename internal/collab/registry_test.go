package collab

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noterelay/noterelay/internal/crdt"
	"github.com/noterelay/noterelay/internal/vault"
)

func newTestRegistry(t *testing.T, debounce, autosave time.Duration) (*Registry, *vault.Store) {
	t.Helper()
	store, err := vault.NewStore(filepath.Join(t.TempDir(), "vaults"))
	require.NoError(t, err)
	registry, err := NewRegistry(RegistryOptions{
		Store:            store,
		Logger:           zap.NewNop(),
		DebounceWindow:   debounce,
		AutosaveInterval: autosave,
	})
	require.NoError(t, err)
	t.Cleanup(registry.Stop)
	return registry, store
}

func TestGetOrCreateCreatesVaultOnDisk(t *testing.T) {
	registry, store := newTestRegistry(t, 10*time.Millisecond, time.Hour)

	vs, err := registry.getOrCreate("v1")
	require.NoError(t, err)
	assert.True(t, store.Exists("v1"))

	again, err := registry.getOrCreate("v1")
	require.NoError(t, err)
	assert.Same(t, vs, again)
}

func TestAutosaveFlushesDirtyVaults(t *testing.T) {
	registry, store := newTestRegistry(t, 10*time.Millisecond, 30*time.Millisecond)
	registry.Run()

	vs, err := registry.getOrCreate("v1")
	require.NoError(t, err)

	vs.mu.Lock()
	_, changes := vs.doc.InsertText(vs.doc.LocalClient(), "n.md", 0, "abc")
	registry.notifyApplied(vs, changes)
	vs.mu.Unlock()

	require.Eventually(t, func() bool {
		snapshot, err := store.LoadSnapshot("v1")
		return err == nil && len(snapshot) > 0
	}, 2*time.Second, 10*time.Millisecond)

	vs.mu.Lock()
	dirty := vs.dirty
	vs.mu.Unlock()
	assert.False(t, dirty)
}

func TestDebounceCoalescesRapidEdits(t *testing.T) {
	registry, store := newTestRegistry(t, 50*time.Millisecond, time.Hour)

	vs, err := registry.getOrCreate("v1")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		vs.mu.Lock()
		_, changes := vs.doc.InsertText(vs.doc.LocalClient(), "n.md", i, "x")
		registry.notifyApplied(vs, changes)
		vs.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}

	// Before the window elapses nothing is on disk.
	_, err = store.ReadFile("v1", "n.md")
	assert.ErrorIs(t, err, vault.ErrNotFound)

	require.Eventually(t, func() bool {
		content, err := store.ReadFile("v1", "n.md")
		return err == nil && content == "xxxxxxxxxx"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWriteThenDeleteLeavesNoFile(t *testing.T) {
	registry, store := newTestRegistry(t, 30*time.Millisecond, time.Hour)

	vs, err := registry.getOrCreate("v1")
	require.NoError(t, err)

	vs.mu.Lock()
	_, changes := vs.doc.InsertText(vs.doc.LocalClient(), "n.md", 0, "abc")
	registry.notifyApplied(vs, changes)
	_, changes = vs.doc.DeleteFile(vs.doc.LocalClient(), "n.md")
	registry.notifyApplied(vs, changes)
	vs.mu.Unlock()

	time.Sleep(100 * time.Millisecond)
	_, err = store.ReadFile("v1", "n.md")
	assert.ErrorIs(t, err, vault.ErrNotFound)
}

func TestStopFlushesPendingWrites(t *testing.T) {
	registry, store := newTestRegistry(t, time.Hour, time.Hour)

	vs, err := registry.getOrCreate("v1")
	require.NoError(t, err)
	vs.mu.Lock()
	_, changes := vs.doc.InsertText(vs.doc.LocalClient(), "n.md", 0, "abc")
	registry.notifyApplied(vs, changes)
	vs.mu.Unlock()

	registry.Stop()

	content, err := store.ReadFile("v1", "n.md")
	require.NoError(t, err)
	assert.Equal(t, "abc", content)
	snapshot, err := store.LoadSnapshot("v1")
	require.NoError(t, err)
	assert.NotEmpty(t, snapshot)
}

func TestObserversAreNotified(t *testing.T) {
	registry, _ := newTestRegistry(t, 10*time.Millisecond, time.Hour)

	obs := &recordingObserver{}
	registry.AddObserver(obs)

	vs, err := registry.getOrCreate("v1")
	require.NoError(t, err)
	vs.mu.Lock()
	_, changes := vs.doc.InsertText(vs.doc.LocalClient(), "n.md", 0, "x")
	registry.notifyApplied(vs, changes)
	vs.mu.Unlock()

	assert.Equal(t, []string{"v1"}, obs.updates)
	require.Len(t, obs.changes, 1)
	assert.Equal(t, "n.md", obs.changes[0].Path)
}

type recordingObserver struct {
	updates []string
	changes []crdt.FileChange
}

func (o *recordingObserver) OnUpdate(vaultID string) {
	o.updates = append(o.updates, vaultID)
}

func (o *recordingObserver) OnFilesChanged(_ string, changes []crdt.FileChange) {
	o.changes = append(o.changes, changes...)
}
