package backup

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock returns a fixed time that only moves when advance is called.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	scheduler *Scheduler
	clock     *fakeClock
	vaults    string
	backups   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	vaults := filepath.Join(root, "vaults")
	backups := filepath.Join(root, "backups")
	require.NoError(t, os.MkdirAll(vaults, 0o755))

	clock := &fakeClock{now: time.Date(2026, 8, 6, 10, 0, 0, 0, time.UTC)}
	scheduler, err := NewScheduler(Options{
		VaultsRoot:  vaults,
		BackupsRoot: backups,
		Clock:       clock,
		KeepHourly:  24,
		KeepDaily:   7,
	})
	require.NoError(t, err)
	return &fixture{scheduler: scheduler, clock: clock, vaults: vaults, backups: backups}
}

func (f *fixture) seedVault(t *testing.T, vaultID string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(f.vaults, vaultID, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func TestRunOnceCreatesHourlyAndDaily(t *testing.T) {
	f := newFixture(t)
	f.seedVault(t, "v1", map[string]string{"x.md": "1", "sub/y.md": "2", "_state.ydoc": "bin"})

	require.NoError(t, f.scheduler.RunOnce())

	hourly := filepath.Join(f.backups, "v1", "hourly", "2026-08-06T10-00-00")
	daily := filepath.Join(f.backups, "v1", "daily", "2026-08-06")
	for _, dir := range []string{hourly, daily} {
		data, err := os.ReadFile(filepath.Join(dir, "x.md"))
		require.NoError(t, err)
		assert.Equal(t, "1", string(data))
		data, err = os.ReadFile(filepath.Join(dir, "sub", "y.md"))
		require.NoError(t, err)
		assert.Equal(t, "2", string(data))
		// The binary snapshot travels with the copy.
		_, err = os.Stat(filepath.Join(dir, "_state.ydoc"))
		assert.NoError(t, err)
	}
}

func TestDailyIsIdempotentPerDate(t *testing.T) {
	f := newFixture(t)
	f.seedVault(t, "v1", map[string]string{"x.md": "old"})
	require.NoError(t, f.scheduler.RunOnce())

	// Content changes, another tick the same day: daily keeps the morning
	// copy, hourly reflects the newest state.
	f.seedVault(t, "v1", map[string]string{"x.md": "new"})
	f.clock.advance(time.Hour)
	require.NoError(t, f.scheduler.RunOnce())

	daily, err := os.ReadFile(filepath.Join(f.backups, "v1", "daily", "2026-08-06", "x.md"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(daily))

	hourly, err := os.ReadFile(filepath.Join(f.backups, "v1", "hourly", "2026-08-06T11-00-00", "x.md"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(hourly))
}

func TestRetentionPruning(t *testing.T) {
	f := newFixture(t)
	f.seedVault(t, "v1", map[string]string{"x.md": "1"})

	for i := 0; i < 30; i++ {
		require.NoError(t, f.scheduler.RunOnce())
		f.clock.advance(time.Hour)
	}

	hourlies, err := f.scheduler.snapshotNames("v1", KindHourly)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(hourlies), 24)
	assert.True(t, sort.StringsAreSorted(hourlies))

	dailies, err := f.scheduler.snapshotNames("v1", KindDaily)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(dailies), 7)

	// The survivors are the newest ones.
	assert.Equal(t, "2026-08-07T15-00-00", hourlies[len(hourlies)-1])
}

func TestHourlyNamesSortChronologically(t *testing.T) {
	stamps := []string{
		hourlyStamp(time.Date(2026, 8, 6, 9, 59, 59, 0, time.UTC)),
		hourlyStamp(time.Date(2026, 8, 6, 10, 0, 0, 0, time.UTC)),
		hourlyStamp(time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)),
		hourlyStamp(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	assert.True(t, sort.StringsAreSorted(stamps))
}

func TestManualSnapshotAndRestore(t *testing.T) {
	f := newFixture(t)
	f.seedVault(t, "v4", map[string]string{"x.md": "1"})

	snap, err := f.scheduler.CreateManual("v4")
	require.NoError(t, err)
	assert.Equal(t, KindHourly, snap.Kind)
	assert.Positive(t, snap.SizeBytes)

	// Overwrite, then restore from the snapshot.
	f.seedVault(t, "v4", map[string]string{"x.md": "2"})
	f.clock.advance(30 * time.Minute)
	require.NoError(t, f.scheduler.Restore("v4", snap.Name, KindHourly))

	data, err := os.ReadFile(filepath.Join(f.vaults, "v4", "x.md"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))

	// A pre-restore safety snapshot preserved the overwritten state.
	names, err := f.scheduler.snapshotNames("v4", KindHourly)
	require.NoError(t, err)
	var preRestore string
	for _, name := range names {
		if len(name) > len("pre-restore-") && name[:len("pre-restore-")] == "pre-restore-" {
			preRestore = name
		}
	}
	require.NotEmpty(t, preRestore)
	data, err = os.ReadFile(filepath.Join(f.backups, "v4", "hourly", preRestore, "x.md"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(data))
}

func TestRestoreMissingBackup(t *testing.T) {
	f := newFixture(t)
	f.seedVault(t, "v4", map[string]string{"x.md": "1"})

	err := f.scheduler.Restore("v4", "2026-01-01T00-00-00", KindHourly)
	assert.ErrorIs(t, err, ErrNotFound)

	err = f.scheduler.Restore("v4", "../escape", KindHourly)
	assert.ErrorIs(t, err, ErrNotFound)

	err = f.scheduler.Restore("v4", "2026-01-01", Kind("weekly"))
	assert.ErrorIs(t, err, ErrInvalidKind)
}

func TestListSnapshots(t *testing.T) {
	f := newFixture(t)
	f.seedVault(t, "v1", map[string]string{"x.md": "1"})
	require.NoError(t, f.scheduler.RunOnce())

	snaps, err := f.scheduler.List("v1")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, KindHourly, snaps[0].Kind)
	assert.Equal(t, KindDaily, snaps[1].Kind)

	_, err = f.scheduler.List("not a vault!")
	assert.ErrorIs(t, err, ErrInvalidVault)
}
