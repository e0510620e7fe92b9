// Package backup periodically copies vault directories into retained
// hourly and daily snapshots and restores them on demand.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noterelay/noterelay/internal/metrics"
	"github.com/noterelay/noterelay/internal/vault"
)

var (
	ErrNotFound     = errors.New("backup not found")
	ErrInvalidKind  = errors.New("invalid snapshot kind")
	ErrInvalidVault = errors.New("invalid vault id")
)

// Kind selects a snapshot family.
type Kind string

const (
	KindHourly Kind = "hourly"
	KindDaily  Kind = "daily"
)

// Clock abstracts time retrieval so scheduling is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Snapshot describes one stored copy of a vault directory.
type Snapshot struct {
	VaultID   string `json:"vaultId"`
	Kind      Kind   `json:"kind"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"sizeBytes"`
}

// Options configures the scheduler.
type Options struct {
	VaultsRoot  string
	BackupsRoot string
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Clock       Clock
	Interval    time.Duration // default 60m
	KeepHourly  int           // default 24
	KeepDaily   int           // default 7
}

// Scheduler copies vault trees on a fixed interval, prunes old snapshots
// and restores chosen ones with a safety snapshot first.
type Scheduler struct {
	vaultsRoot  string
	backupsRoot string
	log         *zap.Logger
	metrics     *metrics.Metrics
	clock       Clock
	interval    time.Duration
	keepHourly  int
	keepDaily   int
}

func NewScheduler(opts Options) (*Scheduler, error) {
	if strings.TrimSpace(opts.VaultsRoot) == "" || strings.TrimSpace(opts.BackupsRoot) == "" {
		return nil, fmt.Errorf("vaults root and backups root are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.KeepHourly <= 0 {
		opts.KeepHourly = 24
	}
	if opts.KeepDaily <= 0 {
		opts.KeepDaily = 7
	}
	if err := os.MkdirAll(opts.BackupsRoot, 0o755); err != nil {
		return nil, err
	}
	return &Scheduler{
		vaultsRoot:  opts.VaultsRoot,
		backupsRoot: opts.BackupsRoot,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		clock:       opts.Clock,
		interval:    opts.Interval,
		keepHourly:  opts.KeepHourly,
		keepDaily:   opts.KeepDaily,
	}, nil
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(); err != nil {
				s.log.Error("backup tick failed", zap.Error(err))
			}
		}
	}
}

// RunOnce snapshots every vault: an hourly copy always, a daily copy when
// today has none yet, then retention pruning.
func (s *Scheduler) RunOnce() error {
	start := s.clock.Now()
	entries, err := os.ReadDir(s.vaultsRoot)
	if err != nil {
		return err
	}
	var firstErr error
	for _, entry := range entries {
		if !entry.IsDir() || !vault.ValidVaultID(entry.Name()) {
			continue
		}
		if err := s.snapshotVault(entry.Name()); err != nil {
			s.log.Error("vault snapshot failed",
				zap.String("vault", entry.Name()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if s.metrics != nil {
		s.metrics.BackupRuns.Inc()
		s.metrics.BackupDuration.Observe(time.Since(start).Seconds())
	}
	return firstErr
}

func (s *Scheduler) snapshotVault(vaultID string) error {
	now := s.clock.Now().UTC()
	if _, err := s.createSnapshot(vaultID, KindHourly, hourlyStamp(now)); err != nil {
		return err
	}
	daily := filepath.Join(s.backupsRoot, vaultID, string(KindDaily), dailyStamp(now))
	if _, err := os.Stat(daily); errors.Is(err, fs.ErrNotExist) {
		if _, err := s.createSnapshot(vaultID, KindDaily, dailyStamp(now)); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	return s.prune(vaultID)
}

// CreateManual takes an on-demand snapshot, equivalent to one hourly copy.
func (s *Scheduler) CreateManual(vaultID string) (Snapshot, error) {
	if !vault.ValidVaultID(vaultID) {
		return Snapshot{}, ErrInvalidVault
	}
	snap, err := s.createSnapshot(vaultID, KindHourly, hourlyStamp(s.clock.Now().UTC()))
	if err != nil {
		return Snapshot{}, err
	}
	if err := s.prune(vaultID); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (s *Scheduler) createSnapshot(vaultID string, kind Kind, name string) (Snapshot, error) {
	source := filepath.Join(s.vaultsRoot, vaultID)
	if _, err := os.Stat(source); err != nil {
		return Snapshot{}, err
	}
	target := filepath.Join(s.backupsRoot, vaultID, string(kind), name)
	// Hourly snapshots with an equal stamp are replaced; dailies are
	// created at most once per date by the caller.
	if kind == KindHourly {
		if err := os.RemoveAll(target); err != nil {
			return Snapshot{}, err
		}
	}
	if err := copyDir(source, target); err != nil {
		return Snapshot{}, err
	}
	size, err := dirSize(target)
	if err != nil {
		return Snapshot{}, err
	}
	s.log.Info("snapshot created",
		zap.String("vault", vaultID), zap.String("kind", string(kind)), zap.String("name", name))
	return Snapshot{VaultID: vaultID, Kind: kind, Name: name, Path: target, SizeBytes: size}, nil
}

// List returns all snapshots of a vault, hourly then daily, each family
// sorted by name (chronological by construction).
func (s *Scheduler) List(vaultID string) ([]Snapshot, error) {
	if !vault.ValidVaultID(vaultID) {
		return nil, ErrInvalidVault
	}
	out := []Snapshot{}
	for _, kind := range []Kind{KindHourly, KindDaily} {
		names, err := s.snapshotNames(vaultID, kind)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			path := filepath.Join(s.backupsRoot, vaultID, string(kind), name)
			size, err := dirSize(path)
			if err != nil {
				return nil, err
			}
			out = append(out, Snapshot{VaultID: vaultID, Kind: kind, Name: name, Path: path, SizeBytes: size})
		}
	}
	return out, nil
}

// Restore replaces the live vault directory with the chosen snapshot,
// taking a pre-restore hourly safety copy of the live state first. The
// caller evicts any in-memory document afterward so the next join reloads
// from disk.
func (s *Scheduler) Restore(vaultID, name string, kind Kind) error {
	if !vault.ValidVaultID(vaultID) {
		return ErrInvalidVault
	}
	if kind != KindHourly && kind != KindDaily {
		return ErrInvalidKind
	}
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, "/\\") {
		return ErrNotFound
	}
	source := filepath.Join(s.backupsRoot, vaultID, string(kind), name)
	if info, err := os.Stat(source); err != nil || !info.IsDir() {
		return ErrNotFound
	}
	live := filepath.Join(s.vaultsRoot, vaultID)
	if _, err := os.Stat(live); err == nil {
		safety := "pre-restore-" + hourlyStamp(s.clock.Now().UTC())
		if _, err := s.createSnapshot(vaultID, KindHourly, safety); err != nil {
			return fmt.Errorf("pre-restore snapshot: %w", err)
		}
		if err := os.RemoveAll(live); err != nil {
			return err
		}
	}
	if err := copyDir(source, live); err != nil {
		return err
	}
	s.log.Info("vault restored",
		zap.String("vault", vaultID), zap.String("kind", string(kind)), zap.String("name", name))
	return nil
}

func (s *Scheduler) snapshotNames(vaultID string, kind Kind) ([]string, error) {
	dir := filepath.Join(s.backupsRoot, vaultID, string(kind))
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// prune keeps the lexicographically newest snapshots per family.
func (s *Scheduler) prune(vaultID string) error {
	for kind, keep := range map[Kind]int{KindHourly: s.keepHourly, KindDaily: s.keepDaily} {
		names, err := s.snapshotNames(vaultID, kind)
		if err != nil {
			return err
		}
		if len(names) <= keep {
			continue
		}
		for _, name := range names[:len(names)-keep] {
			if err := os.RemoveAll(filepath.Join(s.backupsRoot, vaultID, string(kind), name)); err != nil {
				return err
			}
			s.log.Debug("snapshot pruned",
				zap.String("vault", vaultID), zap.String("kind", string(kind)), zap.String("name", name))
		}
	}
	return nil
}

// hourlyStamp renders an ISO-8601 UTC timestamp with colons replaced so
// the name is filesystem-safe and sorts chronologically.
func hourlyStamp(now time.Time) string {
	return now.Format("2006-01-02T15-04-05")
}

func dailyStamp(now time.Time) string {
	return now.Format("2006-01-02")
}

func copyDir(source, target string) error {
	return filepath.WalkDir(source, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		dest := filepath.Join(target, rel)
		if d.IsDir() {
			return os.MkdirAll(dest, 0o755)
		}
		return copyFile(path, dest)
	})
}

func copyFile(source, dest string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
