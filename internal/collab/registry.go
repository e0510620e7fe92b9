package collab

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noterelay/noterelay/internal/crdt"
	"github.com/noterelay/noterelay/internal/metrics"
	"github.com/noterelay/noterelay/internal/vault"
)

// DocObserver is notified after updates are applied to a live document.
type DocObserver interface {
	OnUpdate(vaultID string)
	OnFilesChanged(vaultID string, changes []crdt.FileChange)
}

// RegistryOptions configures the in-memory document cache.
type RegistryOptions struct {
	Store            *vault.Store
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
	DebounceWindow   time.Duration // per-path write coalescing, default 200ms
	AutosaveInterval time.Duration // dirty-vault flush cadence, default 10s
}

// Registry caches one live document, awareness set and client set per
// vault. The three maps are process-wide singletons created at server
// start and torn down on shutdown.
type Registry struct {
	mu     sync.Mutex
	vaults map[string]*vaultState

	store     *vault.Store
	log       *zap.Logger
	metrics   *metrics.Metrics
	debounce  time.Duration
	autosave  time.Duration
	observers []DocObserver

	stopOnce sync.Once
	stopped  chan struct{}
}

// vaultState is one vault's unit of mutable state: document, awareness
// and client set behind a single lock, per the coarse-grained model.
type vaultState struct {
	id string

	mu        sync.Mutex
	doc       *crdt.Doc
	awareness *crdt.Awareness
	clients   map[*Session]struct{}
	dirty     bool
	writer    *fileWriter
}

func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("vault store is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = 200 * time.Millisecond
	}
	if opts.AutosaveInterval <= 0 {
		opts.AutosaveInterval = 10 * time.Second
	}
	r := &Registry{
		vaults:   map[string]*vaultState{},
		store:    opts.Store,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		debounce: opts.DebounceWindow,
		autosave: opts.AutosaveInterval,
		stopped:  make(chan struct{}),
	}
	return r, nil
}

// AddObserver attaches an observer for applied updates. Must be called
// before any document is loaded.
func (r *Registry) AddObserver(obs DocObserver) {
	r.observers = append(r.observers, obs)
}

// Run flushes dirty vaults on the autosave interval until Stop is called.
func (r *Registry) Run() {
	ticker := time.NewTicker(r.autosave)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-r.stopped:
				return
			case <-ticker.C:
				r.FlushDirty()
			}
		}
	}()
}

// Stop halts the autosave loop, fires pending file writes and flushes
// every loaded vault.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopped) })

	r.mu.Lock()
	states := make([]*vaultState, 0, len(r.vaults))
	for _, vs := range r.vaults {
		states = append(states, vs)
	}
	r.mu.Unlock()

	for _, vs := range states {
		vs.mu.Lock()
		vs.writer.flushAll()
		r.flushLocked(vs)
		vs.mu.Unlock()
	}
}

// getOrCreate returns the live state for a vault, lazily creating the
// on-disk vault and loading its snapshot on first use.
func (r *Registry) getOrCreate(vaultID string) (*vaultState, error) {
	r.mu.Lock()
	if vs, ok := r.vaults[vaultID]; ok {
		r.mu.Unlock()
		return vs, nil
	}
	r.mu.Unlock()

	// Load outside the registry lock: snapshot reads may block.
	if !r.store.Exists(vaultID) {
		if err := r.store.CreateVault(vaultID); err != nil && err != vault.ErrAlreadyExists {
			return nil, err
		}
	}
	snapshot, err := r.store.LoadSnapshot(vaultID)
	if err != nil {
		r.log.Warn("snapshot load failed, starting empty",
			zap.String("vault", vaultID), zap.Error(err))
		snapshot = nil
	}
	doc := crdt.NewDoc()
	if len(snapshot) > 0 {
		if _, err := doc.ApplyUpdate(snapshot); err != nil {
			r.log.Warn("snapshot corrupt, starting empty",
				zap.String("vault", vaultID), zap.Error(err))
			doc = crdt.NewDoc()
		}
	}

	vs := &vaultState{
		id:        vaultID,
		doc:       doc,
		awareness: crdt.NewAwareness(),
		clients:   map[*Session]struct{}{},
	}
	vs.writer = newFileWriter(r, vs, r.debounce)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.vaults[vaultID]; ok {
		// Another loader won the race.
		return existing, nil
	}
	r.vaults[vaultID] = vs
	return vs, nil
}

// loaded returns the live state if the vault is in memory.
func (r *Registry) loaded(vaultID string) (*vaultState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vs, ok := r.vaults[vaultID]
	return vs, ok
}

// notifyApplied distributes post-apply effects: dirty marking, debounced
// materialization and observer fan-out. Callers hold vs.mu.
func (r *Registry) notifyApplied(vs *vaultState, changes []crdt.FileChange) {
	vs.dirty = true
	for _, change := range changes {
		vs.writer.schedule(change.Path)
	}
	for _, obs := range r.observers {
		obs.OnUpdate(vs.id)
		if len(changes) > 0 {
			obs.OnFilesChanged(vs.id, changes)
		}
	}
}

// FlushDirty writes the snapshot of every dirty vault.
func (r *Registry) FlushDirty() {
	r.mu.Lock()
	states := make([]*vaultState, 0, len(r.vaults))
	for _, vs := range r.vaults {
		states = append(states, vs)
	}
	r.mu.Unlock()

	for _, vs := range states {
		vs.mu.Lock()
		if vs.dirty {
			r.flushLocked(vs)
		}
		vs.mu.Unlock()
	}
}

// Flush writes the snapshot of one vault if it is loaded.
func (r *Registry) Flush(vaultID string) error {
	vs, ok := r.loaded(vaultID)
	if !ok {
		return nil
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return r.flushLocked(vs)
}

// flushLocked encodes and persists the snapshot. Callers hold vs.mu. On
// failure the vault stays dirty for the next autosave tick.
func (r *Registry) flushLocked(vs *vaultState) error {
	start := time.Now()
	if err := r.store.SaveSnapshot(vs.id, vs.doc.EncodeState()); err != nil {
		r.log.Error("snapshot flush failed", zap.String("vault", vs.id), zap.Error(err))
		vs.dirty = true
		return err
	}
	vs.dirty = false
	if r.metrics != nil {
		r.metrics.Flushes.Inc()
		r.metrics.FlushDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

// flushAndEvictIfEmpty flushes the vault and drops it from memory when no
// clients remain. Pending debounced writes fire first.
func (r *Registry) flushAndEvictIfEmpty(vs *vaultState) {
	vs.mu.Lock()
	if len(vs.clients) > 0 {
		vs.mu.Unlock()
		return
	}
	vs.writer.flushAll()
	_ = r.flushLocked(vs)
	vs.mu.Unlock()

	r.mu.Lock()
	if current, ok := r.vaults[vs.id]; ok && current == vs {
		current.mu.Lock()
		empty := len(current.clients) == 0
		current.mu.Unlock()
		if empty {
			delete(r.vaults, vs.id)
		}
	}
	r.mu.Unlock()
}

// Evict drops a vault from memory without flushing, used after a restore
// replaced the on-disk state. Connected clients are closed by the caller.
func (r *Registry) Evict(vaultID string) {
	r.mu.Lock()
	vs, ok := r.vaults[vaultID]
	if ok {
		delete(r.vaults, vaultID)
	}
	r.mu.Unlock()
	if ok {
		vs.mu.Lock()
		vs.writer.cancelAll()
		vs.mu.Unlock()
	}
}

// WriteFile routes a server-side write through the live document when one
// is loaded, so connected clients converge; otherwise it writes straight
// through the vault store.
func (r *Registry) WriteFile(vaultID, path, content string) error {
	if _, err := vault.SanitizePath(path); err != nil {
		return err
	}
	vs, ok := r.loaded(vaultID)
	if !ok {
		return r.store.WriteFile(vaultID, path, content)
	}
	vs.mu.Lock()
	update, changes := vs.doc.SetText(vs.doc.LocalClient(), path, content)
	r.notifyApplied(vs, changes)
	r.broadcastLocked(vs, nil, "sync-message", EncodeSyncUpdate(update))
	vs.mu.Unlock()
	return nil
}

// DeleteFile mirrors WriteFile for removals.
func (r *Registry) DeleteFile(vaultID, path string) error {
	if _, err := vault.SanitizePath(path); err != nil {
		return err
	}
	vs, ok := r.loaded(vaultID)
	if !ok {
		return r.store.DeleteFile(vaultID, path)
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if !vs.doc.HasFile(path) {
		// Missing files are tolerated, matching the store behavior.
		return nil
	}
	update, changes := vs.doc.DeleteFile(vs.doc.LocalClient(), path)
	r.notifyApplied(vs, changes)
	r.broadcastLocked(vs, nil, "sync-message", EncodeSyncUpdate(update))
	return nil
}

// RenameFile is create-at-new plus delete-at-old through the live
// document, or a direct store rename when the vault is cold.
func (r *Registry) RenameFile(vaultID, oldPath, newPath string) error {
	if _, err := vault.SanitizePath(oldPath); err != nil {
		return err
	}
	if _, err := vault.SanitizePath(newPath); err != nil {
		return err
	}
	vs, ok := r.loaded(vaultID)
	if !ok {
		return r.store.RenameFile(vaultID, oldPath, newPath)
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if !vs.doc.HasFile(oldPath) {
		return vault.ErrNotFound
	}
	content := vs.doc.Text(oldPath)
	setUpdate, setChanges := vs.doc.SetText(vs.doc.LocalClient(), newPath, content)
	delUpdate, delChanges := vs.doc.DeleteFile(vs.doc.LocalClient(), oldPath)
	r.notifyApplied(vs, append(setChanges, delChanges...))
	r.broadcastLocked(vs, nil, "sync-message", EncodeSyncUpdate(setUpdate))
	r.broadcastLocked(vs, nil, "sync-message", EncodeSyncUpdate(delUpdate))
	return nil
}

// ReadFile prefers the live document and falls back to disk.
func (r *Registry) ReadFile(vaultID, path string) (string, error) {
	if _, err := vault.SanitizePath(path); err != nil {
		return "", err
	}
	vs, ok := r.loaded(vaultID)
	if !ok {
		return r.store.ReadFile(vaultID, path)
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if !vs.doc.HasFile(path) {
		return "", vault.ErrNotFound
	}
	return vs.doc.Text(path), nil
}

// ListFiles prefers the live document and falls back to disk.
func (r *Registry) ListFiles(vaultID string) ([]string, error) {
	vs, ok := r.loaded(vaultID)
	if !ok {
		return r.store.ListFiles(vaultID)
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.doc.Files(), nil
}

// broadcastLocked fans an event out to every joined client except the
// originator. Callers hold vs.mu; each Send runs synchronously, so the
// fan-out lasts as long as the slowest channel's send.
func (r *Registry) broadcastLocked(vs *vaultState, except *Session, event string, payload any) {
	for session := range vs.clients {
		if session == except {
			continue
		}
		if err := session.channel.Send(event, payload); err != nil {
			r.log.Debug("broadcast send failed",
				zap.String("vault", vs.id), zap.Error(err))
		}
		if r.metrics != nil {
			r.metrics.Broadcasts.Inc()
		}
	}
}

// ClientCount reports the number of clients joined to a vault.
func (r *Registry) ClientCount(vaultID string) int {
	vs, ok := r.loaded(vaultID)
	if !ok {
		return 0
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return len(vs.clients)
}

// Store exposes the underlying vault store.
func (r *Registry) Store() *vault.Store {
	return r.store
}
