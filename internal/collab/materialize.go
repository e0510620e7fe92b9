package collab

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// fileWriter coalesces continuous edits into at most one disk write per
// debounce window per path. Scheduling a path restarts its timer, so a
// pending delete and a later write (or the reverse) collapse into whatever
// the document holds when the timer fires.
type fileWriter struct {
	registry *Registry
	vs       *vaultState
	window   time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newFileWriter(registry *Registry, vs *vaultState, window time.Duration) *fileWriter {
	return &fileWriter{
		registry: registry,
		vs:       vs,
		window:   window,
		timers:   map[string]*time.Timer{},
	}
}

// schedule arms (or re-arms) the timer for one path.
func (w *fileWriter) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[path]; ok {
		timer.Stop()
	}
	w.timers[path] = time.AfterFunc(w.window, func() {
		w.fire(path)
	})
}

// fire reads the path's current state from the document and writes it
// through the vault store. Failures are logged and leave the vault dirty;
// the next autosave tick retries via the snapshot.
func (w *fileWriter) fire(path string) {
	w.mu.Lock()
	delete(w.timers, path)
	w.mu.Unlock()

	w.vs.mu.Lock()
	defer w.vs.mu.Unlock()
	w.writeLocked(path)
}

// writeLocked materializes one path. Callers hold vs.mu.
func (w *fileWriter) writeLocked(path string) {
	var err error
	if w.vs.doc.HasFile(path) {
		err = w.registry.store.WriteFile(w.vs.id, path, w.vs.doc.Text(path))
	} else {
		err = w.registry.store.DeleteFile(w.vs.id, path)
	}
	if err != nil {
		w.registry.log.Error("file materialization failed",
			zap.String("vault", w.vs.id), zap.String("path", path), zap.Error(err))
		w.vs.dirty = true
		return
	}
	if w.registry.metrics != nil {
		w.registry.metrics.FileWrites.Inc()
	}
}

// flushAll fires every pending timer immediately. Callers hold vs.mu.
func (w *fileWriter) flushAll() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.timers))
	for path, timer := range w.timers {
		// Only flush timers we managed to stop; one that already fired
		// is writing (or about to write) on its own goroutine.
		if timer.Stop() {
			paths = append(paths, path)
		}
		delete(w.timers, path)
	}
	w.mu.Unlock()

	for _, path := range paths {
		w.writeLocked(path)
	}
}

// cancelAll drops every pending timer without writing.
func (w *fileWriter) cancelAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
}
