// Package filecache watches the paths a Worker has cached file metadata
// for and invalidates them on write/remove/rename, closing the gap the
// teacher's core/sendfile.FileCache leaves open (a pure LRU with no
// invalidation path at all). Grounded on the fsnotify usage pattern in
// golang-tools' gopls/internal/filewatcher package: one fsnotify.Watcher,
// one receiver goroutine translating raw events into a narrower
// invalidation callback.
package filecache

import (
	"errors"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/ironvane/httpd/logging"
)

// ErrClosed is returned by Watch/Close after the cache watcher has been
// closed.
var ErrClosed = errors.New("filecache: watcher already closed")

// Invalidator is the subset of Worker's cache API the watcher needs.
type Invalidator interface {
	InvalidateFile(path string)
}

// Watcher bridges fsnotify events for cached file paths to a Worker's
// InvalidateFile, so a stale (size, modTime) pair is never served after
// the underlying file changes on disk.
type Watcher struct {
	fsw *fsnotify.Watcher

	mu      sync.Mutex
	watched map[string]struct{}
	closed  bool

	wg sync.WaitGroup
}

// New starts a Watcher that invalidates inv for every watched path that
// reports a Write, Remove, or Rename event.
func New(inv Invalidator) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{fsw: fsw, watched: make(map[string]struct{})}

	w.wg.Add(1)
	go w.run(inv)
	return w, nil
}

func (w *Watcher) run(inv Invalidator) {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				inv.InvalidateFile(ev.Name)
				w.mu.Lock()
				delete(w.watched, ev.Name)
				w.mu.Unlock()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Debugf("filecache", "watch error: %v", err)
		}
	}
}

// Watch adds path to the watch set, a no-op if it is already watched.
func (w *Watcher) Watch(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if _, ok := w.watched[path]; ok {
		return nil
	}
	if err := w.fsw.Add(path); err != nil {
		return err
	}
	w.watched[path] = struct{}{}
	return nil
}

// Close stops the watcher and releases its fsnotify handle.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	err := w.fsw.Close()
	w.wg.Wait()
	return err
}
