package scheduler

import "errors"

// ErrAlreadyWatchingOnResource is returned by ExecuteOnReadable/
// ExecuteOnWritable when the fd already has a live watcher for that
// mode. At most one watcher may exist per (fd, mode) at a time.
var ErrAlreadyWatchingOnResource = errors.New("scheduler: already watching on resource")

// Handle is returned by every Execute*/ExecuteOn* call. Cancel is
// idempotent and safe to call from any thread.
type Handle interface {
	Cancel() error
}

type taskHandle struct {
	task *taskEntry
}

func (h *taskHandle) Cancel() error {
	h.task.cancel()
	return nil
}

type timerHandleImpl struct {
	t *timerEntry
}

func (h *timerHandleImpl) Cancel() error {
	h.t.cancel()
	return nil
}

type watcherHandleImpl struct {
	w   *watcherEntry
	sch *Scheduler
}

// Cancel marks the watcher cancelled immediately (racing safely against
// RunLoopOnce via the atomic flag), then posts the actual removal from
// the scheduler's watcher map/timeout heap/poller registration onto the
// owning thread, since those structures are owning-thread-only. Without
// this, a cancelled-but-not-yet-fired watcher with no timeout would
// never be removed, permanently blocking a later ExecuteOnReadable/
// ExecuteOnWritable on the same (fd, mode) with ErrAlreadyWatchingOnResource.
func (h *watcherHandleImpl) Cancel() error {
	if h.w.cancelled.Swap(true) {
		return nil
	}
	h.sch.Execute(func() {
		h.sch.removeWatcher(h.w)
	})
	return nil
}
