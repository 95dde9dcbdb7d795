package scheduler

import (
	"sync/atomic"
	"time"

	"github.com/ironvane/httpd/core/poller"
)

// watcherEntry binds one (fd, mode) interest to its callbacks. At most
// one watcherEntry may exist per (fd, mode) in a Scheduler at a time —
// see ErrAlreadyWatchingOnResource. cancelled is atomic.Bool because
// Cancel() is documented callable from any thread while the owning
// thread reads it from RunLoopOnce without a lock; fired is owning-
// thread-only (set only from RunLoopOnce/removeWatcher).
type watcherEntry struct {
	fd        int
	mode      poller.Mode
	onReady   func()
	onTimeout func()
	timeout   time.Duration // zero means no timeout
	deadline  time.Time     // valid iff timeout != 0
	cancelled atomic.Bool
	fired     bool
	index     int // position in the timeout-ordered heap, -1 if untimed
}

func (w *watcherEntry) cancel() {
	w.cancelled.Store(true)
}

// watcherTimeoutHeap orders watchers with a live timeout by deadline, so
// runLoop can always find the next one to expire in O(log n). Watchers
// with timeout == 0 are never pushed onto this heap.
type watcherTimeoutHeap []*watcherEntry

func (h watcherTimeoutHeap) Len() int { return len(h) }
func (h watcherTimeoutHeap) Less(i, j int) bool {
	return h[i].deadline.Before(h[j].deadline)
}
func (h watcherTimeoutHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *watcherTimeoutHeap) Push(x any) {
	e := x.(*watcherEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *watcherTimeoutHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
