package scheduler

import (
	"sync/atomic"
	"time"
)

// timerEntry is one entry in the scheduler's timer heap. Cancellation is
// lazy: cancel() just flips a flag, and runLoop skips cancelled entries
// when it pops them. This avoids needing heap.Fix-based removal by
// index for a case (cancel) that is usually followed by the timer
// never firing anyway. cancelled is atomic.Bool because Cancel() is
// documented callable from any thread while runLoop reads it from the
// owning thread only.
type timerEntry struct {
	deadline  time.Time
	seq       uint64
	task      func()
	onCancel  func()
	cancelled atomic.Bool
	index     int
}

func (t *timerEntry) cancel() {
	if t.cancelled.Swap(true) {
		return
	}
	if t.onCancel != nil {
		t.onCancel()
	}
}

// timerHeap is a min-heap ordered by deadline, ties broken by insertion
// sequence so same-deadline timers fire in registration order.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
