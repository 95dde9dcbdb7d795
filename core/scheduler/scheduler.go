// Package scheduler implements the cooperative, single-threaded
// per-worker event loop: timers, fd readiness watchers, and posted
// tasks, all driven from one OS thread via a Poller. Every Connection
// and everything it owns lives on exactly one Scheduler for its entire
// lifetime; the only sanctioned way to reach a Scheduler from another
// thread is Execute/ExecuteAfter/ExecuteAt/BreakLoop/WakeupLoop, all of
// which cross via an internal self-pipe wakeup.
package scheduler

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ironvane/httpd/core/poller"
	"github.com/ironvane/httpd/logging"
)

type taskEntry struct {
	fn        func()
	cancelled atomic.Bool
}

func (t *taskEntry) cancel() { t.cancelled.Store(true) }

// Scheduler is the cooperative event loop owned by one Worker/OS
// thread. Only the owning thread may call RunLoop, RunLoopOnce,
// ExecuteOnReadable, or ExecuteOnWritable; Execute, ExecuteAfter,
// ExecuteAt, BreakLoop, and WakeupLoop may be called from any thread.
type Scheduler struct {
	poll poller.Poller

	// cross-thread post queue, drained atomically each tick
	postMu sync.Mutex
	posted []*taskEntry

	// owning-thread-only state below
	timers       timerHeap
	watchTimeout watcherTimeoutHeap
	watchers     map[watcherKey]*watcherEntry
	seq          uint64

	wakeupR, wakeupW int // self-pipe, wakeupR registered with poll

	breaking       atomic.Bool
	allowInline    atomic.Bool
	onOwningThread func() bool // optional, set by Worker for AllowInlinePost checks
}

type watcherKey struct {
	fd   int
	mode poller.Mode
}

// New creates a Scheduler backed by a fresh platform Poller and an
// internal self-pipe used for cross-thread wakeups.
func New() (*Scheduler, error) {
	p, err := poller.NewPoller()
	if err != nil {
		return nil, err
	}

	fds := make([]int, 2)
	if err := syscall.Pipe2(fds, syscall.O_NONBLOCK|syscall.O_CLOEXEC); err != nil {
		p.Close()
		return nil, err
	}

	s := &Scheduler{
		poll:     p,
		watchers: make(map[watcherKey]*watcherEntry),
		wakeupR:  fds[0],
		wakeupW:  fds[1],
	}
	heap.Init(&s.timers)
	heap.Init(&s.watchTimeout)

	if err := s.poll.Add(s.wakeupR, poller.ModeRead); err != nil {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
		p.Close()
		return nil, err
	}

	return s, nil
}

// AllowInlinePost toggles the "post function" optimisation: when true,
// a task Execute()'d from the scheduler's own owning thread runs
// immediately instead of waiting for the next tick. Default is off,
// since it can violate the same-tick FIFO ordering guarantee.
func (s *Scheduler) AllowInlinePost(allow bool) {
	s.allowInline.Store(allow)
}

// SetOwningThreadCheck installs a predicate the scheduler can use to
// decide whether the calling goroutine is already on the owning OS
// thread, enabling the inline-post optimisation. Workers wire this from
// runtime.LockOSThread bookkeeping; it is optional.
func (s *Scheduler) SetOwningThreadCheck(fn func() bool) {
	s.onOwningThread = fn
}

// Execute posts task to run on the next tick (or immediately, if the
// inline-post optimisation is enabled and the caller is already on the
// owning thread). Safe to call from any thread.
func (s *Scheduler) Execute(task func()) Handle {
	if s.allowInline.Load() && s.onOwningThread != nil && s.onOwningThread() {
		task()
		return &taskHandle{task: &taskEntry{}}
	}

	e := &taskEntry{fn: task}
	s.postMu.Lock()
	s.posted = append(s.posted, e)
	s.postMu.Unlock()
	s.WakeupLoop()
	return &taskHandle{task: e}
}

// ExecuteAfter schedules task to run once, at least d from now.
func (s *Scheduler) ExecuteAfter(d time.Duration, task func()) Handle {
	return s.ExecuteAt(time.Now().Add(d), task)
}

// ExecuteAt schedules task to run once, no earlier than at.
func (s *Scheduler) ExecuteAt(at time.Time, task func()) Handle {
	s.postMu.Lock()
	s.seq++
	seq := s.seq
	s.postMu.Unlock()

	e := &timerEntry{deadline: at, seq: seq, task: task}

	// Timer insertion mutates the owning-thread-only heap; route it
	// through the post queue so cross-thread callers stay safe, same as
	// Execute.
	s.Execute(func() {
		heap.Push(&s.timers, e)
	})

	return &timerHandleImpl{t: e}
}

// ExecuteOnWakeup registers task to run the next time WakeupLoop is
// called (or Execute posts work), without requiring a specific fd or
// deadline. It is implemented as a one-shot Execute.
func (s *Scheduler) ExecuteOnWakeup(task func()) Handle {
	return s.Execute(task)
}

// ExecuteOnReadable arms a readable watch on fd. onReady runs when fd
// becomes readable; onTimeout runs if timeout elapses first (zero
// timeout means wait forever). Must be called from the owning thread.
// Returns ErrAlreadyWatchingOnResource if fd already has a live
// readable watcher.
func (s *Scheduler) ExecuteOnReadable(fd int, timeout time.Duration, onReady, onTimeout func()) (Handle, error) {
	return s.executeOnMode(fd, poller.ModeRead, timeout, onReady, onTimeout)
}

// ExecuteOnWritable arms a writable watch on fd, mirroring
// ExecuteOnReadable.
func (s *Scheduler) ExecuteOnWritable(fd int, timeout time.Duration, onReady, onTimeout func()) (Handle, error) {
	return s.executeOnMode(fd, poller.ModeWrite, timeout, onReady, onTimeout)
}

func (s *Scheduler) executeOnMode(fd int, mode poller.Mode, timeout time.Duration, onReady, onTimeout func()) (Handle, error) {
	key := watcherKey{fd: fd, mode: mode}
	if _, exists := s.watchers[key]; exists {
		return nil, ErrAlreadyWatchingOnResource
	}

	w := &watcherEntry{fd: fd, mode: mode, onReady: onReady, onTimeout: onTimeout, timeout: timeout, index: -1}
	if timeout > 0 {
		w.deadline = time.Now().Add(timeout)
		heap.Push(&s.watchTimeout, w)
	}
	s.watchers[key] = w

	if err := s.registerFd(fd, mode); err != nil {
		delete(s.watchers, key)
		return nil, err
	}

	return &watcherHandleImpl{w: w, sch: s}, nil
}

// removeWatcher drops w from the watchers map and timeout heap and
// unregisters it from the poller, unless it has already been handled
// (fired, or superseded by a newer registration for the same key). Only
// called on the owning thread, posted via Execute from
// watcherHandleImpl.Cancel so a cross-thread cancel still only ever
// touches this owning-thread-only state from the owning thread
// (RunLoopOnce's fire/timeout paths do the same removal inline).
func (s *Scheduler) removeWatcher(w *watcherEntry) {
	if w.fired {
		return
	}
	key := watcherKey{fd: w.fd, mode: w.mode}
	if cur, ok := s.watchers[key]; !ok || cur != w {
		return
	}
	w.fired = true
	delete(s.watchers, key)
	if w.timeout > 0 && w.index >= 0 {
		heap.Remove(&s.watchTimeout, w.index)
	}
	s.unregisterFd(w.fd, w.mode)
}

// unregisterFd drops mode's interest in fd from the poller, narrowing
// to Modify(fd, other) if the other mode is still watched rather than
// removing fd outright (mirrors registerFd's widen-on-Add/Modify
// symmetrically on the way out).
func (s *Scheduler) unregisterFd(fd int, mode poller.Mode) {
	other := poller.ModeWrite
	if mode == poller.ModeWrite {
		other = poller.ModeRead
	}
	if _, ok := s.watchers[watcherKey{fd: fd, mode: other}]; ok {
		if err := s.poll.Modify(fd, other); err != nil {
			logging.Warnf("scheduler", "modify fd %d: %v", fd, err)
		}
		return
	}
	s.poll.Remove(fd)
}

// registerFd adds or widens the poller registration for fd to include
// mode, preserving whichever other mode was already watched.
func (s *Scheduler) registerFd(fd int, mode poller.Mode) error {
	other := poller.ModeWrite
	if mode == poller.ModeWrite {
		other = poller.ModeRead
	}
	if _, ok := s.watchers[watcherKey{fd: fd, mode: other}]; ok {
		return s.poll.Modify(fd, mode|other)
	}
	return s.poll.Add(fd, mode)
}

// CancelFD cancels every live watcher on fd (both read and write) and
// unregisters it from the poller. Safe to call only from the owning
// thread; connections cancel their own fd's watchers from onClose.
func (s *Scheduler) CancelFD(fd int) {
	hadAny := false
	for _, mode := range [2]poller.Mode{poller.ModeRead, poller.ModeWrite} {
		key := watcherKey{fd: fd, mode: mode}
		if w, ok := s.watchers[key]; ok {
			w.cancel()
			delete(s.watchers, key)
			hadAny = true
		}
	}
	if hadAny {
		s.poll.Remove(fd)
	}
}

// BreakLoop causes the current or next RunLoop call to return after
// completing its current tick. Safe to call from any thread.
func (s *Scheduler) BreakLoop() {
	s.breaking.Store(true)
	s.WakeupLoop()
}

// WakeupLoop causes a blocked RunLoop/RunLoopOnce to return immediately
// and process any newly posted work. Safe to call from any thread.
func (s *Scheduler) WakeupLoop() {
	var b [1]byte
	syscall.Write(s.wakeupW, b[:])
}

// RunLoop drives the scheduler until BreakLoop is called.
func (s *Scheduler) RunLoop() {
	s.breaking.Store(false)
	for !s.breaking.Load() {
		s.RunLoopOnce()
	}
}

// RunLoopOnce runs exactly one tick: (a) refresh the clock, (b) collect
// expired timers and timed-out watchers, then wait in the poller until
// the next deadline, fd-readiness, or wakeup (without blocking when (b)
// already collected work), (c) collect fds whose watched interest
// fired, (d) atomically drain the cross-thread post queue, (e) execute
// everything collected, outside any lock.
func (s *Scheduler) RunLoopOnce() {
	now := time.Now() // (a)

	var due []func() // (b)+(c)+(d), run in (e)

	for s.timers.Len() > 0 && !s.timers[0].deadline.After(now) {
		t := heap.Pop(&s.timers).(*timerEntry)
		if t.cancelled.Load() {
			continue
		}
		due = append(due, t.task)
	}

	for s.watchTimeout.Len() > 0 && !s.watchTimeout[0].deadline.After(now) {
		w := heap.Pop(&s.watchTimeout).(*watcherEntry)
		if w.cancelled.Load() || w.fired {
			continue
		}
		w.fired = true
		delete(s.watchers, watcherKey{fd: w.fd, mode: w.mode})
		s.unregisterFd(w.fd, w.mode)
		if w.onTimeout != nil {
			due = append(due, w.onTimeout)
		}
	}

	timeoutMs := s.nextSleepMillis(now)
	if len(due) > 0 {
		timeoutMs = 0
	}
	events, err := s.poll.Wait(timeoutMs)
	if err != nil {
		logging.Warnf("scheduler", "poll wait error: %v", err)
	}

	for _, ev := range events {
		if ev.Fd == s.wakeupR {
			s.drainWakeupPipe()
			continue
		}
		for _, mode := range [2]poller.Mode{poller.ModeRead, poller.ModeWrite} {
			if ev.Mode&mode == 0 {
				continue
			}
			key := watcherKey{fd: ev.Fd, mode: mode}
			w, ok := s.watchers[key]
			if !ok || w.cancelled.Load() || w.fired {
				continue
			}
			w.fired = true
			delete(s.watchers, key)
			if w.timeout > 0 && w.index >= 0 {
				heap.Remove(&s.watchTimeout, w.index)
			}
			s.unregisterFd(w.fd, w.mode)
			if w.onReady != nil {
				due = append(due, w.onReady)
			}
		}
	}

	s.postMu.Lock()
	posted := s.posted
	s.posted = nil
	s.postMu.Unlock()
	for _, e := range posted {
		if e.cancelled.Load() || e.fn == nil {
			continue
		}
		due = append(due, e.fn)
	}

	for _, fn := range due {
		fn()
	}
}

func (s *Scheduler) nextSleepMillis(now time.Time) int {
	best := -1

	if s.timers.Len() > 0 {
		d := s.timers[0].deadline.Sub(now)
		best = millisFloor(d)
	}
	if s.watchTimeout.Len() > 0 {
		d := s.watchTimeout[0].deadline.Sub(now)
		m := millisFloor(d)
		if best < 0 || m < best {
			best = m
		}
	}

	if best < 0 {
		return -1 // block forever until fd readiness or wakeup
	}
	if best < 0 {
		best = 0
	}
	return best
}

func millisFloor(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d / time.Millisecond)
}

func (s *Scheduler) drainWakeupPipe() {
	var buf [64]byte
	for {
		n, err := syscall.Read(s.wakeupR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close releases the poller and self-pipe. The scheduler must not be
// used afterward.
func (s *Scheduler) Close() error {
	syscall.Close(s.wakeupR)
	syscall.Close(s.wakeupW)
	return s.poll.Close()
}
