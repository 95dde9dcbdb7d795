package scheduler

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ironvane/httpd/core/poller"
)

// runUntil pumps RunLoopOnce until cond reports true or deadline elapses,
// failing the test in the latter case.
func runUntil(t *testing.T, s *Scheduler, deadline time.Duration, cond func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		s.RunLoopOnce()
		if cond() {
			return
		}
	}
	t.Fatalf("condition not met within %v", deadline)
}

func TestTimerOrder(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	var mu sync.Mutex
	var order []int
	record := func(n int) func() {
		return func() {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}
	}

	s.ExecuteAfter(30*time.Millisecond, record(2))
	s.ExecuteAfter(10*time.Millisecond, record(0))
	s.ExecuteAfter(20*time.Millisecond, record(1))

	runUntil(t, s, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	if order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("fired out of order: %v, want [0 1 2]", order)
	}
}

func TestWatchTimeoutBreaksIn(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	var ready, timedOut bool
	_, err = s.ExecuteOnReadable(int(r.Fd()), 50*time.Millisecond,
		func() { ready = true },
		func() { timedOut = true },
	)
	if err != nil {
		t.Fatalf("ExecuteOnReadable: %v", err)
	}

	start := time.Now()
	runUntil(t, s, time.Second, func() bool { return timedOut })
	if ready {
		t.Fatal("onReady fired, want only onTimeout since fd never became readable")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("timeout fired after %v, want ~50ms", elapsed)
	}
}

func TestDuplicateWatcherRejected(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	fd := int(r.Fd())
	if _, err := s.ExecuteOnReadable(fd, 0, func() {}, nil); err != nil {
		t.Fatalf("first ExecuteOnReadable: %v", err)
	}
	if _, err := s.ExecuteOnReadable(fd, 0, func() {}, nil); err != ErrAlreadyWatchingOnResource {
		t.Fatalf("second ExecuteOnReadable = %v, want ErrAlreadyWatchingOnResource", err)
	}
}

func TestCancelRemovesWatcher(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	fd := int(r.Fd())
	h, err := s.ExecuteOnReadable(fd, 0, func() {}, nil)
	if err != nil {
		t.Fatalf("ExecuteOnReadable: %v", err)
	}
	if err := h.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// Cancel posts removal through Execute; pump a tick so it is applied
	// on the owning thread before re-registering.
	runUntil(t, s, time.Second, func() bool {
		s.postMu.Lock()
		drained := len(s.posted) == 0
		s.postMu.Unlock()
		_, stillWatched := s.watchers[watcherKey{fd: fd, mode: poller.ModeRead}]
		return drained && !stillWatched
	})

	if _, err := s.ExecuteOnReadable(fd, 0, func() {}, nil); err != nil {
		t.Fatalf("re-register after cancel = %v, want nil (leak if ErrAlreadyWatchingOnResource)", err)
	}
}
