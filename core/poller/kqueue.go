//go:build darwin
// +build darwin

package poller

import (
	"syscall"
)

// KqueuePoller is a kqueue-based I/O multiplexer
type KqueuePoller struct {
	kqfd   int
	events []syscall.Kevent_t
}

// NewPoller creates a new Poller (macOS)
func NewPoller() (Poller, error) {
	kqfd, err := syscall.Kqueue()
	if err != nil {
		return nil, err
	}

	return &KqueuePoller{
		kqfd:   kqfd,
		events: make([]syscall.Kevent_t, 1024),
	}, nil
}

func (p *KqueuePoller) changeList(mode Mode, fd int, flags uint16) []syscall.Kevent_t {
	var changes []syscall.Kevent_t
	if mode&ModeRead != 0 {
		changes = append(changes, syscall.Kevent_t{Ident: uint64(fd), Filter: syscall.EVFILT_READ, Flags: flags})
	}
	if mode&ModeWrite != 0 {
		changes = append(changes, syscall.Kevent_t{Ident: uint64(fd), Filter: syscall.EVFILT_WRITE, Flags: flags})
	}
	return changes
}

// Add registers fd for the given interest mode(s). Level-triggered
// (default) for reliability; EV_CLEAR (edge-triggered) can miss events
// if not handled carefully.
func (p *KqueuePoller) Add(fd int, mode Mode) error {
	changes := p.changeList(mode, fd, syscall.EV_ADD|syscall.EV_ENABLE)
	_, err := syscall.Kevent(p.kqfd, changes, nil, nil)
	return err
}

// Modify rewrites fd's watched interest by clearing both filters and
// re-adding the ones currently wanted.
func (p *KqueuePoller) Modify(fd int, mode Mode) error {
	del := p.changeList(ModeRead|ModeWrite, fd, syscall.EV_DELETE)
	syscall.Kevent(p.kqfd, del, nil, nil)
	return p.Add(fd, mode)
}

// Remove removes a file descriptor from the watch list
func (p *KqueuePoller) Remove(fd int) error {
	changes := p.changeList(ModeRead|ModeWrite, fd, syscall.EV_DELETE)
	_, err := syscall.Kevent(p.kqfd, changes, nil, nil)
	return err
}

// Wait waits for I/O events
func (p *KqueuePoller) Wait(timeout int) ([]Event, error) {
	var ts *syscall.Timespec
	if timeout >= 0 {
		ts = &syscall.Timespec{
			Sec:  int64(timeout / 1000),
			Nsec: int64((timeout % 1000) * 1000000),
		}
	}

	n, err := syscall.Kevent(p.kqfd, nil, p.events, ts)
	if err != nil && err != syscall.EINTR {
		return nil, err
	}

	// Handle negative or zero n
	if n <= 0 {
		return nil, nil
	}

	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		ev := p.events[i]
		m := ModeRead
		if ev.Filter == syscall.EVFILT_WRITE {
			m = ModeWrite
		}
		out = append(out, Event{Fd: int(ev.Ident), Mode: m})
	}

	return out, nil
}

// Close closes the Poller
func (p *KqueuePoller) Close() error {
	return syscall.Close(p.kqfd)
}

// SetNonblock sets non-blocking mode
func SetNonblock(fd int) error {
	return syscall.SetNonblock(fd, true)
}
