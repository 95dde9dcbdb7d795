//go:build linux
// +build linux

package poller

import (
	"syscall"
)

// EpollPoller is an epoll-based I/O multiplexer.
type EpollPoller struct {
	epfd   int
	events []syscall.EpollEvent
}

// NewPoller creates a new Poller (Linux).
func NewPoller() (Poller, error) {
	epfd, err := syscall.EpollCreate1(0)
	if err != nil {
		return nil, err
	}

	return &EpollPoller{
		epfd:   epfd,
		events: make([]syscall.EpollEvent, 1024),
	}, nil
}

func epollEvents(mode Mode) uint32 {
	var ev uint32 = syscall.EPOLLRDHUP
	if mode&ModeRead != 0 {
		ev |= syscall.EPOLLIN
	}
	if mode&ModeWrite != 0 {
		ev |= syscall.EPOLLOUT
	}
	return ev
}

// Add adds a file descriptor to the watch list for the given mode(s).
// Level-triggered (no EPOLLET) so a short read never loses a pending
// byte between Wait calls.
func (p *EpollPoller) Add(fd int, mode Mode) error {
	ev := syscall.EpollEvent{
		Events: epollEvents(mode),
		Fd:     int32(fd),
	}
	return syscall.EpollCtl(p.epfd, syscall.EPOLL_CTL_ADD, fd, &ev)
}

// Modify changes the watched interest for fd.
func (p *EpollPoller) Modify(fd int, mode Mode) error {
	ev := syscall.EpollEvent{
		Events: epollEvents(mode),
		Fd:     int32(fd),
	}
	return syscall.EpollCtl(p.epfd, syscall.EPOLL_CTL_MOD, fd, &ev)
}

// Remove removes a file descriptor from the watch list.
func (p *EpollPoller) Remove(fd int) error {
	return syscall.EpollCtl(p.epfd, syscall.EPOLL_CTL_DEL, fd, nil)
}

// Wait waits for I/O events.
func (p *EpollPoller) Wait(timeout int) ([]Event, error) {
	n, err := syscall.EpollWait(p.epfd, p.events, timeout)
	if err != nil && err != syscall.EINTR {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		raw := p.events[i]
		var m Mode
		if raw.Events&(syscall.EPOLLIN|syscall.EPOLLRDHUP|syscall.EPOLLHUP|syscall.EPOLLERR) != 0 {
			m |= ModeRead
		}
		if raw.Events&(syscall.EPOLLOUT|syscall.EPOLLHUP|syscall.EPOLLERR) != 0 {
			m |= ModeWrite
		}
		out = append(out, Event{Fd: int(raw.Fd), Mode: m})
	}

	return out, nil
}

// Close closes the Poller.
func (p *EpollPoller) Close() error {
	return syscall.Close(p.epfd)
}

// SetNonblock sets non-blocking mode.
func SetNonblock(fd int) error {
	return syscall.SetNonblock(fd, true)
}
