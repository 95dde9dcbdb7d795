package connector

import (
	"net"
	"syscall"
)

// listenTCP binds and listens on addr (host:port), applying the
// socket options Config names, and returns the raw non-blocking
// listening fd (no net.Listener is created: the socket is set up with
// raw syscalls so the Connector drives accept() itself off the
// Scheduler, not net's own poller).
func listenTCP(addr string, cfg Config) (int, error) {
	laddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, err
	}

	domain := syscall.AF_INET
	if laddr.IP != nil && laddr.IP.To4() == nil {
		domain = syscall.AF_INET6
	}

	fd, err := syscall.Socket(domain, syscall.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}

	if cfg.ReuseAddr {
		syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	}
	if cfg.ReusePort {
		if err := applyReusePort(fd); err != nil {
			syscall.Close(fd)
			return -1, err
		}
	}

	sa, err := sockaddr(laddr, domain)
	if err != nil {
		syscall.Close(fd)
		return -1, err
	}
	if err := syscall.Bind(fd, sa); err != nil {
		syscall.Close(fd)
		return -1, err
	}

	backlog := cfg.Backlog
	if backlog <= 0 {
		backlog = 128
	}
	if err := syscall.Listen(fd, backlog); err != nil {
		syscall.Close(fd)
		return -1, err
	}

	if cfg.DeferAccept {
		applyDeferAccept(fd)
	}
	if err := syscall.SetNonblock(fd, true); err != nil {
		syscall.Close(fd)
		return -1, err
	}

	return fd, nil
}

func sockaddr(addr *net.TCPAddr, domain int) (syscall.Sockaddr, error) {
	if domain == syscall.AF_INET6 {
		sa := &syscall.SockaddrInet6{Port: addr.Port}
		if addr.IP != nil {
			copy(sa.Addr[:], addr.IP.To16())
		}
		return sa, nil
	}
	sa := &syscall.SockaddrInet4{Port: addr.Port}
	if addr.IP != nil {
		copy(sa.Addr[:], addr.IP.To4())
	}
	return sa, nil
}
