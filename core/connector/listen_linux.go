//go:build linux

package connector

import "syscall"

// tcpDeferAccept is Linux's TCP_DEFER_ACCEPT socket option number.
const tcpDeferAccept = 9

func applyDeferAccept(fd int) {
	syscall.SetsockoptInt(fd, syscall.IPPROTO_TCP, tcpDeferAccept, 1)
}

func applyReusePort(fd int) error {
	return syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, 0x0F /* SO_REUSEPORT */, 1)
}
