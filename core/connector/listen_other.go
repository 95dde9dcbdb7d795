//go:build !linux

package connector

func applyDeferAccept(fd int) {}

func applyReusePort(fd int) error { return nil }
