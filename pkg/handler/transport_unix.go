//go:build linux || darwin || freebsd

package handler

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Available returns how many bytes can be read without blocking, as
// reported by FIONREAD. Bytes buffered inside TLS are not counted.
func (t *Transport) Available() int {
	sc, ok := t.raw.(syscall.Conn)
	if !ok {
		return 0
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return 0
	}

	n := 0
	_ = rc.Control(func(fd uintptr) {
		v, err := unix.IoctlGetInt(int(fd), fionread)
		if err == nil {
			n = v
		}
	})
	return n
}
