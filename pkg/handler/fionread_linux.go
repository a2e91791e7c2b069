//go:build linux

package handler

import "golang.org/x/sys/unix"

// fionread is the FIONREAD ioctl; x/sys/unix exposes it as SIOCINQ on Linux.
const fionread = unix.SIOCINQ
