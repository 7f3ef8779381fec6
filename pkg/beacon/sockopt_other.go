//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package beacon

import "syscall"

// Only one receiver per host can bind the beacon port on these platforms.
func reuseControl(_, _ string, _ syscall.RawConn) error { return nil }

// The runtime already enables broadcast on datagram sockets.
func broadcastControl(_, _ string, _ syscall.RawConn) error { return nil }
