// Copyright (c) 2026, Feminos DAQ host project.
// See LICENSE.TXT in the root directory of this source tree.

// Package netcaps applies socket-level tuning that is not reachable
// through the standard net package: receive-buffer sizing on the UDP
// sockets used by the FEM proxies. No kernel-version check is made.
package netcaps

import (
	"fmt"
	"net"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"
)

// TuneRecvBuffer requests a kernel socket receive buffer of at least
// wantBytes on conn. Linux doubles the requested value for bookkeeping
// overhead (documented in socket(7)); callers should not assume the
// effective size matches wantBytes exactly.
func TuneRecvBuffer(conn *net.UDPConn, wantBytes int) error {
	fd := netfd.GetFdFromConn(conn)
	if fd < 0 {
		return fmt.Errorf("netcaps: could not extract file descriptor from connection")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, wantBytes); err != nil {
		return fmt.Errorf("netcaps: setsockopt SO_RCVBUF: %w", err)
	}
	return nil
}

// RecvBufferSize reads back the kernel's effective SO_RCVBUF value.
func RecvBufferSize(conn *net.UDPConn) (int, error) {
	fd := netfd.GetFdFromConn(conn)
	if fd < 0 {
		return 0, fmt.Errorf("netcaps: could not extract file descriptor from connection")
	}
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF)
	if err != nil {
		return 0, fmt.Errorf("netcaps: getsockopt SO_RCVBUF: %w", err)
	}
	return v, nil
}
