// Copyright 2026 The Graft Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Caller is the kernel-reported identity of a connecting peer. It
// cannot be forged by the client; the kernel fills it in from the
// connecting process's credentials at connect time.
type Caller struct {
	UID int
	GID int
	PID int
}

// IsRoot reports whether the caller runs as uid 0.
func (c Caller) IsRoot() bool { return c.UID == 0 }

// peerCredentials reads SO_PEERCRED from a connected Unix socket.
func peerCredentials(conn *net.UnixConn) (Caller, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Caller{}, fmt.Errorf("accessing socket: %w", err)
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return Caller{}, fmt.Errorf("reading peer credentials: %w", err)
	}
	if credErr != nil {
		return Caller{}, fmt.Errorf("reading peer credentials: %w", credErr)
	}
	return Caller{
		UID: int(cred.Uid),
		GID: int(cred.Gid),
		PID: int(cred.Pid),
	}, nil
}
