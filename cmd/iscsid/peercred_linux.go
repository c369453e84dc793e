// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package main

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerIsPrivileged resolves a Unix domain socket connection's peer
// credentials via SO_PEERCRED and reports whether the connecting
// process may perform mutating IPC calls: only a peer running as
// uid 0 (root) is privileged; the peer's group is not consulted.
func peerIsPrivileged(conn net.Conn) bool {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return false
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return false
	}
	var cred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil || sockErr != nil || cred == nil {
		return false
	}
	return cred.Uid == 0
}
