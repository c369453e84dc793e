// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package main

import "net"

// peerIsPrivileged has no SO_PEERCRED equivalent wired on non-Linux
// build targets; every connection is treated as unprivileged rather
// than silently granting rights this build can't actually verify.
func peerIsPrivileged(conn net.Conn) bool {
	return false
}
