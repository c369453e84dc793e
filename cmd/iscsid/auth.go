// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"github.com/go-iscsi/initiator/internal/ipc"
)

// authTokenPrivileged/authTokenNone are the only two authorization
// blob values serveConn ever hands to the Daemon: spec.md §6 leaves
// the blob's contents implementation-defined, and real deployments
// gate mutating funcCodes on the calling process's Unix credentials
// (checked once per connection via peerIsPrivileged, see
// peercred_linux.go) rather than anything the client itself claims.
// A client cannot forge authTokenPrivileged because serveConn
// overwrites whatever auth blob the client sent before it ever reaches
// localSocketAuthorize.
var (
	authTokenPrivileged = []byte("peer:privileged")
	authTokenNone       []byte
)

// localSocketAuthorize grants every right to a connection whose peer
// credentials were resolved as privileged, and none otherwise.
func localSocketAuthorize(blob []byte) ipc.Right {
	if string(blob) == string(authTokenPrivileged) {
		return ipc.RightLogin | ipc.RightModify
	}
	return 0
}
