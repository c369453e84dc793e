// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/go-iscsi/initiator/internal/daemon"
	"github.com/go-iscsi/initiator/internal/ipc"
)

// maxFrameLen bounds one client frame, matching internal/ipc's own
// per-field 16 MiB ceiling so a hostile or buggy peer can't force an
// unbounded read.
const maxFrameLen = 16 << 20

// listenUnix binds the client-facing Unix domain socket described by
// spec.md §6, removing any stale socket file left by a prior crash.
func listenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("iscsid: remove stale socket %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("iscsid: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0660); err != nil {
		ln.Close()
		return nil, fmt.Errorf("iscsid: chmod %s: %w", path, err)
	}
	return ln, nil
}

// serveIPC accepts client connections until ctx is cancelled. Each
// connection is served on its own goroutine and identified to the
// Daemon by a per-connection ID (used for PreferencesIOLock/Unlock
// pairing, SPEC_FULL.md §9 decision 2).
func serveIPC(ctx context.Context, ln net.Listener, d *daemon.Daemon, logger *log.Logger) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var nextConn uint64
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.WithError(err).Warn("accept failed")
				return
			}
		}
		nextConn++
		connID := fmt.Sprintf("conn-%d", nextConn)
		privileged := peerIsPrivileged(conn)
		go serveConn(ctx, connID, conn, privileged, d, logger)
	}
}

func serveConn(ctx context.Context, connID string, conn net.Conn, privileged bool, d *daemon.Daemon, logger *log.Logger) {
	defer conn.Close()
	defer d.DisconnectClient(connID)

	for {
		frame, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				logger.WithError(err).WithField("conn", connID).Debug("ipc read failed")
			}
			return
		}

		req, err := ipc.Decode(frame)
		if err != nil {
			logger.WithError(err).WithField("conn", connID).Warn("malformed request")
			return
		}

		// The daemon never trusts a client-supplied auth blob; the
		// connection's own Unix peer credentials are the only
		// evidence localSocketAuthorize is allowed to act on.
		if privileged {
			req.Auth = authTokenPrivileged
		} else {
			req.Auth = authTokenNone
		}

		resp := d.HandleRequest(ctx, connID, req)
		out, err := ipc.EncodeResponse(resp)
		if err != nil {
			logger.WithError(err).WithField("conn", connID).Warn("failed to encode response")
			return
		}
		if err := writeFrame(conn, out); err != nil {
			logger.WithError(err).WithField("conn", connID).Debug("ipc write failed")
			return
		}
	}
}

// readFrame reads one 4-byte-length-prefixed frame, the outer framing
// internal/ipc's own Encode/Decode leave to the transport (the same
// split pkg/pdu draws between BHS framing and the socket that carries
// it).
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameLen {
		return nil, fmt.Errorf("iscsid: frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, frame []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}
