// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/go-iscsi/initiator/internal/ipc"
)

// client is a connection to iscsid's control socket. Requests are
// synchronous request/response pairs, matching the socket's one
// outstanding request per connection contract (cmd/iscsid's
// serveConn reads one frame, replies, then reads the next).
type client struct {
	conn net.Conn
}

func dial(path string) (*client, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", path, err)
	}
	return &client{conn: conn}, nil
}

func (c *client) Close() error {
	return c.conn.Close()
}

// call sends req and waits for iscsid's response, applying the same
// 4-byte-length-prefixed outer framing cmd/iscsid's serveConn expects
// around an internal/ipc frame.
func (c *client) call(req ipc.Request) (ipc.Response, error) {
	wire, err := ipc.Encode(req)
	if err != nil {
		return ipc.Response{}, err
	}
	if err := writeFrame(c.conn, wire); err != nil {
		return ipc.Response{}, fmt.Errorf("send request: %w", err)
	}
	frame, err := readFrame(c.conn)
	if err != nil {
		return ipc.Response{}, fmt.Errorf("read response: %w", err)
	}
	return ipc.DecodeResponse(frame)
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
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

// errorFromResponse turns a non-success ipc.Response into an error
// iscsictl's command Run methods can return to kong.
func errorFromResponse(resp ipc.Response) error {
	if resp.Err == ipc.Success {
		return nil
	}
	return fmt.Errorf("%s failed: error code %d", resp.Func, resp.Err)
}
