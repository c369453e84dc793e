// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ipc implements the daemon's local client protocol (spec.md
// §6): a length-prefixed frame codec carrying a fixed funcCode, an
// opaque authorization blob, variable-length string fields, and an
// opaque payload blob. It deliberately does not use connectrpc/
// protobuf (see DESIGN.md) -- the literal wire shape spec.md §4.8/§6
// describes is a funcCode-plus-blobs frame over a local datagram
// socket, not an RPC stack.
//
// Framing mirrors pkg/pdu's big-endian, explicit-length style (a BHS
// fixed header followed by a length-declared segment) generalized
// from one fixed 48-byte header to this protocol's smaller
// funcCode+rights header.
package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// FuncCode identifies one daemon operation (spec.md §4.8's recognised
// funcCodes).
type FuncCode uint8

const (
	FuncLogin FuncCode = iota + 1
	FuncLogout
	FuncCreateArrayOfActiveTargets
	FuncCreateArrayOfActivePortalsForTarget
	FuncIsTargetActive
	FuncIsPortalActive
	FuncQueryTargetForAuthMethod
	FuncCreateCFPropertiesForSession
	FuncCreateCFPropertiesForConnection
	FuncUpdateDiscovery
	FuncPreferencesIOLockAndSync
	FuncPreferencesIOUnlockAndSync
	FuncSetSharedSecret
	FuncRemoveSharedSecret
)

func (f FuncCode) String() string {
	switch f {
	case FuncLogin:
		return "Login"
	case FuncLogout:
		return "Logout"
	case FuncCreateArrayOfActiveTargets:
		return "CreateArrayOfActiveTargets"
	case FuncCreateArrayOfActivePortalsForTarget:
		return "CreateArrayOfActivePortalsForTarget"
	case FuncIsTargetActive:
		return "IsTargetActive"
	case FuncIsPortalActive:
		return "IsPortalActive"
	case FuncQueryTargetForAuthMethod:
		return "QueryTargetForAuthMethod"
	case FuncCreateCFPropertiesForSession:
		return "CreateCFPropertiesForSession"
	case FuncCreateCFPropertiesForConnection:
		return "CreateCFPropertiesForConnection"
	case FuncUpdateDiscovery:
		return "UpdateDiscovery"
	case FuncPreferencesIOLockAndSync:
		return "PreferencesIOLockAndSync"
	case FuncPreferencesIOUnlockAndSync:
		return "PreferencesIOUnlockAndSync"
	case FuncSetSharedSecret:
		return "SetSharedSecret"
	case FuncRemoveSharedSecret:
		return "RemoveSharedSecret"
	}
	return "<Unknown>"
}

// Right is the authorization bitmask spec.md §6 names: "login" and
// "modify".
type Right uint8

const (
	RightLogin Right = 1 << iota
	RightModify
)

// Allows reports whether granted carries every bit of required.
func (granted Right) Allows(required Right) bool {
	return granted&required == required
}

// RequiredRight returns the authorization right a funcCode demands.
// Read-only queries (enumeration, IsTargetActive/IsPortalActive,
// QueryTargetForAuthMethod) require no right at all; Login/Logout
// require RightLogin; preferences and credential mutation require
// RightModify.
func RequiredRight(f FuncCode) Right {
	switch f {
	case FuncLogin, FuncLogout:
		return RightLogin
	case FuncUpdateDiscovery, FuncPreferencesIOLockAndSync, FuncPreferencesIOUnlockAndSync,
		FuncSetSharedSecret, FuncRemoveSharedSecret:
		return RightModify
	default:
		return 0
	}
}

var (
	ErrTruncated  = errors.New("ipc: frame truncated")
	ErrOversized  = errors.New("ipc: field exceeds implementation limit")
	ErrEmptyFrame = errors.New("ipc: empty frame")
)

// maxFieldLen bounds a single field/blob to guard against a
// malformed or hostile peer forcing an unbounded allocation.
const maxFieldLen = 16 << 20 // 16 MiB

// Request is one client -> daemon command (spec.md §6): a funcCode,
// an opaque authorization blob (required for mutating funcCodes), an
// ordered list of string fields (target names, portal strings, and
// the like), and an opaque payload blob (e.g. a CHAP secret for
// SetSharedSecret).
type Request struct {
	Func   FuncCode
	Auth   []byte
	Fields []string
	Blob   []byte
}

// Encode serialises r into the wire frame: 1-byte funcCode, a
// 4-byte-length-prefixed auth blob, a 2-byte field count followed by
// 4-byte-length-prefixed fields, and a 4-byte-length-prefixed payload
// blob.
func Encode(r Request) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(r.Func))

	if err := writeBlob(&buf, r.Auth); err != nil {
		return nil, err
	}

	if len(r.Fields) > 0xffff {
		return nil, fmt.Errorf("ipc: %w: %d fields", ErrOversized, len(r.Fields))
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(r.Fields))); err != nil {
		return nil, err
	}
	for _, f := range r.Fields {
		if err := writeBlob(&buf, []byte(f)); err != nil {
			return nil, err
		}
	}

	if err := writeBlob(&buf, r.Blob); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a wire frame produced by Encode back into a Request.
func Decode(data []byte) (Request, error) {
	if len(data) == 0 {
		return Request{}, ErrEmptyFrame
	}
	r := bytes.NewReader(data)

	funcByte, err := r.ReadByte()
	if err != nil {
		return Request{}, fmt.Errorf("%w: func code", ErrTruncated)
	}

	auth, err := readBlob(r)
	if err != nil {
		return Request{}, fmt.Errorf("auth blob: %w", err)
	}

	var nfields uint16
	if err := binary.Read(r, binary.BigEndian, &nfields); err != nil {
		return Request{}, fmt.Errorf("%w: field count", ErrTruncated)
	}
	fields := make([]string, 0, nfields)
	for i := uint16(0); i < nfields; i++ {
		f, err := readBlob(r)
		if err != nil {
			return Request{}, fmt.Errorf("field %d: %w", i, err)
		}
		fields = append(fields, string(f))
	}

	blob, err := readBlob(r)
	if err != nil {
		return Request{}, fmt.Errorf("payload blob: %w", err)
	}

	return Request{Func: FuncCode(funcByte), Auth: auth, Fields: fields, Blob: blob}, nil
}

// ErrorCode is the errno-style code every Response carries (spec.md §7).
type ErrorCode int32

const (
	Success ErrorCode = 0
)

// Response is one daemon -> client reply (spec.md §6): a funcCode
// echo, an errno-style ErrorCode, an opcode-specific status/length
// word, and an optional serialized payload (e.g. a property-list
// style blob for CreateCFPropertiesFor*).
type Response struct {
	Func    FuncCode
	Err     ErrorCode
	Status  uint32
	Payload []byte
}

// EncodeResponse serialises a Response: 1-byte funcCode, 4-byte
// ErrorCode, 4-byte Status, 4-byte-length-prefixed Payload.
func EncodeResponse(resp Response) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(resp.Func))
	if err := binary.Write(&buf, binary.BigEndian, int32(resp.Err)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, resp.Status); err != nil {
		return nil, err
	}
	if err := writeBlob(&buf, resp.Payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeResponse parses a wire frame produced by EncodeResponse.
func DecodeResponse(data []byte) (Response, error) {
	if len(data) == 0 {
		return Response{}, ErrEmptyFrame
	}
	r := bytes.NewReader(data)

	funcByte, err := r.ReadByte()
	if err != nil {
		return Response{}, fmt.Errorf("%w: func code", ErrTruncated)
	}
	var errCode int32
	if err := binary.Read(r, binary.BigEndian, &errCode); err != nil {
		return Response{}, fmt.Errorf("%w: error code", ErrTruncated)
	}
	var status uint32
	if err := binary.Read(r, binary.BigEndian, &status); err != nil {
		return Response{}, fmt.Errorf("%w: status", ErrTruncated)
	}
	payload, err := readBlob(r)
	if err != nil {
		return Response{}, fmt.Errorf("payload: %w", err)
	}
	return Response{Func: FuncCode(funcByte), Err: ErrorCode(errCode), Status: status, Payload: payload}, nil
}

func writeBlob(buf *bytes.Buffer, b []byte) error {
	if len(b) > maxFieldLen {
		return fmt.Errorf("%w: %d bytes", ErrOversized, len(b))
	}
	if err := binary.Write(buf, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

func readBlob(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: length", ErrTruncated)
	}
	if n > maxFieldLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversized, n)
	}
	b := make([]byte, n)
	if _, err := readFull(r, b); err != nil {
		return nil, fmt.Errorf("%w: body", ErrTruncated)
	}
	return b, nil
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := r.Read(b[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, ErrTruncated
		}
	}
	return total, nil
}
