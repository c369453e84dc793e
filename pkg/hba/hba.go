// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hba defines the opaque Host Bus Adapter transport interface
// consumed by the session and login layers. It is the only boundary
// the core protocol engine crosses to reach the network: the core
// never assumes in-process vs. cross-process implementation, and
// never touches sockets directly once a handle exists.
package hba

import (
	"errors"
	"net"

	"github.com/go-iscsi/initiator/pkg/pdu"
)

// SessionID is the 16-bit identifier of an iSCSI session allocated by
// the HBA. SessionIDNone marks "no session".
type SessionID uint16

// ConnectionID is the 32-bit identifier of a connection within a
// session. ConnectionIDNone marks "no connection".
type ConnectionID uint32

const (
	SessionIDNone    SessionID    = 0xffff
	ConnectionIDNone ConnectionID = 0xffffffff
)

var (
	ErrResourceExhausted = errors.New("hba: resource exhausted")
	ErrBadAddress        = errors.New("hba: bad address")
	ErrBadHandle         = errors.New("hba: bad session or connection handle")
	ErrTransport         = errors.New("hba: transport error")
	ErrShortRead         = errors.New("hba: short read")
)

// Portal is a reachable {address, port, interface} triple for a target.
type Portal struct {
	Address   string // IPv4/IPv6/DNS
	Port      uint16
	Interface string // host interface name, empty for default
}

func (p Portal) String() string {
	if p.Port == 0 {
		return p.Address
	}
	return net.JoinHostPort(p.Address, portString(p.Port))
}

func portString(p uint16) string {
	const digits = "0123456789"
	if p == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = digits[p%10]
		p /= 10
	}
	return string(buf[i:])
}

// SessionParamCode identifies a session-wide parameter stored in the HBA.
type SessionParamCode int

const (
	ParamMaxConnections SessionParamCode = iota
	ParamInitialR2T
	ParamImmediateData
	ParamMaxBurstLength
	ParamFirstBurstLength
	ParamMaxOutstandingR2T
	ParamDataPDUInOrder
	ParamDataSequenceInOrder
	ParamDefaultTime2Wait
	ParamDefaultTime2Retain
	ParamErrorRecoveryLevel
	ParamTargetSessionID
	ParamTargetPortalGroupTag
)

// ConnectionParamCode identifies a connection-wide parameter stored in the HBA.
type ConnectionParamCode int

const (
	ParamUseHeaderDigest ConnectionParamCode = iota
	ParamUseDataDigest
	ParamMaxSendDataSegmentLength
	ParamMaxRecvDataSegmentLength
	ParamInitialExpStatSN
)

// NotificationKind distinguishes the three async notifications the HBA
// may push (spec.md §4.2).
type NotificationKind int

const (
	NotificationAsyncMessage NotificationKind = iota
	NotificationTimeout
	NotificationTerminate
)

// Notification is a single async push from the HBA to the Session
// Manager, delivered on the caller-registered scheduling channel.
type Notification struct {
	Kind       NotificationKind
	Session    SessionID
	Connection ConnectionID
	AsyncEvent AsyncEvent
	LUN        [8]byte
}

// AsyncEvent is the target-originated event code carried by an
// AsyncMessage notification (RFC 3720 §10.9.2).
type AsyncEvent int

const (
	AsyncEventParamsRequested AsyncEvent = iota
	AsyncEventRequestLogout
	AsyncEventDropConnection
	AsyncEventDropAllConnections
	AsyncEventRenegotiateParameters
	AsyncEventSCSIAsyncMessage
)

// Interface is the contract the core protocol engine consumes to
// allocate sessions/connections, send/receive PDUs, and exchange
// parameters with the in-kernel (or simulated) HBA. Every operation is
// fallible; the core never assumes any operation always succeeds.
type Interface interface {
	CreateSession(targetName string, portal Portal) (SessionID, ConnectionID, error)
	ReleaseSession(sid SessionID) error
	CreateConnection(sid SessionID, portal Portal) (ConnectionID, error)
	ReleaseConnection(sid SessionID, cid ConnectionID) error

	ActivateConnection(sid SessionID, cid ConnectionID) error
	DeactivateConnection(sid SessionID, cid ConnectionID) error
	ActivateAll(sid SessionID) error
	DeactivateAll(sid SessionID) error

	Send(sid SessionID, cid ConnectionID, h *pdu.BHS, data []byte) error
	Receive(sid SessionID, cid ConnectionID) (*pdu.BHS, []byte, error)

	SetSessionParameter(sid SessionID, code SessionParamCode, value uint32) error
	GetSessionParameter(sid SessionID, code SessionParamCode) (uint32, error)
	SetConnectionParameter(sid SessionID, cid ConnectionID, code ConnectionParamCode, value uint32) error
	GetConnectionParameter(sid SessionID, cid ConnectionID, code ConnectionParamCode) (uint32, error)

	EnumerateSessions() ([]SessionID, error)
	EnumerateConnections(sid SessionID) ([]ConnectionID, error)
	LookupSessionByTargetName(name string) (SessionID, bool, error)
	LookupSessionByPortal(p Portal) (SessionID, bool, error)

	// Notifications returns a channel the caller drains on its own
	// scheduling loop; the channel is closed when the HBA handle is closed.
	Notifications() <-chan Notification

	Close() error
}
