// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package session implements the iSCSI session lifecycle: leading
// login, additional-connection login, logout, and SendTargets
// discovery, grounded on the teacher's ControlSession.NewSession/
// Session.Close in pkg/core/session.go (leading login mirrors
// NewSession's handshake-then-record-state shape; logout mirrors
// Close's send-then-drain-retry loop waiting for a terminal response).
package session

import (
	"github.com/go-iscsi/initiator/pkg/hba"
)

// AuthKind distinguishes the two Auth variants from spec.md §3.
type AuthKind int

const (
	AuthNone AuthKind = iota
	AuthCHAP
)

// Auth is the tagged {None, CHAP{name, secret}} variant from spec.md
// §3. Each side of a login carries its own Auth value.
type Auth struct {
	Kind   AuthKind
	Name   string
	Secret []byte
}

// SessionConfig is the caller-supplied, per-session configuration
// from spec.md §3.
type SessionConfig struct {
	MaxConnections     uint32
	ErrorRecoveryLevel uint32
}

// ConnectionConfig is the caller-supplied, per-connection
// configuration from spec.md §3.
type ConnectionConfig struct {
	HeaderDigest string // "None" or "CRC32C"
	DataDigest   string
}

// SessionParameters are the negotiated, per-session values recorded
// after operational negotiation, per spec.md §3.
type SessionParameters struct {
	MaxConnections      uint32
	InitialR2T          bool
	ImmediateData       bool
	MaxBurstLength       uint32
	FirstBurstLength     uint32
	MaxOutstandingR2T   uint32
	DataPDUInOrder      bool
	DataSequenceInOrder bool
	DefaultTime2Wait    uint32
	DefaultTime2Retain  uint32
	ErrorRecoveryLevel  uint32
	TSIH                uint16
	TPGT                uint16
}

// ConnectionParameters are the negotiated, per-connection values
// recorded after operational negotiation, per spec.md §3.
type ConnectionParameters struct {
	MaxRecvDataSegmentLength uint32
	MaxSendDataSegmentLength uint32
	UseHeaderDigest          string
	UseDataDigest            string
	InitialExpStatSN         uint32
}

// Target identifies the remote node a session logs into.
type Target struct {
	Name  string
	Alias string
}

// DiscoveryRecord is the reassembled SendTargets result: TargetName ->
// TPGT -> ordered Portals, per spec.md §3.
type DiscoveryRecord map[string]map[string][]hba.Portal

// NodeRecord is the unit the preferences store and auto-login queue
// operate on (SPEC_FULL.md §3's supplement over the distilled spec's
// bare "preferences store" mention): a target bound to one portal,
// with its session/connection configuration and both sides' auth.
type NodeRecord struct {
	Target           Target
	Portal           hba.Portal
	SessionConfig    SessionConfig
	ConnectionConfig ConnectionConfig
	InitiatorAuth    Auth
	TargetAuth       Auth

	// AutoLogin mirrors the preferences store's auto-login flag.
	AutoLogin bool
	// FromDiscoveryPortal is empty for statically configured targets,
	// or the discovery portal string that produced this record.
	FromDiscoveryPortal string
}

// Handle identifies one live session: its HBA handle, the target it
// belongs to, and the ISID used for its logins.
type Handle struct {
	SID    hba.SessionID
	Target Target
	ISID   [6]byte
}
