// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"errors"
	"math/rand"
	"time"

	"github.com/go-iscsi/initiator/pkg/auth"
	"github.com/go-iscsi/initiator/pkg/hba"
	"github.com/go-iscsi/initiator/pkg/login"
	"github.com/go-iscsi/initiator/pkg/negotiate"
	"github.com/go-iscsi/initiator/pkg/pdu"
)

var (
	ErrTPGTMismatch = errors.New("session: target portal group tag mismatch on connection login")
	ErrTooManyConns = errors.New("session: session already has MaxConnections connections")
	ErrLogoutFailed = errors.New("session: target reported a logout failure")
)

// isidRand mirrors the teacher's package-level sessionRand in
// pkg/core/session.go: a single seeded source used to generate
// identifying bytes that need only be unique, not unpredictable.
var isidRand *rand.Rand

func init() {
	isidRand = rand.New(rand.NewSource(time.Now().UTC().UnixNano()))
}

func newISID() [6]byte {
	var isid [6]byte
	isidRand.Read(isid[:])
	// Per RFC 3720 §10.12.5, the top two bits select the ISID format;
	// 0b00 ("OUI format") with the remaining bits don't-cared is fine
	// for a locally-unique initiator value.
	isid[0] &= 0x3f
	return isid
}

func authConfig(name string, initiator, target Auth) auth.Config {
	cfg := auth.Config{InitiatorUser: name}
	if initiator.Kind == AuthCHAP {
		cfg.InitiatorSecret = initiator.Secret
		if name == "" {
			cfg.InitiatorUser = initiator.Name
		}
	}
	if target.Kind == AuthCHAP {
		cfg.TargetSecret = target.Secret
	}
	return cfg
}

// Result is the outcome of a successful leading login or
// add-connection login.
type Result struct {
	Handle   Handle
	CID      hba.ConnectionID
	Session  SessionParameters
	Conn     ConnectionParameters
	Engine   *login.Engine
}

// LeadingLogin performs spec.md §4.6's leading-login sequence: create
// a session+connection through the HBA, authenticate, negotiate
// session and connection parameters, and (unless this is a discovery
// session, per invariant I6) activate the connection.
func LeadingLogin(h hba.Interface, initiatorName string, target Target, portal hba.Portal, initiatorAuth, targetAuth Auth, sessCfg SessionConfig, connCfg ConnectionConfig, isDiscovery bool) (Result, error) {
	sid, cid, err := h.CreateSession(target.Name, portal)
	if err != nil {
		return Result{}, err
	}
	isid := newISID()
	engine := login.NewEngine(h, sid, cid, isid)

	if err := negotiateSecurity(engine, initiatorName, initiatorAuth, targetAuth); err != nil {
		h.ReleaseSession(sid)
		return Result{}, err
	}

	proposal := buildProposal(sessCfg, connCfg)
	resp, err := engine.Transition(pdu.StageOperationalNegotiation, pdu.StageFullFeature, proposal.Propose())
	if err != nil {
		h.ReleaseSession(sid)
		return Result{}, err
	}
	reconciled, err := negotiate.Reconcile(proposal.Propose(), resp.Text)
	if err != nil {
		h.ReleaseSession(sid)
		return Result{}, err
	}

	sessParams := sessionParamsFromReconciled(reconciled, engine.TSIH)
	tpgt, err := parseTPGT(resp.Text["TargetPortalGroupTag"])
	if err != nil {
		h.ReleaseSession(sid)
		return Result{}, err
	}
	sessParams.TPGT = tpgt
	connParams := connectionParamsFromReconciled(reconciled)

	if !isDiscovery {
		if err := h.ActivateConnection(sid, cid); err != nil {
			h.ReleaseSession(sid)
			return Result{}, err
		}
	}

	return Result{
		Handle:  Handle{SID: sid, Target: target, ISID: isid},
		CID:     cid,
		Session: sessParams,
		Conn:    connParams,
		Engine:  engine,
	}, nil
}

// AddConnection performs spec.md §4.6's additional-connection login:
// the same flow as LeadingLogin minus session-wide negotiation, with
// the stored TSIH seeded into the new connection's login so the
// target recognises it as belonging to the existing session. Refuses
// if the session already has maxConnections connections.
func AddConnection(h hba.Interface, handle Handle, tsih uint16, storedTPGT uint16, maxConnections uint32, portal hba.Portal, initiatorName string, initiatorAuth, targetAuth Auth, connCfg ConnectionConfig) (Result, error) {
	existing, err := h.EnumerateConnections(handle.SID)
	if err != nil {
		return Result{}, err
	}
	if uint32(len(existing)) >= maxConnections {
		return Result{}, ErrTooManyConns
	}

	cid, err := h.CreateConnection(handle.SID, portal)
	if err != nil {
		return Result{}, err
	}
	engine := login.NewEngine(h, handle.SID, cid, handle.ISID)
	engine.TSIH = tsih

	if err := negotiateSecurity(engine, initiatorName, initiatorAuth, targetAuth); err != nil {
		h.ReleaseConnection(handle.SID, cid)
		return Result{}, err
	}

	resp, err := engine.Transition(pdu.StageOperationalNegotiation, pdu.StageFullFeature, connectionOnlyProposal(connCfg))
	if err != nil {
		h.ReleaseConnection(handle.SID, cid)
		return Result{}, err
	}

	gotTPGT, err := parseTPGT(resp.Text["TargetPortalGroupTag"])
	if err != nil {
		h.ReleaseConnection(handle.SID, cid)
		return Result{}, err
	}
	if gotTPGT != storedTPGT {
		h.ReleaseConnection(handle.SID, cid)
		return Result{}, ErrTPGTMismatch
	}

	reconciled, err := negotiate.Reconcile(connectionOnlyProposal(connCfg), resp.Text)
	if err != nil {
		h.ReleaseConnection(handle.SID, cid)
		return Result{}, err
	}
	connParams := connectionParamsFromReconciled(reconciled)

	if err := h.ActivateConnection(handle.SID, cid); err != nil {
		h.ReleaseConnection(handle.SID, cid)
		return Result{}, err
	}

	return Result{Handle: handle, CID: cid, Conn: connParams, Engine: engine}, nil
}

func negotiateSecurity(engine *login.Engine, initiatorName string, initiatorAuth, targetAuth Auth) error {
	q := login.SecurityQuerier{Engine: engine}
	cfg := authConfig(initiatorName, initiatorAuth, targetAuth)
	if err := auth.Negotiate(q, cfg); err != nil {
		return err
	}
	_, err := engine.Transition(pdu.StageSecurityNegotiation, pdu.StageOperationalNegotiation, nil)
	return err
}

func buildProposal(sessCfg SessionConfig, connCfg ConnectionConfig) negotiate.Defaults {
	d := negotiate.DefaultProposal()
	if sessCfg.MaxConnections > 0 {
		d.MaxConnections = sessCfg.MaxConnections
	}
	d.ErrorRecoveryLevel = sessCfg.ErrorRecoveryLevel
	if connCfg.HeaderDigest != "" {
		d.HeaderDigest = connCfg.HeaderDigest
	}
	if connCfg.DataDigest != "" {
		d.DataDigest = connCfg.DataDigest
	}
	return d
}

func connectionOnlyProposal(connCfg ConnectionConfig) map[string]string {
	d := negotiate.DefaultProposal()
	if connCfg.HeaderDigest != "" {
		d.HeaderDigest = connCfg.HeaderDigest
	}
	if connCfg.DataDigest != "" {
		d.DataDigest = connCfg.DataDigest
	}
	p := d.Propose()
	delete(p, "MaxConnections")
	delete(p, "InitialR2T")
	delete(p, "ImmediateData")
	delete(p, "MaxBurstLength")
	delete(p, "FirstBurstLength")
	delete(p, "MaxOutstandingR2T")
	delete(p, "DataPDUInOrder")
	delete(p, "DataSequenceInOrder")
	delete(p, "DefaultTime2Wait")
	delete(p, "DefaultTime2Retain")
	delete(p, "ErrorRecoveryLevel")
	return p
}

func sessionParamsFromReconciled(r negotiate.Reconciled, tsih uint16) SessionParameters {
	return SessionParameters{
		MaxConnections:      r.Uint32("MaxConnections"),
		InitialR2T:          r.Bool("InitialR2T"),
		ImmediateData:       r.Bool("ImmediateData"),
		MaxBurstLength:      r.Uint32("MaxBurstLength"),
		FirstBurstLength:    r.Uint32("FirstBurstLength"),
		MaxOutstandingR2T:   r.Uint32("MaxOutstandingR2T"),
		DataPDUInOrder:      r.Bool("DataPDUInOrder"),
		DataSequenceInOrder: r.Bool("DataSequenceInOrder"),
		DefaultTime2Wait:    r.Uint32("DefaultTime2Wait"),
		DefaultTime2Retain:  r.Uint32("DefaultTime2Retain"),
		ErrorRecoveryLevel:  r.Uint32("ErrorRecoveryLevel"),
		TSIH:                tsih,
	}
}

func connectionParamsFromReconciled(r negotiate.Reconciled) ConnectionParameters {
	return ConnectionParameters{
		UseHeaderDigest: r.String("HeaderDigest"),
		UseDataDigest:   r.String("DataDigest"),
	}
}

func parseTPGT(s string) (uint16, error) {
	if s == "" {
		return 0, nil
	}
	var v uint16
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, errors.New("session: malformed TargetPortalGroupTag")
		}
		v = v*10 + uint16(s[i]-'0')
	}
	return v, nil
}
