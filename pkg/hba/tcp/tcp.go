// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tcp implements hba.Interface over real TCP connections to
// an iSCSI target portal, grounded on the teacher's pkg/drive_nix.go
// real-device backend: both sit behind an opaque interface (DriveIntf
// there, hba.Interface here) and do actual I/O instead of simulating
// it, the way drive_nix.go issues real SG_IO ioctls where
// pkg/hba/simulator scripts a fake responder.
package tcp

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-iscsi/initiator/pkg/hba"
	"github.com/go-iscsi/initiator/pkg/pdu"
)

// DialTimeout bounds how long CreateSession/CreateConnection wait for
// the initial TCP handshake to the portal.
const DialTimeout = 10 * time.Second

type connState struct {
	conn    net.Conn
	portal  hba.Portal
	active  bool
	params  map[hba.ConnectionParamCode]uint32
	pending []pendingPDU

	readErr chan error
	closeCh chan struct{}
	closeOn sync.Once
}

type sessionState struct {
	target  string
	conns   map[hba.ConnectionID]*connState
	nextCID hba.ConnectionID
	params  map[hba.SessionParamCode]uint32
}

// Transport is a real-network hba.Interface: every Send/Receive moves
// PDUs over an actual TCP socket using pkg/pdu's BHS framing.
type Transport struct {
	mu            sync.Mutex
	sessions      map[hba.SessionID]*sessionState
	nextSID       hba.SessionID
	notifications chan hba.Notification
	closed        bool

	// Dial is the network dialer used for every connection; tests may
	// override it (e.g. to dial into a net.Pipe listener) instead of
	// touching the real network.
	Dial func(network, address string) (net.Conn, error)
}

// New returns a Transport ready to accept CreateSession calls.
func New() *Transport {
	return &Transport{
		sessions:      make(map[hba.SessionID]*sessionState),
		notifications: make(chan hba.Notification, 16),
		Dial: func(network, address string) (net.Conn, error) {
			return net.DialTimeout(network, address, DialTimeout)
		},
	}
}

func (t *Transport) dial(portal hba.Portal) (net.Conn, error) {
	d := t.Dial
	if d == nil {
		d = net.Dial
	}
	conn, err := d("tcp", portal.String())
	if err != nil {
		return nil, hba.ErrTransport
	}
	return conn, nil
}

func (t *Transport) CreateSession(targetName string, portal hba.Portal) (hba.SessionID, hba.ConnectionID, error) {
	conn, err := t.dial(portal)
	if err != nil {
		return 0, 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	sid := t.nextSID
	t.nextSID++
	ss := &sessionState{
		target: targetName,
		conns:  make(map[hba.ConnectionID]*connState),
		params: make(map[hba.SessionParamCode]uint32),
	}
	cid := ss.nextCID
	ss.nextCID++
	cs := newConnState(conn, portal)
	ss.conns[cid] = cs
	t.sessions[sid] = ss
	go t.readLoop(sid, cid, cs)
	return sid, cid, nil
}

func newConnState(conn net.Conn, portal hba.Portal) *connState {
	return &connState{
		conn:    conn,
		portal:  portal,
		params:  make(map[hba.ConnectionParamCode]uint32),
		readErr: make(chan error, 1),
		closeCh: make(chan struct{}),
	}
}

func (t *Transport) ReleaseSession(sid hba.SessionID) error {
	t.mu.Lock()
	ss, ok := t.sessions[sid]
	if !ok {
		t.mu.Unlock()
		return hba.ErrBadHandle
	}
	delete(t.sessions, sid)
	t.mu.Unlock()

	for _, cs := range ss.conns {
		closeConn(cs)
	}
	return nil
}

func closeConn(cs *connState) {
	cs.closeOn.Do(func() {
		close(cs.closeCh)
		cs.conn.Close()
	})
}

func (t *Transport) CreateConnection(sid hba.SessionID, portal hba.Portal) (hba.ConnectionID, error) {
	conn, err := t.dial(portal)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	ss, ok := t.sessions[sid]
	if !ok {
		conn.Close()
		return 0, hba.ErrBadHandle
	}
	cid := ss.nextCID
	ss.nextCID++
	cs := newConnState(conn, portal)
	ss.conns[cid] = cs
	go t.readLoop(sid, cid, cs)
	return cid, nil
}

func (t *Transport) ReleaseConnection(sid hba.SessionID, cid hba.ConnectionID) error {
	t.mu.Lock()
	cs, err := t.conn(sid, cid)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	ss := t.sessions[sid]
	delete(ss.conns, cid)
	t.mu.Unlock()

	closeConn(cs)
	return nil
}

func (t *Transport) conn(sid hba.SessionID, cid hba.ConnectionID) (*connState, error) {
	ss, ok := t.sessions[sid]
	if !ok {
		return nil, hba.ErrBadHandle
	}
	cs, ok := ss.conns[cid]
	if !ok {
		return nil, hba.ErrBadHandle
	}
	return cs, nil
}

func (t *Transport) ActivateConnection(sid hba.SessionID, cid hba.ConnectionID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, err := t.conn(sid, cid)
	if err != nil {
		return err
	}
	cs.active = true
	return nil
}

func (t *Transport) DeactivateConnection(sid hba.SessionID, cid hba.ConnectionID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, err := t.conn(sid, cid)
	if err != nil {
		return err
	}
	cs.active = false
	return nil
}

func (t *Transport) ActivateAll(sid hba.SessionID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ss, ok := t.sessions[sid]
	if !ok {
		return hba.ErrBadHandle
	}
	for _, cs := range ss.conns {
		cs.active = true
	}
	return nil
}

func (t *Transport) DeactivateAll(sid hba.SessionID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ss, ok := t.sessions[sid]
	if !ok {
		return hba.ErrBadHandle
	}
	for _, cs := range ss.conns {
		cs.active = false
	}
	return nil
}

// Send marshals h/data with pdu.BHS.Marshal and writes the resulting
// wire bytes to the connection's socket in one call, matching RFC
// 3720's requirement that a PDU's header and data segment travel as
// one contiguous unit.
func (t *Transport) Send(sid hba.SessionID, cid hba.ConnectionID, h *pdu.BHS, data []byte) error {
	t.mu.Lock()
	cs, err := t.conn(sid, cid)
	t.mu.Unlock()
	if err != nil {
		return err
	}

	wire, err := h.Marshal(data)
	if err != nil {
		return hba.ErrBadAddress
	}
	if _, err := cs.conn.Write(wire); err != nil {
		return hba.ErrTransport
	}
	return nil
}

// readLoop is the single reader goroutine per connection: it decodes
// one PDU at a time off the wire and appends it to the connection's
// mutex-guarded pending queue for Receive; a read error is handed to
// Receive on the buffered readErr channel and turned into a Timeout
// notification the Session Manager's runloop will observe.
func (t *Transport) readLoop(sid hba.SessionID, cid hba.ConnectionID, cs *connState) {
	defer close(cs.readErr)
	for {
		h, data, err := readPDU(cs.conn)
		if err != nil {
			select {
			case cs.readErr <- err:
			default:
			}
			t.pushNotification(hba.Notification{Kind: hba.NotificationTimeout, Session: sid, Connection: cid})
			return
		}
		t.mu.Lock()
		cs.pending = append(cs.pending, pendingPDU{h: h, data: data})
		t.mu.Unlock()
	}
}

type pendingPDU struct {
	h    *pdu.BHS
	data []byte
}

func (t *Transport) pushNotification(n hba.Notification) {
	select {
	case t.notifications <- n:
	default:
	}
}

// readPDU reads one BHS-framed PDU: the fixed 48-byte header, then its
// data segment (length and padding per the header's own fields).
func readPDU(r io.Reader) (*pdu.BHS, []byte, error) {
	var hdr [48]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, nil, err
	}
	dataLen := int(hdr[5])<<16 | int(hdr[6])<<8 | int(hdr[7])
	padded := (dataLen + 3) &^ 3
	wire := make([]byte, 48+padded)
	copy(wire, hdr[:])
	if padded > 0 {
		if _, err := io.ReadFull(r, wire[48:]); err != nil {
			return nil, nil, err
		}
	}
	return pdu.Unmarshal(wire)
}

func (t *Transport) Receive(sid hba.SessionID, cid hba.ConnectionID) (*pdu.BHS, []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, err := t.conn(sid, cid)
	if err != nil {
		return nil, nil, err
	}
	if len(cs.pending) == 0 {
		select {
		case err, ok := <-cs.readErr:
			if ok {
				return nil, nil, err
			}
			return nil, nil, hba.ErrTransport
		default:
			return nil, nil, nil
		}
	}
	resp := cs.pending[0]
	cs.pending = cs.pending[1:]
	return resp.h, resp.data, nil
}

func (t *Transport) SetSessionParameter(sid hba.SessionID, code hba.SessionParamCode, value uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ss, ok := t.sessions[sid]
	if !ok {
		return hba.ErrBadHandle
	}
	ss.params[code] = value
	return nil
}

func (t *Transport) GetSessionParameter(sid hba.SessionID, code hba.SessionParamCode) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ss, ok := t.sessions[sid]
	if !ok {
		return 0, hba.ErrBadHandle
	}
	return ss.params[code], nil
}

func (t *Transport) SetConnectionParameter(sid hba.SessionID, cid hba.ConnectionID, code hba.ConnectionParamCode, value uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, err := t.conn(sid, cid)
	if err != nil {
		return err
	}
	cs.params[code] = value
	return nil
}

func (t *Transport) GetConnectionParameter(sid hba.SessionID, cid hba.ConnectionID, code hba.ConnectionParamCode) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, err := t.conn(sid, cid)
	if err != nil {
		return 0, err
	}
	return cs.params[code], nil
}

func (t *Transport) EnumerateSessions() ([]hba.SessionID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]hba.SessionID, 0, len(t.sessions))
	for sid := range t.sessions {
		out = append(out, sid)
	}
	return out, nil
}

func (t *Transport) EnumerateConnections(sid hba.SessionID) ([]hba.ConnectionID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ss, ok := t.sessions[sid]
	if !ok {
		return nil, hba.ErrBadHandle
	}
	out := make([]hba.ConnectionID, 0, len(ss.conns))
	for cid := range ss.conns {
		out = append(out, cid)
	}
	return out, nil
}

func (t *Transport) LookupSessionByTargetName(name string) (hba.SessionID, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for sid, ss := range t.sessions {
		if ss.target == name {
			return sid, true, nil
		}
	}
	return 0, false, nil
}

func (t *Transport) LookupSessionByPortal(p hba.Portal) (hba.SessionID, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for sid, ss := range t.sessions {
		for _, cs := range ss.conns {
			if cs.portal == p {
				return sid, true, nil
			}
		}
	}
	return 0, false, nil
}

func (t *Transport) Notifications() <-chan hba.Notification {
	return t.notifications
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, ss := range t.sessions {
		for _, cs := range ss.conns {
			closeConn(cs)
		}
	}
	close(t.notifications)
	return nil
}

var _ hba.Interface = (*Transport)(nil)
