// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package simulator implements an in-memory hba.Interface used by
// every other package's tests, the same way the teacher's pkg/drive
// backends (ata_nix.go, nvme_nix.go, scsi_nix.go) sit behind one
// DriveIntf — except here there is no real device at all, only a
// scripted responder per connection.
package simulator

import (
	"sync"

	"github.com/go-iscsi/initiator/pkg/hba"
	"github.com/go-iscsi/initiator/pkg/pdu"
)

// Responder produces the next response PDU for a sent request PDU. It
// is invoked synchronously from Send; the paired Receive call returns
// whatever it returned. Returning (nil, nil, nil) means "no response
// yet" (the caller's Receive will return an empty PDU, matching the
// HBA contract's short-read semantics for a not-yet-ready reply).
type Responder func(req *pdu.BHS, data []byte) (*pdu.BHS, []byte, error)

type pendingResponse struct {
	h    *pdu.BHS
	data []byte
}

type connState struct {
	portal    hba.Portal
	responder Responder
	active    bool
	pending   []pendingResponse
	params    map[hba.ConnectionParamCode]uint32
}

type sessionState struct {
	target  string
	conns   map[hba.ConnectionID]*connState
	nextCID hba.ConnectionID
	params  map[hba.SessionParamCode]uint32
}

// Simulator is an in-memory hba.Interface.
type Simulator struct {
	mu            sync.Mutex
	sessions      map[hba.SessionID]*sessionState
	nextSID       hba.SessionID
	notifications chan hba.Notification
	closed        bool

	// DefaultResponder is used for connections created without an
	// explicit responder via WithResponder.
	DefaultResponder Responder
}

// New returns an empty Simulator.
func New() *Simulator {
	return &Simulator{
		sessions:      make(map[hba.SessionID]*sessionState),
		notifications: make(chan hba.Notification, 16),
	}
}

// SetResponder installs the scripted responder used for a given
// session/connection pair, overriding DefaultResponder.
func (s *Simulator) SetResponder(sid hba.SessionID, cid hba.ConnectionID, r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ss, ok := s.sessions[sid]; ok {
		if cs, ok := ss.conns[cid]; ok {
			cs.responder = r
		}
	}
}

// Push queues a notification to be delivered via Notifications().
func (s *Simulator) Push(n hba.Notification) {
	s.notifications <- n
}

func (s *Simulator) CreateSession(targetName string, portal hba.Portal) (hba.SessionID, hba.ConnectionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sid := s.nextSID
	s.nextSID++
	ss := &sessionState{
		target: targetName,
		conns:  make(map[hba.ConnectionID]*connState),
		params: make(map[hba.SessionParamCode]uint32),
	}
	cid := ss.nextCID
	ss.nextCID++
	ss.conns[cid] = &connState{portal: portal, responder: s.DefaultResponder, params: make(map[hba.ConnectionParamCode]uint32)}
	s.sessions[sid] = ss
	return sid, cid, nil
}

func (s *Simulator) ReleaseSession(sid hba.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sid]; !ok {
		return hba.ErrBadHandle
	}
	delete(s.sessions, sid)
	return nil
}

func (s *Simulator) CreateConnection(sid hba.SessionID, portal hba.Portal) (hba.ConnectionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.sessions[sid]
	if !ok {
		return 0, hba.ErrBadHandle
	}
	cid := ss.nextCID
	ss.nextCID++
	ss.conns[cid] = &connState{portal: portal, responder: s.DefaultResponder, params: make(map[hba.ConnectionParamCode]uint32)}
	return cid, nil
}

func (s *Simulator) ReleaseConnection(sid hba.SessionID, cid hba.ConnectionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.sessions[sid]
	if !ok {
		return hba.ErrBadHandle
	}
	if _, ok := ss.conns[cid]; !ok {
		return hba.ErrBadHandle
	}
	delete(ss.conns, cid)
	return nil
}

func (s *Simulator) conn(sid hba.SessionID, cid hba.ConnectionID) (*connState, error) {
	ss, ok := s.sessions[sid]
	if !ok {
		return nil, hba.ErrBadHandle
	}
	cs, ok := ss.conns[cid]
	if !ok {
		return nil, hba.ErrBadHandle
	}
	return cs, nil
}

func (s *Simulator) ActivateConnection(sid hba.SessionID, cid hba.ConnectionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, err := s.conn(sid, cid)
	if err != nil {
		return err
	}
	cs.active = true
	return nil
}

func (s *Simulator) DeactivateConnection(sid hba.SessionID, cid hba.ConnectionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, err := s.conn(sid, cid)
	if err != nil {
		return err
	}
	cs.active = false
	return nil
}

func (s *Simulator) ActivateAll(sid hba.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.sessions[sid]
	if !ok {
		return hba.ErrBadHandle
	}
	for _, cs := range ss.conns {
		cs.active = true
	}
	return nil
}

func (s *Simulator) DeactivateAll(sid hba.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.sessions[sid]
	if !ok {
		return hba.ErrBadHandle
	}
	for _, cs := range ss.conns {
		cs.active = false
	}
	return nil
}

func (s *Simulator) Send(sid hba.SessionID, cid hba.ConnectionID, h *pdu.BHS, data []byte) error {
	s.mu.Lock()
	cs, err := s.conn(sid, cid)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	responder := cs.responder
	s.mu.Unlock()
	if responder == nil {
		return nil
	}
	rh, rdata, err := responder(h, data)
	if err != nil {
		return err
	}
	if rh == nil {
		return nil
	}
	s.mu.Lock()
	cs.pending = append(cs.pending, pendingResponse{h: rh, data: rdata})
	s.mu.Unlock()
	return nil
}

func (s *Simulator) Receive(sid hba.SessionID, cid hba.ConnectionID) (*pdu.BHS, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, err := s.conn(sid, cid)
	if err != nil {
		return nil, nil, err
	}
	if len(cs.pending) == 0 {
		return nil, nil, nil
	}
	resp := cs.pending[0]
	cs.pending = cs.pending[1:]
	return resp.h, resp.data, nil
}

func (s *Simulator) SetSessionParameter(sid hba.SessionID, code hba.SessionParamCode, value uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.sessions[sid]
	if !ok {
		return hba.ErrBadHandle
	}
	ss.params[code] = value
	return nil
}

func (s *Simulator) GetSessionParameter(sid hba.SessionID, code hba.SessionParamCode) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.sessions[sid]
	if !ok {
		return 0, hba.ErrBadHandle
	}
	return ss.params[code], nil
}

func (s *Simulator) SetConnectionParameter(sid hba.SessionID, cid hba.ConnectionID, code hba.ConnectionParamCode, value uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, err := s.conn(sid, cid)
	if err != nil {
		return err
	}
	cs.params[code] = value
	return nil
}

func (s *Simulator) GetConnectionParameter(sid hba.SessionID, cid hba.ConnectionID, code hba.ConnectionParamCode) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, err := s.conn(sid, cid)
	if err != nil {
		return 0, err
	}
	return cs.params[code], nil
}

func (s *Simulator) EnumerateSessions() ([]hba.SessionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]hba.SessionID, 0, len(s.sessions))
	for sid := range s.sessions {
		out = append(out, sid)
	}
	return out, nil
}

func (s *Simulator) EnumerateConnections(sid hba.SessionID) ([]hba.ConnectionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.sessions[sid]
	if !ok {
		return nil, hba.ErrBadHandle
	}
	out := make([]hba.ConnectionID, 0, len(ss.conns))
	for cid := range ss.conns {
		out = append(out, cid)
	}
	return out, nil
}

func (s *Simulator) LookupSessionByTargetName(name string) (hba.SessionID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sid, ss := range s.sessions {
		if ss.target == name {
			return sid, true, nil
		}
	}
	return 0, false, nil
}

func (s *Simulator) LookupSessionByPortal(p hba.Portal) (hba.SessionID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sid, ss := range s.sessions {
		for _, cs := range ss.conns {
			if cs.portal == p {
				return sid, true, nil
			}
		}
	}
	return 0, false, nil
}

func (s *Simulator) Notifications() <-chan hba.Notification {
	return s.notifications
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.notifications)
	return nil
}

var _ hba.Interface = (*Simulator)(nil)
