// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package simulator

import (
	"testing"

	"github.com/go-iscsi/initiator/pkg/hba"
	"github.com/go-iscsi/initiator/pkg/pdu"
)

func TestCreateSessionAndEcho(t *testing.T) {
	s := New()
	s.DefaultResponder = func(req *pdu.BHS, data []byte) (*pdu.BHS, []byte, error) {
		return &pdu.BHS{Opcode: pdu.OpNopIn}, data, nil
	}
	sid, cid, err := s.CreateSession("iqn.test:a", hba.Portal{Address: "10.0.0.1", Port: 3260})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := s.Send(sid, cid, &pdu.BHS{Opcode: pdu.OpNopOut}, []byte("ping")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	h, data, err := s.Receive(sid, cid)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if h.Opcode != pdu.OpNopIn || string(data) != "ping" {
		t.Errorf("Receive() = %+v, %q", h, data)
	}
}

func TestReleaseSessionInvalidatesHandle(t *testing.T) {
	s := New()
	sid, cid, _ := s.CreateSession("iqn.test:a", hba.Portal{})
	if err := s.ReleaseSession(sid); err != nil {
		t.Fatalf("ReleaseSession() error = %v", err)
	}
	if _, _, err := s.Receive(sid, cid); err != hba.ErrBadHandle {
		t.Errorf("Receive() after release error = %v, want ErrBadHandle", err)
	}
}

func TestEnumerateSessions(t *testing.T) {
	s := New()
	sid1, _, _ := s.CreateSession("iqn.test:a", hba.Portal{})
	sid2, _, _ := s.CreateSession("iqn.test:b", hba.Portal{})
	got, err := s.EnumerateSessions()
	if err != nil {
		t.Fatalf("EnumerateSessions() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	seen := map[hba.SessionID]bool{sid1: false, sid2: false}
	for _, sid := range got {
		seen[sid] = true
	}
	for sid, ok := range seen {
		if !ok {
			t.Errorf("session %v missing from enumeration", sid)
		}
	}
}
