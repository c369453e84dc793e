// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package manager

import (
	"context"
	"testing"
	"time"

	"github.com/go-iscsi/initiator/pkg/hba"
	"github.com/go-iscsi/initiator/pkg/hba/simulator"
	"github.com/go-iscsi/initiator/pkg/pdu"
	"github.com/go-iscsi/initiator/pkg/session"
)

func TestTimeoutInvokesCallback(t *testing.T) {
	sim := simulator.New()
	sim.DefaultResponder = func(req *pdu.BHS, data []byte) (*pdu.BHS, []byte, error) {
		return &pdu.BHS{Opcode: pdu.OpLogoutResponse, LogoutResponse: pdu.LogoutRspSuccess}, nil, nil
	}
	sid, cid, err := sim.CreateSession("iqn.ex:a", hba.Portal{Address: "10.0.0.1", Port: 3260})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	called := make(chan session.Target, 1)
	m := New(sim, "iqn.initiator", func(target session.Target, gotSID hba.SessionID, gotCID hba.ConnectionID) {
		called <- target
	})
	m.Register(sid, session.Target{Name: "iqn.ex:a"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := m.Start(ctx)

	sim.Push(hba.Notification{Kind: hba.NotificationTimeout, Session: sid, Connection: cid})

	select {
	case target := <-called:
		if target.Name != "iqn.ex:a" {
			t.Errorf("callback target = %+v, want iqn.ex:a", target)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout callback was not invoked")
	}

	cancel()
	<-done
}

func TestTerminateDropsAllSessions(t *testing.T) {
	sim := simulator.New()
	sim.DefaultResponder = func(req *pdu.BHS, data []byte) (*pdu.BHS, []byte, error) {
		return &pdu.BHS{Opcode: pdu.OpLogoutResponse, LogoutResponse: pdu.LogoutRspSuccess}, nil, nil
	}
	sid, _, err := sim.CreateSession("iqn.ex:a", hba.Portal{Address: "10.0.0.1", Port: 3260})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	m := New(sim, "iqn.initiator", nil)
	m.Register(sid, session.Target{Name: "iqn.ex:a"})

	ctx, cancel := context.WithCancel(context.Background())
	done := m.Start(ctx)

	sim.Push(hba.Notification{Kind: hba.NotificationTerminate})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not exit after Terminate")
	}
	cancel()

	if _, err := sim.EnumerateConnections(sid); err != hba.ErrBadHandle {
		t.Errorf("EnumerateConnections() after terminate error = %v, want ErrBadHandle", err)
	}
}
