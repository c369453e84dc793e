// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package manager implements the Session Manager (spec.md §4.7): it
// owns the HBA handle and dispatches the notifications the HBA pushes
// (AsyncMessage, Timeout, Terminate) to recovery policy. It is
// grounded on the teacher's ControlSession lifecycle ownership in
// pkg/core/session.go, generalized from a single synchronous session
// handle into a long-running dispatcher goroutine over
// hba.Interface.Notifications(), the way a server consumes a single
// event source for its whole lifetime.
package manager

import (
	"context"
	"sync"

	"github.com/go-iscsi/initiator/pkg/hba"
	"github.com/go-iscsi/initiator/pkg/session"
)

// TimeoutFunc is invoked when the HBA reports a connection timeout;
// it receives the affected target and the session and connection IDs
// (already released by the manager) so the caller can decide
// whether to retry or surface the failure to a client.
type TimeoutFunc func(target session.Target, sid hba.SessionID, cid hba.ConnectionID)

// Manager dispatches HBA notifications to recovery policy. It is safe
// for concurrent use; Start spawns the single dispatcher goroutine and
// cancelling the context passed to Start tears it down.
type Manager struct {
	HBA           hba.Interface
	InitiatorName string
	OnTimeout     TimeoutFunc

	mu       sync.Mutex
	sessions map[hba.SessionID]session.Target

	wg sync.WaitGroup
}

// New constructs a Manager bound to h. Register must be called for
// each session the manager should recognise in notifications.
func New(h hba.Interface, initiatorName string, onTimeout TimeoutFunc) *Manager {
	return &Manager{
		HBA:           h,
		InitiatorName: initiatorName,
		OnTimeout:     onTimeout,
		sessions:      make(map[hba.SessionID]session.Target),
	}
}

// Register records sid as belonging to target, so that a later
// notification for sid can be attributed correctly.
func (m *Manager) Register(sid hba.SessionID, target session.Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sid] = target
}

// Unregister drops sid from the manager's bookkeeping, e.g. after an
// explicit logout.
func (m *Manager) Unregister(sid hba.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sid)
}

func (m *Manager) targetFor(sid hba.SessionID) (session.Target, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.sessions[sid]
	return t, ok
}

// Start runs the notification dispatcher until ctx is cancelled or
// the HBA's notification channel closes. Start runs the dispatcher on
// a goroutine of its own and returns at once; callers wait on the
// returned channel, which is closed once the dispatcher exits.
func (m *Manager) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(done)
		m.run(ctx)
	}()
	return done
}

func (m *Manager) run(ctx context.Context) {
	notifications := m.HBA.Notifications()
	for {
		select {
		case <-ctx.Done():
			m.dropAll()
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			if m.handle(n) {
				return
			}
		}
	}
}

// handle dispatches one notification and reports whether the
// dispatcher should exit (true only for Terminate, per spec.md §4.7:
// "drop all sessions and exit").
func (m *Manager) handle(n hba.Notification) bool {
	switch n.Kind {
	case hba.NotificationAsyncMessage:
		m.handleAsyncMessage(n)
	case hba.NotificationTimeout:
		m.handleTimeout(n)
	case hba.NotificationTerminate:
		m.dropAll()
		return true
	}
	return false
}

// handleAsyncMessage implements spec.md §4.7: RequestLogout and
// RenegotiateParameters both result in a connection-close logout
// (mid-session renegotiation is not supported); other event codes
// belong to the SCSI layer and are ignored here.
func (m *Manager) handleAsyncMessage(n hba.Notification) {
	switch n.AsyncEvent {
	case hba.AsyncEventRequestLogout, hba.AsyncEventRenegotiateParameters:
		session.LogoutConnection(m.HBA, n.Session, n.Connection, 0, 0)
	}
}

func (m *Manager) handleTimeout(n hba.Notification) {
	target, ok := m.targetFor(n.Session)
	m.HBA.ReleaseConnection(n.Session, n.Connection)
	if ok && m.OnTimeout != nil {
		m.OnTimeout(target, n.Session, n.Connection)
	}
}

func (m *Manager) dropAll() {
	m.mu.Lock()
	sids := make([]hba.SessionID, 0, len(m.sessions))
	for sid := range m.sessions {
		sids = append(sids, sid)
	}
	m.mu.Unlock()

	for _, sid := range sids {
		if conns, err := m.HBA.EnumerateConnections(sid); err == nil && len(conns) > 0 {
			session.LogoutSession(m.HBA, sid, conns[0], 0, 0)
		} else {
			m.HBA.ReleaseSession(sid)
		}
		m.Unregister(sid)
	}
}

// Wait blocks until the dispatcher goroutine started by Start exits.
func (m *Manager) Wait() {
	m.wg.Wait()
}
