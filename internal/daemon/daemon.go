// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package daemon implements the Daemon Supervisor (spec.md §4.8): it
// accepts requests from local clients over internal/ipc, authorizes
// them, serializes preferences mutations under a lock, runs the
// periodic SendTargets discovery loop, queues auto-logins until
// network reachability, and handles sleep/wake.
//
// It is grounded on pkg/manager.Manager's goroutine/context dispatcher
// shape (generalized here from "one HBA notification source" to "one
// HBA notification source plus one discovery ticker plus one client
// request stream") and on SPEC_FULL.md §5's mapping of the original
// single-OS-thread-plus-auxiliary-thread runloop onto goroutines: the
// logical single-writer-at-a-time property for preferences mutation is
// preserved with a sync.Mutex rather than an actual single OS thread.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/go-iscsi/initiator/internal/ipclog"
	"github.com/go-iscsi/initiator/internal/metrics"
	"github.com/go-iscsi/initiator/internal/prefs"
	"github.com/go-iscsi/initiator/internal/reachability"
	"github.com/go-iscsi/initiator/pkg/config"
	"github.com/go-iscsi/initiator/pkg/hba"
	"github.com/go-iscsi/initiator/pkg/manager"
	"github.com/go-iscsi/initiator/pkg/session"
)

// Daemon is the long-running iscsid supervisor: one per process.
type Daemon struct {
	cfg     *config.Config
	hba     hba.Interface
	prefs   *prefs.Store
	mgr     *manager.Manager
	reach   *reachability.Watcher
	metrics *metrics.Collector
	log     *log.Logger

	// DiscoveryPortals are the SendTargets seed portals this daemon
	// polls on its discovery loop (spec.md §4.8). Set by the embedding
	// caller before Start; cmd/iscsid leaves it empty and no IPC
	// command adds to it. Empty means discovery is idle.
	DiscoveryPortals []hba.Portal

	discoveryMu sync.Mutex // trylock semantics (spec.md §5): a missed cycle is skipped, not queued

	authorize AuthorizeFunc

	mu            sync.Mutex
	activeHandles map[string]session.Handle // target name -> leading-connection handle
	sleepSnapshot []session.NodeRecord       // nil unless currently "asleep"

	wg sync.WaitGroup
}

// New constructs a Daemon. logger and collector must not be nil; pass
// ipclog.New(cfg.Log) and metrics.New(reg) results respectively.
func New(cfg *config.Config, h hba.Interface, store *prefs.Store, logger *log.Logger, collector *metrics.Collector) *Daemon {
	d := &Daemon{
		cfg:           cfg,
		hba:           h,
		prefs:         store,
		metrics:       collector,
		log:           logger,
		reach:         reachability.New(),
		activeHandles: make(map[string]session.Handle),
	}
	d.mgr = manager.New(h, cfg.Initiator.Name, d.onTimeout)
	return d
}

// SetReachability replaces the Watcher used for auto-login/re-arm
// queuing, e.g. to inject a test double dialer. Must be called before
// Start.
func (d *Daemon) SetReachability(w *reachability.Watcher) {
	d.reach = w
}

// DisconnectClient releases any preferences lock connID still holds
// (SPEC_FULL.md §9 decision 2: an abrupt client disconnect must not
// leave the preferences mutex stuck held). cmd/iscsid calls this when
// a client's socket connection closes.
func (d *Daemon) DisconnectClient(connID string) {
	d.prefs.DisconnectClient(connID)
}

// Start launches the manager's notification dispatcher, the discovery
// loop, and auto-login queuing for every auto-login-flagged
// NodeRecord already in preferences. It returns once every goroutine
// has been started; they run until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) {
	d.mgr.Start(ctx)
	d.reach.Start(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runDiscovery(ctx)
	}()

	d.autoLoginAll(ctx)
}

// Wait blocks until every goroutine Start launched has exited.
func (d *Daemon) Wait() {
	d.wg.Wait()
	d.mgr.Wait()
	d.reach.Wait()
}

// autoLoginAll implements spec.md §4.8's startup auto-login: each
// matching NodeRecord is queued against its portal's reachability
// watcher, firing immediately if the portal is already reachable.
func (d *Daemon) autoLoginAll(ctx context.Context) {
	for _, rec := range d.prefs.AutoLoginRecords() {
		rec := rec
		d.reach.Watch(rec.Portal.String(), func() {
			if err := d.Login(ctx, rec); err != nil {
				d.log.WithFields(ipclog.Fields{
					"target": rec.Target.Name,
					"portal": rec.Portal.String(),
					"error":  err.Error(),
				}).Warn("auto-login failed")
			}
		})
	}
}

// Login performs a leading login for rec and records it so Logout,
// sleep/wake, and HBA Timeout notifications can find it again. It is
// idempotent: logging in a target that already has an active handle
// returns an already-exists error without touching the HBA.
func (d *Daemon) Login(ctx context.Context, rec session.NodeRecord) error {
	d.mu.Lock()
	if _, active := d.activeHandles[rec.Target.Name]; active {
		d.mu.Unlock()
		return fmt.Errorf("daemon: %s: %w", rec.Target.Name, ErrAlreadyActive)
	}
	d.mu.Unlock()

	res, err := session.LeadingLogin(d.hba, d.cfg.Initiator.Name, rec.Target, rec.Portal,
		rec.InitiatorAuth, rec.TargetAuth, rec.SessionConfig, rec.ConnectionConfig, false)
	if err != nil {
		if d.metrics != nil {
			d.metrics.SessionLoginFailed(rec.Target.Name, rec.Portal.String(), classifyReason(err))
		}
		return fmt.Errorf("daemon: login %s: %w", rec.Target.Name, err)
	}

	d.mgr.Register(res.Handle.SID, rec.Target)
	d.mu.Lock()
	d.activeHandles[rec.Target.Name] = res.Handle
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.SessionLoggedIn(rec.Target.Name, rec.Portal.String())
	}
	d.log.WithFields(ipclog.Fields{"target": rec.Target.Name, "portal": rec.Portal.String()}).Info("session logged in")
	return nil
}

// Logout performs a session-close logout for targetName's active
// handle, if any.
func (d *Daemon) Logout(targetName string) error {
	d.mu.Lock()
	handle, ok := d.activeHandles[targetName]
	if ok {
		delete(d.activeHandles, targetName)
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("daemon: %s: %w", targetName, errNotActive)
	}

	conns, err := d.hba.EnumerateConnections(handle.SID)
	result := "success"
	var logoutErr error
	if err != nil || len(conns) == 0 {
		logoutErr = d.hba.ReleaseSession(handle.SID)
	} else {
		logoutErr = session.LogoutSession(d.hba, handle.SID, conns[0], 0, 0)
	}
	if logoutErr != nil {
		result = "failure"
	}
	d.mgr.Unregister(handle.SID)
	if d.metrics != nil {
		d.metrics.SessionLoggedOut(targetName, result)
	}
	return logoutErr
}

var (
	errNotActive     = errors.New("no active session for target")
	ErrAlreadyActive = errors.New("target already logged in")
)

// onTimeout is pkg/manager's TimeoutFunc hook (spec.md §4.7): a
// timed-out connection is torn down already by the manager; the
// daemon re-arms auto-login for a persistent target, per spec.md §7
// ("A timeout tears down the connection and, if the target is marked
// persistent, re-arms auto-login for that portal").
func (d *Daemon) onTimeout(target session.Target, sid hba.SessionID, cid hba.ConnectionID) {
	if d.metrics != nil {
		d.metrics.TimeoutsTotal.WithLabelValues(target.Name).Inc()
	}
	d.mu.Lock()
	delete(d.activeHandles, target.Name)
	d.mu.Unlock()

	for _, rec := range d.prefs.PortalsFor(target.Name) {
		if !rec.AutoLogin {
			continue
		}
		rec := rec
		d.reach.Watch(rec.Portal.String(), func() {
			if err := d.Login(context.Background(), rec); err != nil {
				d.log.WithFields(ipclog.Fields{"target": target.Name, "error": err.Error()}).Warn("re-armed login failed")
			}
		})
	}
}

func classifyReason(err error) string {
	switch classify(err) {
	case CodeAuthenticationFailure:
		return "auth_failure"
	case CodeUnsupportedParameter:
		return "unsupported_parameter"
	case CodeTimeout:
		return "timeout"
	case CodeTransportError:
		return "transport_error"
	default:
		return "error"
	}
}

// HandleSleepWillSleep implements spec.md §4.8's "system will sleep"
// path: snapshot every stored portal record (prefs.PortalsFor) of each
// active target, then session-close logout
// every active target. Unmounting the associated volumes is the
// caller's (disk-arbitration) responsibility and out of scope here
// per spec.md §1's Non-goals; this only produces the snapshot sleep/
// wake needs to re-arm logins.
func (d *Daemon) HandleSleepWillSleep() {
	d.mu.Lock()
	snapshot := make([]session.NodeRecord, 0, len(d.activeHandles))
	targets := make([]string, 0, len(d.activeHandles))
	for name := range d.activeHandles {
		targets = append(targets, name)
	}
	d.mu.Unlock()

	for _, name := range targets {
		for _, rec := range d.prefs.PortalsFor(name) {
			snapshot = append(snapshot, rec)
		}
		if err := d.Logout(name); err != nil {
			d.log.WithFields(ipclog.Fields{"target": name, "error": err.Error()}).Warn("sleep logout failed")
		}
	}

	d.mu.Lock()
	d.sleepSnapshot = snapshot
	d.mu.Unlock()
}

// HandleWakeDidWake implements spec.md §4.8's "system will power on"
// path: re-arm a login per snapshotted NodeRecord via the
// reachability mechanism, then clear the snapshot.
func (d *Daemon) HandleWakeDidWake(ctx context.Context) {
	d.mu.Lock()
	snapshot := d.sleepSnapshot
	d.sleepSnapshot = nil
	d.mu.Unlock()

	for _, rec := range snapshot {
		rec := rec
		d.reach.Watch(rec.Portal.String(), func() {
			if err := d.Login(ctx, rec); err != nil {
				d.log.WithFields(ipclog.Fields{"target": rec.Target.Name, "error": err.Error()}).Warn("wake login failed")
			}
		})
	}
}

// runDiscovery runs SendTargets discovery against every configured
// DiscoveryPortal on cfg.Discovery.Interval. A cycle that cannot
// acquire discoveryMu (the previous cycle is still running) is
// skipped with a warning rather than queued, per spec.md §5:
// "Discovery missing its next period logs a warning and skips that
// cycle (trylock on the discovery mutex)."
func (d *Daemon) runDiscovery(ctx context.Context) {
	interval := d.cfg.Discovery.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.discoverOnce(ctx)
		}
	}
}

func (d *Daemon) discoverOnce(ctx context.Context) {
	if !d.discoveryMu.TryLock() {
		d.log.Warn("discovery cycle skipped: previous cycle still running")
		return
	}
	defer d.discoveryMu.Unlock()

	for _, portal := range d.DiscoveryPortals {
		found, err := session.Discover(d.hba, d.cfg.Initiator.Name, portal, session.Auth{}, session.Auth{})
		if err != nil {
			if d.metrics != nil {
				d.metrics.DiscoveryRunsTotal.WithLabelValues("failure").Inc()
			}
			d.log.WithFields(ipclog.Fields{"portal": portal.String(), "error": err.Error()}).Warn("discovery failed")
			continue
		}
		d.mergeDiscovery(portal, found)
		if d.metrics != nil {
			d.metrics.DiscoveryRunsTotal.WithLabelValues("success").Inc()
		}
	}
}

// mergeDiscovery folds one portal's SendTargets result into
// preferences, per spec.md §4.8's "it acquires the preferences mutex
// only when merging results": the blocking network I/O of Discover
// above already completed before this call, so prefs.Store's own
// internal mutex is held only for the bounded reconciliation below.
func (d *Daemon) mergeDiscovery(portal hba.Portal, found session.DiscoveryRecord) {
	existing := d.prefs.All()
	toAdd, toRefresh, toRemove := session.ReconcileDiscovery(existing, found, portal.String())

	for _, rec := range toAdd {
		d.prefs.Put(rec)
	}
	for _, rec := range toRefresh {
		d.prefs.Put(rec)
	}
	for _, rec := range toRemove {
		d.mu.Lock()
		_, active := d.activeHandles[rec.Target.Name]
		d.mu.Unlock()
		if active {
			if err := d.Logout(rec.Target.Name); err != nil {
				d.log.WithFields(ipclog.Fields{"target": rec.Target.Name, "error": err.Error()}).Warn("logout of removed discovery target failed")
			}
		}
		d.prefs.Remove(rec.Target.Name, rec.Portal.String())
	}
	if err := d.prefs.Sync(); err != nil {
		d.log.WithFields(ipclog.Fields{"error": err.Error()}).Warn("preferences sync failed after discovery merge")
	}
}

// isActive reports whether targetName currently has a registered
// handle. Used by the IPC layer's IsTargetActive/IsPortalActive.
func (d *Daemon) isActive(targetName string) (session.Handle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.activeHandles[targetName]
	return h, ok
}
