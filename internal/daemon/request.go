// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daemon

import (
	"context"
	"fmt"

	"github.com/go-iscsi/initiator/internal/ipc"
	"github.com/go-iscsi/initiator/pkg/session"
)

// AuthorizeFunc inspects a request's opaque authorization blob and
// reports which Rights it grants. The daemon does not interpret the
// blob itself (spec.md §6 leaves its contents implementation-defined,
// e.g. a local credential or a signed capability); cmd/iscsid supplies
// the concrete policy.
type AuthorizeFunc func(blob []byte) ipc.Right

// defaultAuthorize grants every right to any non-empty blob and no
// rights to an empty one. It exists so Daemon is usable without an
// external authorization policy wired in (e.g. in tests); cmd/iscsid
// overrides it with a real check (local socket credentials) before
// serving real clients.
func defaultAuthorize(blob []byte) ipc.Right {
	if len(blob) == 0 {
		return 0
	}
	return ipc.RightLogin | ipc.RightModify
}

// SetAuthorize installs the policy HandleRequest uses to turn an
// authorization blob into granted Rights.
func (d *Daemon) SetAuthorize(fn AuthorizeFunc) {
	d.authorize = fn
}

// HandleRequest dispatches one client IPC request (spec.md §6) and
// returns its response. connID identifies the client connection for
// PreferencesIOLock/Unlock pairing (SPEC_FULL.md §9 decision 2).
func (d *Daemon) HandleRequest(ctx context.Context, connID string, req ipc.Request) ipc.Response {
	authorize := d.authorize
	if authorize == nil {
		authorize = defaultAuthorize
	}

	required := ipc.RequiredRight(req.Func)
	if required != 0 && !authorize(req.Auth).Allows(required) {
		if d.metrics != nil {
			d.metrics.IPCRequestsTotal.WithLabelValues(req.Func.String(), "denied").Inc()
		}
		return ipc.Response{Func: req.Func, Err: CodeAuthorizationDenied}
	}

	resp := d.dispatch(ctx, connID, req)
	if d.metrics != nil {
		result := "success"
		if resp.Err != CodeSuccess {
			result = "error"
		}
		d.metrics.IPCRequestsTotal.WithLabelValues(req.Func.String(), result).Inc()
	}
	return resp
}

func (d *Daemon) dispatch(ctx context.Context, connID string, req ipc.Request) ipc.Response {
	switch req.Func {
	case ipc.FuncLogin:
		return d.handleLogin(ctx, req)
	case ipc.FuncLogout:
		return d.handleLogout(req)
	case ipc.FuncCreateArrayOfActiveTargets:
		return d.handleActiveTargets()
	case ipc.FuncCreateArrayOfActivePortalsForTarget:
		return d.handleActivePortals(req)
	case ipc.FuncIsTargetActive:
		return d.handleIsTargetActive(req)
	case ipc.FuncIsPortalActive:
		return d.handleIsPortalActive(req)
	case ipc.FuncQueryTargetForAuthMethod:
		return d.handleQueryAuthMethod(req)
	case ipc.FuncCreateCFPropertiesForSession, ipc.FuncCreateCFPropertiesForConnection:
		return d.handleCFProperties(req)
	case ipc.FuncUpdateDiscovery:
		return d.handleUpdateDiscovery(ctx)
	case ipc.FuncPreferencesIOLockAndSync:
		return d.handlePrefsLock(connID)
	case ipc.FuncPreferencesIOUnlockAndSync:
		return d.handlePrefsUnlock(connID)
	case ipc.FuncSetSharedSecret:
		return d.handleSetSharedSecret(req)
	case ipc.FuncRemoveSharedSecret:
		return d.handleRemoveSharedSecret(req)
	default:
		return ipc.Response{Func: req.Func, Err: CodeUnsupportedFunc}
	}
}

func fieldOrEmpty(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}

// handleLogin expects Fields[0]=targetName and Fields[1]=portal as a
// single "address:port" string. It looks up the matching
// NodeRecord in preferences and performs a leading login.
func (d *Daemon) handleLogin(ctx context.Context, req ipc.Request) ipc.Response {
	targetName := fieldOrEmpty(req.Fields, 0)
	portalStr := fieldOrEmpty(req.Fields, 1)
	if targetName == "" || portalStr == "" {
		return ipc.Response{Func: req.Func, Err: CodeBadArgument}
	}
	rec, err := d.prefs.Get(targetName, portalStr)
	if err != nil {
		return ipc.Response{Func: req.Func, Err: classify(err)}
	}
	if err := d.Login(ctx, rec); err != nil {
		return ipc.Response{Func: req.Func, Err: classify(err)}
	}
	return ipc.Response{Func: req.Func, Err: CodeSuccess}
}

func (d *Daemon) handleLogout(req ipc.Request) ipc.Response {
	targetName := fieldOrEmpty(req.Fields, 0)
	if targetName == "" {
		return ipc.Response{Func: req.Func, Err: CodeBadArgument}
	}
	if err := d.Logout(targetName); err != nil {
		return ipc.Response{Func: req.Func, Err: classify(err)}
	}
	return ipc.Response{Func: req.Func, Err: CodeSuccess}
}

func (d *Daemon) handleActiveTargets() ipc.Response {
	d.mu.Lock()
	names := make([]string, 0, len(d.activeHandles))
	for name := range d.activeHandles {
		names = append(names, name)
	}
	d.mu.Unlock()

	payload := encodeStringList(names)
	return ipc.Response{Func: ipc.FuncCreateArrayOfActiveTargets, Err: CodeSuccess, Status: uint32(len(names)), Payload: payload}
}

func (d *Daemon) handleActivePortals(req ipc.Request) ipc.Response {
	targetName := fieldOrEmpty(req.Fields, 0)
	if targetName == "" {
		return ipc.Response{Func: req.Func, Err: CodeBadArgument}
	}
	var portals []string
	for _, rec := range d.prefs.PortalsFor(targetName) {
		portals = append(portals, rec.Portal.String())
	}
	payload := encodeStringList(portals)
	return ipc.Response{Func: req.Func, Err: CodeSuccess, Status: uint32(len(portals)), Payload: payload}
}

func (d *Daemon) handleIsTargetActive(req ipc.Request) ipc.Response {
	targetName := fieldOrEmpty(req.Fields, 0)
	_, active := d.isActive(targetName)
	status := uint32(0)
	if active {
		status = 1
	}
	return ipc.Response{Func: req.Func, Err: CodeSuccess, Status: status}
}

func (d *Daemon) handleIsPortalActive(req ipc.Request) ipc.Response {
	targetName := fieldOrEmpty(req.Fields, 0)
	portalStr := fieldOrEmpty(req.Fields, 1)
	_, active := d.isActive(targetName)
	status := uint32(0)
	if active {
		for _, rec := range d.prefs.PortalsFor(targetName) {
			if rec.Portal.String() == portalStr {
				status = 1
				break
			}
		}
	}
	return ipc.Response{Func: req.Func, Err: CodeSuccess, Status: status}
}

func (d *Daemon) handleQueryAuthMethod(req ipc.Request) ipc.Response {
	targetName := fieldOrEmpty(req.Fields, 0)
	portalStr := fieldOrEmpty(req.Fields, 1)
	rec, err := d.prefs.Get(targetName, portalStr)
	if err != nil {
		return ipc.Response{Func: req.Func, Err: classify(err)}
	}
	method := "None"
	if rec.TargetAuth.Kind == session.AuthCHAP {
		method = "CHAP"
	}
	return ipc.Response{Func: req.Func, Err: CodeSuccess, Payload: []byte(method)}
}

// handleCFProperties returns a NodeRecord's session/connection
// configuration serialized as a flat key=value text segment, reusing
// the negotiation layer's own on-wire text format so the client can
// parse it with the same codec (pkg/pdu.ParseTextMap).
func (d *Daemon) handleCFProperties(req ipc.Request) ipc.Response {
	targetName := fieldOrEmpty(req.Fields, 0)
	portalStr := fieldOrEmpty(req.Fields, 1)
	rec, err := d.prefs.Get(targetName, portalStr)
	if err != nil {
		return ipc.Response{Func: req.Func, Err: classify(err)}
	}
	kv := map[string]string{
		"MaxConnections":     fmt.Sprintf("%d", rec.SessionConfig.MaxConnections),
		"ErrorRecoveryLevel": fmt.Sprintf("%d", rec.SessionConfig.ErrorRecoveryLevel),
		"HeaderDigest":       rec.ConnectionConfig.HeaderDigest,
		"DataDigest":         rec.ConnectionConfig.DataDigest,
	}
	var buf []byte
	for k, v := range kv {
		buf = append(buf, []byte(k+"="+v+"\x00")...)
	}
	return ipc.Response{Func: req.Func, Err: CodeSuccess, Payload: buf}
}

func (d *Daemon) handleUpdateDiscovery(ctx context.Context) ipc.Response {
	go d.discoverOnce(ctx)
	return ipc.Response{Func: ipc.FuncUpdateDiscovery, Err: CodeSuccess}
}

func (d *Daemon) handlePrefsLock(connID string) ipc.Response {
	if err := d.prefs.Lock(connID); err != nil {
		return ipc.Response{Func: ipc.FuncPreferencesIOLockAndSync, Err: classify(err)}
	}
	return ipc.Response{Func: ipc.FuncPreferencesIOLockAndSync, Err: CodeSuccess}
}

func (d *Daemon) handlePrefsUnlock(connID string) ipc.Response {
	if err := d.prefs.Unlock(connID); err != nil {
		return ipc.Response{Func: ipc.FuncPreferencesIOUnlockAndSync, Err: classify(err)}
	}
	if err := d.prefs.Sync(); err != nil {
		return ipc.Response{Func: ipc.FuncPreferencesIOUnlockAndSync, Err: classify(err)}
	}
	return ipc.Response{Func: ipc.FuncPreferencesIOUnlockAndSync, Err: CodeSuccess}
}

// handleSetSharedSecret expects Fields[0]=targetName, Fields[1]=portal,
// Fields[2]=CHAP user name, and Blob=secret.
func (d *Daemon) handleSetSharedSecret(req ipc.Request) ipc.Response {
	targetName := fieldOrEmpty(req.Fields, 0)
	portalStr := fieldOrEmpty(req.Fields, 1)
	user := fieldOrEmpty(req.Fields, 2)
	rec, err := d.prefs.Get(targetName, portalStr)
	if err != nil {
		return ipc.Response{Func: req.Func, Err: classify(err)}
	}
	rec.InitiatorAuth = session.Auth{Kind: session.AuthCHAP, Name: user, Secret: req.Blob}
	d.prefs.Put(rec)
	if err := d.prefs.Sync(); err != nil {
		return ipc.Response{Func: req.Func, Err: classify(err)}
	}
	return ipc.Response{Func: req.Func, Err: CodeSuccess}
}

func (d *Daemon) handleRemoveSharedSecret(req ipc.Request) ipc.Response {
	targetName := fieldOrEmpty(req.Fields, 0)
	portalStr := fieldOrEmpty(req.Fields, 1)
	rec, err := d.prefs.Get(targetName, portalStr)
	if err != nil {
		return ipc.Response{Func: req.Func, Err: classify(err)}
	}
	rec.InitiatorAuth = session.Auth{}
	d.prefs.Put(rec)
	if err := d.prefs.Sync(); err != nil {
		return ipc.Response{Func: req.Func, Err: classify(err)}
	}
	return ipc.Response{Func: req.Func, Err: CodeSuccess}
}

func encodeStringList(items []string) []byte {
	var buf []byte
	for _, s := range items {
		buf = append(buf, []byte(s+"\x00")...)
	}
	return buf
}
