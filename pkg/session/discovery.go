// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"errors"
	"time"

	"github.com/go-iscsi/initiator/pkg/hba"
	"github.com/go-iscsi/initiator/pkg/iqn"
	"github.com/go-iscsi/initiator/pkg/pdu"
)

var ErrUnexpectedTextOpcode = errors.New("session: unexpected opcode in text response")

// Discover performs spec.md §4.6's SendTargets discovery sequence: log
// into the portal with a discovery session, issue SendTargets=All,
// reassemble the ordered key/value pairs (TargetName/TargetAddress
// repeat, so a map would lose information), and log out.
func Discover(h hba.Interface, initiatorName string, portal hba.Portal, initiatorAuth, targetAuth Auth) (DiscoveryRecord, error) {
	res, err := LeadingLogin(h, initiatorName, Target{Name: iqn.DiscoverySessionName}, portal, initiatorAuth, targetAuth, SessionConfig{MaxConnections: 1}, ConnectionConfig{}, true)
	if err != nil {
		return nil, err
	}

	pairs, err := sendTargetsAll(h, res.Handle.SID, res.CID, res.Engine.CmdSN, res.Engine.ExpStatSN)
	logoutErr := LogoutSession(h, res.Handle.SID, res.CID, res.Engine.CmdSN, res.Engine.ExpStatSN)
	if err != nil {
		return nil, err
	}
	if logoutErr != nil {
		return nil, logoutErr
	}

	return ParseSendTargetsPairs(pairs, portal)
}

func sendTargetsAll(h hba.Interface, sid hba.SessionID, cid hba.ConnectionID, cmdSN, expStatSN uint32) ([]pdu.KV, error) {
	data, err := pdu.EncodeTextMap(map[string]string{"SendTargets": "All"})
	if err != nil {
		return nil, err
	}
	req := &pdu.BHS{
		Opcode:            pdu.OpTextRequest,
		Final:             true,
		TargetTransferTag: pdu.ReservedTransferTag,
		CmdSN:             cmdSN,
		ExpStatSN:         expStatSN,
		DataSegmentLength: uint32(len(data)),
	}
	if err := h.Send(sid, cid, req, data); err != nil {
		return nil, err
	}

	pairs := make([]pdu.KV, 0, 16)
	const retries = 100
	const interval = 10 * time.Millisecond
	for {
		var rh *pdu.BHS
		var rdata []byte
		for i := retries; i >= 0; i-- {
			var err error
			rh, rdata, err = h.Receive(sid, cid)
			if err != nil {
				return nil, err
			}
			if rh != nil {
				break
			}
			if i == 0 {
				return nil, ErrLogoutFailed
			}
			time.Sleep(interval)
		}
		if rh.Opcode != pdu.OpTextResponse {
			return nil, ErrUnexpectedTextOpcode
		}
		kv, err := pdu.ParseTextPairs(rdata)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, kv...)
		if !rh.Continue {
			break
		}
	}
	return pairs, nil
}

// ParseSendTargetsPairs implements spec.md §4.6 step 3/4: scan the
// ordered pairs, starting a new target record on each TargetName and
// appending a Portal to the current target's TPGT group on each
// TargetAddress. If a target has a name but never a following address
// (RFC 3720 §10.3: TargetAddress is optional), synthesise a single
// portal using the discovery portal itself and TPGT "0".
func ParseSendTargetsPairs(pairs []pdu.KV, discoveryPortal hba.Portal) (DiscoveryRecord, error) {
	record := make(DiscoveryRecord)
	var currentName string

	for _, kv := range pairs {
		switch kv.Key {
		case "TargetName":
			currentName = kv.Value
			if _, ok := record[currentName]; !ok {
				record[currentName] = make(map[string][]hba.Portal)
			}
		case "TargetAddress":
			if currentName == "" {
				continue
			}
			addr, err := iqn.ParseTargetAddress(kv.Value)
			if err != nil {
				return nil, err
			}
			tpgt := addr.TPGT
			record[currentName][tpgt] = append(record[currentName][tpgt], hba.Portal{Address: addr.Address, Port: addr.Port})
		}
	}

	for name, tpgts := range record {
		if len(tpgts) == 0 {
			record[name]["0"] = []hba.Portal{discoveryPortal}
		}
	}
	return record, nil
}

// ReconcileDiscovery implements the "updating preferences from a
// discovery pass" merge rule in spec.md §4.6: for each discovered
// target, add or refresh it unless it already exists with a static
// (non-discovery) configuration; remove records previously sourced
// from discoveryPortal that the new pass no longer reports. It is a
// pure function so the caller (internal/daemon) owns when to acquire
// the preferences mutex around applying its result.
func ReconcileDiscovery(existing []NodeRecord, found DiscoveryRecord, discoveryPortal string) (toAdd, toRefresh, toRemove []NodeRecord) {
	foundNames := make(map[string]bool, len(found))
	for name := range found {
		foundNames[name] = true
	}

	byName := make(map[string]NodeRecord, len(existing))
	for _, n := range existing {
		byName[n.Target.Name] = n
	}

	for name, tpgts := range found {
		for _, portals := range tpgts {
			for _, p := range portals {
				rec := NodeRecord{
					Target:               Target{Name: name},
					Portal:               p,
					FromDiscoveryPortal:  discoveryPortal,
				}
				existingRec, ok := byName[name]
				switch {
				case !ok:
					toAdd = append(toAdd, rec)
				case existingRec.FromDiscoveryPortal == "":
					// Statically configured: log and skip, per spec.
					continue
				default:
					toRefresh = append(toRefresh, rec)
				}
			}
		}
	}

	for _, n := range existing {
		if n.FromDiscoveryPortal == discoveryPortal && !foundNames[n.Target.Name] {
			toRemove = append(toRemove, n)
		}
	}
	return toAdd, toRefresh, toRemove
}
