// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"time"

	"github.com/go-iscsi/initiator/pkg/hba"
	"github.com/go-iscsi/initiator/pkg/pdu"
)

// LogoutConnection performs a connection-close logout (spec.md §4.6):
// deactivate the connection, send a Logout Request with
// reason=CloseConnection, and release the connection through the HBA
// regardless of the target's response.
func LogoutConnection(h hba.Interface, sid hba.SessionID, cid hba.ConnectionID, cmdSN, expStatSN uint32) error {
	h.DeactivateConnection(sid, cid)
	err := sendLogout(h, sid, cid, pdu.LogoutCloseConnection, cmdSN, expStatSN)
	releaseErr := h.ReleaseConnection(sid, cid)
	if err != nil {
		return err
	}
	return releaseErr
}

// LogoutSession performs a session-close logout (spec.md §4.6):
// deactivate all connections, send a Logout Request with
// reason=CloseSession over any remaining connection, and release the
// session through the HBA regardless of the target's response.
func LogoutSession(h hba.Interface, sid hba.SessionID, cid hba.ConnectionID, cmdSN, expStatSN uint32) error {
	h.DeactivateAll(sid)
	err := sendLogout(h, sid, cid, pdu.LogoutCloseSession, cmdSN, expStatSN)
	releaseErr := h.ReleaseSession(sid)
	if err != nil {
		return err
	}
	return releaseErr
}

func sendLogout(h hba.Interface, sid hba.SessionID, cid hba.ConnectionID, reason pdu.LogoutReason, cmdSN, expStatSN uint32) error {
	req := &pdu.BHS{
		Opcode:            pdu.OpLogoutRequest,
		Immediate:         true,
		LogoutReason:      reason,
		CID:               uint16(cid),
		CmdSN:             cmdSN,
		ExpStatSN:         expStatSN,
		InitiatorTaskTag:  0,
	}
	if err := h.Send(sid, cid, req, nil); err != nil {
		return err
	}

	const retries = 100
	const interval = 10 * time.Millisecond
	for i := retries; i >= 0; i-- {
		rh, _, err := h.Receive(sid, cid)
		if err != nil {
			return err
		}
		if rh != nil {
			if rh.Opcode != pdu.OpLogoutResponse {
				return ErrLogoutFailed
			}
			switch rh.LogoutResponse {
			case pdu.LogoutRspSuccess:
				return nil
			default:
				return ErrLogoutFailed
			}
		}
		if i == 0 {
			return ErrLogoutFailed
		}
		time.Sleep(interval)
	}
	return ErrLogoutFailed
}
