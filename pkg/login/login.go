// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package login implements the iSCSI login state machine: building
// and sending Login Request PDUs, reassembling possibly multi-PDU
// Login Responses, and driving the retry protocol for stage
// transitions (RFC 3720 §5.4). It is grounded on the teacher's
// Session.ExecuteMethod/Close send-then-poll-receive pump in
// pkg/core/session.go, generalized from a single synchronous request
// to the stage-by-stage exchange a login requires.
package login

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-iscsi/initiator/pkg/hba"
	"github.com/go-iscsi/initiator/pkg/pdu"
)

const (
	// DefaultReceiveRetries bounds how many times Engine polls Receive
	// for a response before giving up, mirroring the teacher's
	// DefaultReceiveRetries for ExecuteMethod.
	DefaultReceiveRetries = 100
	// DefaultReceiveInterval is the sleep between polls.
	DefaultReceiveInterval = 10 * time.Millisecond
	// MaxTransitRetries is the RFC 3720 §5.4 bound on re-requesting a
	// stage transition the target declined to grant.
	MaxTransitRetries = 5
)

var (
	ErrSessionClosed       = errors.New("login: session already closed")
	ErrReceiveTimeout      = errors.New("login: timed out waiting for a response")
	ErrLoginNotSupported   = errors.New("login: target rejected the login PDU")
	ErrStageRegression     = errors.New("login: target proposed an earlier stage than requested")
	ErrTransitRefused      = errors.New("login: target refused stage transition after retries")
	ErrUnexpectedOpcode    = errors.New("login: unexpected opcode in login response")
)

// Status is the error returned for a non-success login status code;
// it carries only that code.
type Status struct {
	Code pdu.LoginStatus
}

func (s Status) Error() string {
	return fmt.Sprintf("login: target returned status 0x%04x (class=0x%02x detail=0x%02x)", uint16(s.Code), s.Code.Class(), s.Code.Detail())
}

// Engine drives one connection's login exchange. It is not safe for
// concurrent use; the session layer serializes login operations per
// connection.
type Engine struct {
	HBA hba.Interface
	SID hba.SessionID
	CID hba.ConnectionID
	ISID [6]byte

	// TSIH is the target session identifying handle; zero until the
	// leading login completes into FULL_FEATURE, after which it is
	// recorded and reused for subsequent connections of the session.
	TSIH uint16

	CmdSN     uint32
	ExpStatSN uint32
	StatSN    uint32
	ExpCmdSN  uint32

	ReceiveRetries  int
	ReceiveInterval time.Duration
}

// NewEngine returns an Engine with the teacher's default retry budget.
func NewEngine(h hba.Interface, sid hba.SessionID, cid hba.ConnectionID, isid [6]byte) *Engine {
	return &Engine{
		HBA:             h,
		SID:             sid,
		CID:             cid,
		ISID:            isid,
		ReceiveRetries:  DefaultReceiveRetries,
		ReceiveInterval: DefaultReceiveInterval,
	}
}

// Response is the outcome of one single-query operation (spec §4.4
// step 1-5): the reassembled text dictionary, whether the target
// agreed to transit to the next stage, and the login status the
// target reported.
type Response struct {
	Text    map[string]string
	Transit bool
	NSG     pdu.LoginStage
	Status  pdu.LoginStatus
}

// Query performs one single-query operation: build a Login Request
// for (csg, nsg, transit), send it, reassemble the (possibly
// multi-PDU) response, and record sequence numbers. It does not
// implement the retry-on-declined-transit rule; callers that need a
// guaranteed transition use Transition.
func (e *Engine) Query(csg, nsg pdu.LoginStage, transit bool, req map[string]string) (Response, error) {
	data, err := pdu.EncodeTextMap(req)
	if err != nil {
		return Response{}, err
	}

	h := &pdu.BHS{
		Opcode:            pdu.OpLoginRequest,
		Transit:           transit,
		Continue:          false,
		CSG:               csg,
		NSG:               nsg,
		ISID:              e.ISID,
		TSIH:              e.TSIH,
		CID:               uint16(e.CID),
		InitiatorTaskTag:  0,
		CmdSN:             e.CmdSN,
		ExpStatSN:         e.ExpStatSN,
		DataSegmentLength: uint32(len(data)),
	}
	if err := e.HBA.Send(e.SID, e.CID, h, data); err != nil {
		return Response{}, err
	}
	e.CmdSN++

	return e.receiveLoginResponse()
}

// receiveLoginResponse implements step 4: poll-receive, concatenating
// text payloads across continuation PDUs, until the continue bit
// clears or the target rejects the login.
func (e *Engine) receiveLoginResponse() (Response, error) {
	pairs := make([]pdu.KV, 0, 8)
	for {
		rh, rdata, err := e.pollReceive()
		if err != nil {
			return Response{}, err
		}
		switch rh.Opcode {
		case pdu.OpReject:
			return Response{}, ErrLoginNotSupported
		case pdu.OpLoginResponse:
		default:
			return Response{}, fmt.Errorf("%w: 0x%02x", ErrUnexpectedOpcode, byte(rh.Opcode))
		}

		kv, err := pdu.ParseTextPairs(rdata)
		if err != nil {
			return Response{}, err
		}
		pairs = append(pairs, kv...)

		// StatSN/ExpCmdSN advance on every login response received,
		// not only on the final, successful one.
		e.StatSN = rh.StatSN
		e.ExpStatSN = rh.StatSN + 1
		e.ExpCmdSN = rh.ExpCmdSN

		if !rh.Continue {
			text := make(map[string]string, len(pairs))
			for _, p := range pairs {
				text[p.Key] = p.Value
			}
			if rh.NSG == pdu.StageFullFeature && rh.Transit && rh.Status.Success() {
				e.TSIH = rh.TSIH
			}
			return Response{Text: text, Transit: rh.Transit, NSG: rh.NSG, Status: rh.Status}, nil
		}
	}
}

// pollReceive implements the teacher's bounded-retry poll loop
// (ExecuteMethod's "for i := s.ReceiveRetries; i >= 0; i--" shape).
func (e *Engine) pollReceive() (*pdu.BHS, []byte, error) {
	for i := e.ReceiveRetries; i >= 0; i-- {
		rh, rdata, err := e.HBA.Receive(e.SID, e.CID)
		if err != nil {
			return nil, nil, err
		}
		if rh != nil {
			return rh, rdata, nil
		}
		if i == 0 {
			return nil, nil, ErrReceiveTimeout
		}
		time.Sleep(e.ReceiveInterval)
	}
	return nil, nil, ErrReceiveTimeout
}

// Transition drives a stage transition to completion: it sends req
// requesting (csg, nsg, transit=true); if the target does not grant
// the transition, it re-issues an empty-payload request up to
// MaxTransitRetries times (RFC 3720 §5.4), then surfaces
// ErrTransitRefused with an InvalidReqDuringLogin status.
func (e *Engine) Transition(csg, nsg pdu.LoginStage, req map[string]string) (Response, error) {
	resp, err := e.Query(csg, nsg, true, req)
	if err != nil {
		return Response{}, err
	}
	if !resp.Status.Success() {
		return resp, Status{Code: resp.Status}
	}
	if resp.Transit {
		if resp.NSG < nsg {
			return resp, ErrStageRegression
		}
		return resp, nil
	}

	for attempt := 0; attempt < MaxTransitRetries; attempt++ {
		resp, err = e.Query(csg, nsg, true, nil)
		if err != nil {
			return Response{}, err
		}
		if !resp.Status.Success() {
			return resp, Status{Code: resp.Status}
		}
		if resp.Transit {
			return resp, nil
		}
	}
	return Response{Status: pdu.LoginStatusInvalidReqDuringLogin}, ErrTransitRefused
}

// SecurityQuerier adapts an Engine bound to SECURITY_NEGOTIATION into
// the auth.Querier interface, so the CHAP authenticator can drive its
// exchange without knowing about PDUs or stages at all.
type SecurityQuerier struct {
	Engine *Engine
}

func (s SecurityQuerier) Query(req map[string]string) (map[string]string, error) {
	resp, err := s.Engine.Query(pdu.StageSecurityNegotiation, pdu.StageSecurityNegotiation, false, req)
	if err != nil {
		return nil, err
	}
	if !resp.Status.Success() {
		return nil, Status{Code: resp.Status}
	}
	return resp.Text, nil
}
