// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package auth

import (
	"crypto/md5"
	"strings"
	"testing"
)

// fakeQuerier replays a scripted sequence of responses, one per call,
// and records every request it was asked to send.
type fakeQuerier struct {
	responses []map[string]string
	requests  []map[string]string
	i         int
}

func (f *fakeQuerier) Query(req map[string]string) (map[string]string, error) {
	f.requests = append(f.requests, req)
	if f.i >= len(f.responses) {
		return map[string]string{}, nil
	}
	resp := f.responses[f.i]
	f.i++
	return resp, nil
}

// TestComputeResponseLaw directly checks property P6: response =
// MD5(id ‖ secret ‖ challenge).
func TestComputeResponseLaw(t *testing.T) {
	id := byte(17)
	secret := []byte("beta")
	challenge := []byte{0xAA, 0xBB}

	got := ComputeResponse(id, secret, challenge)

	h := md5.New()
	h.Write([]byte{id})
	h.Write(secret)
	h.Write(challenge)
	want := h.Sum(nil)

	if string(got[:]) != string(want) {
		t.Errorf("ComputeResponse(%d, %q, % x) = % x, want % x", id, secret, challenge, got, want)
	}
}

// TestNegotiateOneWay drives the one-way CHAP flow: the target
// challenges the initiator and the initiator must answer with the law
// from TestComputeResponseLaw.
func TestNegotiateOneWay(t *testing.T) {
	secret := []byte("alpha")
	challenge := []byte{0x01, 0x02, 0x03, 0x04}
	want := ComputeResponse(7, secret, challenge)

	q := &fakeQuerier{responses: []map[string]string{
		{"AuthMethod": "CHAP"},
		{"CHAP_A": "5", "CHAP_I": "7", "CHAP_C": EncodeHex(challenge)},
		{},
	}}

	cfg := Config{InitiatorUser: "iqn.initiator", InitiatorSecret: secret}
	if err := Negotiate(q, cfg); err != nil {
		t.Fatalf("Negotiate() error = %v", err)
	}

	if len(q.requests) != 3 {
		t.Fatalf("len(requests) = %d, want 3", len(q.requests))
	}
	if got := q.requests[0]["AuthMethod"]; got != "None,CHAP" {
		t.Errorf("AuthMethod proposal = %q, want %q (creds configured, no mutual)", got, "None,CHAP")
	}
	gotR := strings.TrimPrefix(strings.ToLower(q.requests[2]["CHAP_R"]), "0x")
	wantR := strings.TrimPrefix(strings.ToLower(EncodeHex(want[:])), "0x")
	if gotR != wantR {
		t.Errorf("CHAP_R = %s, want %s", gotR, wantR)
	}
}

// TestNegotiateMutualRespondsToOurChallenge checks the mutual-CHAP leg
// (initiator_secret="alpha", target_secret="beta", target challenge
// CHAP_I=3, CHAP_C={0x10,0x20}): Negotiate must accept a target reply
// that answers correctly to whatever CHAP_I/CHAP_C it sent, and reject
// one that does not. Scenario S2's fixed values are checked by
// TestComputeResponseLaw.
func TestNegotiateMutualRespondsToOurChallenge(t *testing.T) {
	cfg := Config{InitiatorUser: "iqn.initiator", InitiatorSecret: []byte("alpha"), TargetSecret: []byte("beta")}

	targetChallenge := []byte{0x10, 0x20}
	correctQ := &recordingMutualQuerier{
		targetSecret: cfg.TargetSecret,
		leg1: map[string]string{"AuthMethod": "CHAP"},
		leg2: map[string]string{"CHAP_A": "5", "CHAP_I": "3", "CHAP_C": EncodeHex(targetChallenge)},
	}
	if err := Negotiate(correctQ, cfg); err != nil {
		t.Errorf("Negotiate() with correctly-answering target error = %v, want nil", err)
	}

	wrongQ := &fakeQuerier{responses: []map[string]string{
		{"AuthMethod": "CHAP"},
		{"CHAP_A": "5", "CHAP_I": "3", "CHAP_C": EncodeHex(targetChallenge)},
		{"CHAP_R": "0xdeadbeef"},
	}}
	if err := Negotiate(wrongQ, cfg); err != ErrResponseMismatch {
		t.Errorf("Negotiate() with wrong CHAP_R error = %v, want ErrResponseMismatch", err)
	}
}

// recordingMutualQuerier plays the first two legs verbatim, then
// computes a correct CHAP_R for whatever CHAP_I/CHAP_C the initiator
// put in the third request, using targetSecret -- exactly what a
// correctly configured target would do.
type recordingMutualQuerier struct {
	targetSecret []byte
	leg1, leg2   map[string]string
	n            int
}

func (r *recordingMutualQuerier) Query(req map[string]string) (map[string]string, error) {
	r.n++
	switch r.n {
	case 1:
		return r.leg1, nil
	case 2:
		return r.leg2, nil
	default:
		id, err := parseCHAPIdentifier(req["CHAP_I"])
		if err != nil {
			return nil, err
		}
		challenge, err := DecodeHex(req["CHAP_C"])
		if err != nil {
			return nil, err
		}
		resp := ComputeResponse(id, r.targetSecret, challenge)
		return map[string]string{"CHAP_R": EncodeHex(resp[:])}, nil
	}
}

// TestNegotiateSkippedWithoutCredentials covers spec.md §4.3 step 1:
// with no credentials configured on either side, None is proposed and
// the component does nothing further once the target agrees.
func TestNegotiateSkippedWithoutCredentials(t *testing.T) {
	q := &fakeQuerier{responses: []map[string]string{
		{"AuthMethod": "None"},
	}}
	if err := Negotiate(q, Config{}); err != nil {
		t.Fatalf("Negotiate() error = %v", err)
	}
	if len(q.requests) != 1 {
		t.Fatalf("len(requests) = %d, want 1", len(q.requests))
	}
	if got := q.requests[0]["AuthMethod"]; got != "None" {
		t.Errorf("AuthMethod proposal = %q, want %q", got, "None")
	}
}

// TestNegotiateRequiredButDeclined covers the EAUTH case: both sides
// configured for mutual CHAP, but the target declines authentication.
func TestNegotiateRequiredButDeclined(t *testing.T) {
	q := &fakeQuerier{responses: []map[string]string{
		{"AuthMethod": "None"},
	}}
	cfg := Config{InitiatorUser: "iqn.initiator", InitiatorSecret: []byte("alpha"), TargetSecret: []byte("beta")}
	if err := Negotiate(q, cfg); err != ErrAuthRequired {
		t.Errorf("Negotiate() error = %v, want ErrAuthRequired", err)
	}
}
