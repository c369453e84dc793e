// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package auth implements the CHAP (RFC 1994) authenticator carried
// inside iSCSI login PDUs during the security-negotiation login
// stage. It drives the exchange through a narrow Querier supplied by
// the login query engine, mirroring the way the teacher's
// table.ThisSP_Authenticate drives a method call through a *core.Session
// without owning the wire format itself.
package auth

import (
	"crypto/md5"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrAuthRequired     = errors.New("auth: target did not authenticate but credentials are required")
	ErrUnsupportedMethod = errors.New("auth: target selected an unsupported authentication method")
	ErrUnsupportedAlgorithm = errors.New("auth: target selected an unsupported CHAP algorithm")
	ErrResponseMismatch = errors.New("auth: CHAP response did not match")
	ErrMalformedChallenge = errors.New("auth: malformed CHAP_I/CHAP_C from target")
)

// ChallengeLength is the length in bytes of a CHAP challenge, per RFC 1994.
const ChallengeLength = 16

// Config carries the credentials configured for one side of a login.
type Config struct {
	InitiatorUser   string
	InitiatorSecret []byte
	// TargetSecret, when non-empty, requests mutual CHAP: the
	// initiator will also challenge the target and verify its response.
	TargetSecret []byte
}

func (c Config) hasInitiatorCreds() bool { return len(c.InitiatorSecret) > 0 }
func (c Config) mutual() bool            { return len(c.TargetSecret) > 0 }

// Querier performs one security-negotiation round trip: send the
// given key/value proposal in a Login Request (CSG=NSG=Security,
// T=0), and return the target's response dictionary. Implemented by
// the login query engine.
type Querier interface {
	Query(req map[string]string) (resp map[string]string, err error)
}

// BuildAuthMethodProposal returns the AuthMethod value to propose,
// per spec.md §4.3 step 1.
func BuildAuthMethodProposal(cfg Config) string {
	if !cfg.hasInitiatorCreds() {
		return "None"
	}
	if cfg.mutual() {
		return "CHAP"
	}
	return "None,CHAP"
}

// ComputeResponse implements the CHAP response law (testable property
// P6): MD5(idByte ‖ secret ‖ challenge).
func ComputeResponse(id byte, secret, challenge []byte) [md5.Size]byte {
	h := md5.New()
	h.Write([]byte{id})
	h.Write(secret)
	h.Write(challenge)
	var sum [md5.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// Negotiate drives the full CHAP exchange (one-way or mutual) through
// q, returning nil once the target has authenticated us and, for
// mutual CHAP, once we have verified the target. If neither side
// carries CHAP credentials the function still performs the AuthMethod
// exchange but otherwise is a no-op, per spec.md §4.3 step 1.
func Negotiate(q Querier, cfg Config) error {
	proposal := BuildAuthMethodProposal(cfg)
	resp, err := q.Query(map[string]string{"AuthMethod": proposal})
	if err != nil {
		return err
	}
	chosen := resp["AuthMethod"]
	if chosen == "" {
		chosen = "None"
	}

	if chosen == "None" {
		if proposal == "CHAP" {
			// We insisted on CHAP; the target declining is an error.
			return ErrAuthRequired
		}
		// We either proposed "None" (no creds at all) or offered
		// "None,CHAP" and the target chose not to authenticate us.
		return nil
	}
	if chosen != "CHAP" {
		return fmt.Errorf("%w: %q", ErrUnsupportedMethod, chosen)
	}
	if !cfg.hasInitiatorCreds() {
		// We never proposed CHAP as a real option; a target claiming
		// to have chosen it anyway is a protocol violation.
		return ErrUnsupportedMethod
	}

	resp2, err := q.Query(map[string]string{"CHAP_A": "5"})
	if err != nil {
		return err
	}
	if resp2["CHAP_A"] != "5" {
		return fmt.Errorf("%w: CHAP_A=%q", ErrUnsupportedAlgorithm, resp2["CHAP_A"])
	}
	id, err := parseCHAPIdentifier(resp2["CHAP_I"])
	if err != nil {
		return err
	}
	challenge, err := DecodeHex(resp2["CHAP_C"])
	if err != nil || len(challenge) == 0 {
		return ErrMalformedChallenge
	}

	response := ComputeResponse(id, cfg.InitiatorSecret, challenge)
	req3 := map[string]string{
		"CHAP_N": cfg.InitiatorUser,
		"CHAP_R": EncodeHex(response[:]),
	}

	var ourID byte
	var ourChallenge []byte
	if cfg.mutual() {
		ourID, ourChallenge, err = generateChallenge()
		if err != nil {
			return err
		}
		req3["CHAP_I"] = strconv.Itoa(int(ourID))
		req3["CHAP_C"] = EncodeHex(ourChallenge)
	}

	resp3, err := q.Query(req3)
	if err != nil {
		return err
	}

	if cfg.mutual() {
		expected := ComputeResponse(ourID, cfg.TargetSecret, ourChallenge)
		got := strings.TrimPrefix(strings.ToLower(resp3["CHAP_R"]), "0x")
		want := strings.TrimPrefix(strings.ToLower(EncodeHex(expected[:])), "0x")
		if got != want {
			return ErrResponseMismatch
		}
	}
	return nil
}

func parseCHAPIdentifier(s string) (byte, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || v < 0 || v > 255 {
		return 0, ErrMalformedChallenge
	}
	return byte(v), nil
}

func generateChallenge() (byte, []byte, error) {
	var idBuf [1]byte
	if _, err := rand.Read(idBuf[:]); err != nil {
		return 0, nil, err
	}
	challenge := make([]byte, ChallengeLength)
	if _, err := rand.Read(challenge); err != nil {
		return 0, nil, err
	}
	return idBuf[0], challenge, nil
}
