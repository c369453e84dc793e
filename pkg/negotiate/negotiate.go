// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package negotiate implements the iSCSI operational text-key
// negotiation algebra: propose a dictionary, send it, and reconcile
// the target's response back into a typed parameter set key by key.
// It is grounded on the teacher's ControlSession.properties()/
// parseTPerProperties/parseHostProperties trio in pkg/core/session.go
// (propose a struct-shaped dictionary, parse the peer's reply back
// into a typed struct field by field), generalized into a data-driven
// key table since the iSCSI key set has a reconciliation algebra (min,
// max, and, or, equal) that TCG's plain dictionary merge does not.
package negotiate

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrUnsupportedParameter = errors.New("negotiate: target proposed an out-of-range value")
	ErrMissingParameter     = errors.New("negotiate: target omitted a required key")
	ErrMismatch             = errors.New("negotiate: target's enum value did not match the proposal")
)

// Kind names the reconciliation law applied to one key's proposed and
// returned values.
type Kind int

const (
	KindNumericMin Kind = iota
	KindBoolOR
	KindBoolAND
	KindEnumEqual
	KindRecordOnly
	KindRecordOrCheckEqual
)

// KeySpec is one row of the negotiation table (spec.md §4.5): how a
// key's value is proposed, how the target's answer is reconciled
// against it, and, for numeric keys, the legal range.
type KeySpec struct {
	Key      string
	Kind     Kind
	Min, Max uint64 // only meaningful for KindNumericMin
	Required bool   // missing response key is an error rather than "leave at proposed"
}

// Table is the standard session/connection key set from spec.md
// §4.5. TargetAlias and TargetPortalGroupTag are handled outside this
// table (KindRecordOnly / KindRecordOrCheckEqual) since they are never
// themselves proposed by the initiator.
var Table = []KeySpec{
	{Key: "MaxConnections", Kind: KindNumericMin, Min: 1, Max: 65535, Required: false},
	{Key: "InitialR2T", Kind: KindBoolOR, Required: false},
	{Key: "ImmediateData", Kind: KindBoolAND, Required: false},
	{Key: "MaxBurstLength", Kind: KindNumericMin, Min: 512, Max: 1<<24 - 1, Required: false},
	{Key: "FirstBurstLength", Kind: KindNumericMin, Min: 512, Max: 1<<24 - 1, Required: false},
	{Key: "MaxOutstandingR2T", Kind: KindNumericMin, Min: 1, Max: 65535, Required: false},
	{Key: "DataPDUInOrder", Kind: KindBoolAND, Required: false},
	{Key: "DataSequenceInOrder", Kind: KindBoolAND, Required: false},
	{Key: "DefaultTime2Wait", Kind: KindNumericMin, Min: 0, Max: 3600, Required: false},
	{Key: "DefaultTime2Retain", Kind: KindNumericMin, Min: 0, Max: 3600, Required: false},
	{Key: "ErrorRecoveryLevel", Kind: KindNumericMin, Min: 0, Max: 2, Required: false},
	{Key: "HeaderDigest", Kind: KindEnumEqual, Required: false},
	{Key: "DataDigest", Kind: KindEnumEqual, Required: false},
}

// Defaults holds the values the initiator proposes before
// reconciliation, mirroring the column "Proposal" in spec.md §4.5.
type Defaults struct {
	MaxConnections      uint32
	InitialR2T          bool
	ImmediateData       bool
	MaxBurstLength      uint32
	FirstBurstLength    uint32
	MaxOutstandingR2T   uint32
	DataPDUInOrder      bool
	DataSequenceInOrder bool
	DefaultTime2Wait    uint32
	DefaultTime2Retain  uint32
	ErrorRecoveryLevel  uint32
	HeaderDigest        string
	DataDigest          string
}

// DefaultProposal returns the stock set of values spec.md §4.5 calls
// "default (e.g. 262144)" etc, before any caller-supplied override.
func DefaultProposal() Defaults {
	return Defaults{
		MaxConnections:      1,
		InitialR2T:          true,
		ImmediateData:       true,
		MaxBurstLength:      262144,
		FirstBurstLength:    65536,
		MaxOutstandingR2T:   1,
		DataPDUInOrder:      true,
		DataSequenceInOrder: true,
		DefaultTime2Wait:    2,
		DefaultTime2Retain:  20,
		ErrorRecoveryLevel:  0,
		HeaderDigest:        "None",
		DataDigest:          "None",
	}
}

// Propose renders d as the text dictionary sent in the Login/Text
// Request's data segment, per the §4.5 table's "Proposal" column.
func (d Defaults) Propose() map[string]string {
	return map[string]string{
		"MaxConnections":      formatUint(d.MaxConnections),
		"InitialR2T":          formatBool(d.InitialR2T),
		"ImmediateData":       formatBool(d.ImmediateData),
		"MaxBurstLength":      formatUint(d.MaxBurstLength),
		"FirstBurstLength":    formatUint(d.FirstBurstLength),
		"MaxOutstandingR2T":   formatUint(d.MaxOutstandingR2T),
		"DataPDUInOrder":      formatBool(d.DataPDUInOrder),
		"DataSequenceInOrder": formatBool(d.DataSequenceInOrder),
		"DefaultTime2Wait":    formatUint(d.DefaultTime2Wait),
		"DefaultTime2Retain":  formatUint(d.DefaultTime2Retain),
		"ErrorRecoveryLevel":  formatUint(d.ErrorRecoveryLevel),
		"HeaderDigest":        d.HeaderDigest,
		"DataDigest":          d.DataDigest,
	}
}

// Reconciled holds the final, agreed value of every negotiated key,
// after Reconcile has applied the §4.5 algebra to the target's reply.
type Reconciled struct {
	Values map[string]string
}

func (r Reconciled) Uint32(key string) uint32 {
	v, _ := strconv.ParseUint(r.Values[key], 10, 32)
	return uint32(v)
}

func (r Reconciled) Bool(key string) bool {
	return r.Values[key] == "Yes"
}

func (r Reconciled) String(key string) string {
	return r.Values[key]
}

// Reconcile applies the reconciliation law from spec.md §4.5's
// "Reconcile" column to each proposed key against the target's
// response, one key at a time, per Table.
func Reconcile(proposed, response map[string]string) (Reconciled, error) {
	out := make(map[string]string, len(proposed))
	for _, spec := range Table {
		pv, proposedOK := proposed[spec.Key]
		rv, responseOK := response[spec.Key]
		if !proposedOK {
			continue
		}
		if !responseOK {
			if spec.Required {
				return Reconciled{}, fmt.Errorf("%w: %s", ErrMissingParameter, spec.Key)
			}
			out[spec.Key] = pv
			continue
		}
		// FirstBurstLength only bounds unsolicited data; it is ignored
		// when InitialR2T=Yes and ImmediateData=No, since that
		// combination sends no unsolicited data at all (spec.md §4.5).
		// InitialR2T/ImmediateData precede FirstBurstLength in Table,
		// so out already holds their reconciled values here.
		if spec.Key == "FirstBurstLength" && out["InitialR2T"] == "Yes" && out["ImmediateData"] == "No" {
			out[spec.Key] = pv
			continue
		}
		reconciled, err := reconcileOne(spec, pv, rv)
		if err != nil {
			return Reconciled{}, err
		}
		out[spec.Key] = reconciled
	}
	// Carry through any response keys outside the standard table
	// (TargetAlias, TargetPortalGroupTag, vendor-specific keys) so
	// callers that need them can still read Reconciled.Values.
	for k, v := range response {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return Reconciled{Values: out}, nil
}

func reconcileOne(spec KeySpec, proposed, response string) (string, error) {
	switch spec.Kind {
	case KindNumericMin:
		rv, err := strconv.ParseUint(response, 10, 64)
		if err != nil || rv < spec.Min || rv > spec.Max {
			return "", fmt.Errorf("%w: %s=%q", ErrUnsupportedParameter, spec.Key, response)
		}
		pv, err := strconv.ParseUint(proposed, 10, 64)
		if err != nil {
			return "", fmt.Errorf("%w: %s=%q", ErrUnsupportedParameter, spec.Key, proposed)
		}
		if rv < pv {
			return strconv.FormatUint(rv, 10), nil
		}
		return strconv.FormatUint(pv, 10), nil
	case KindBoolOR:
		return formatBool(parseBool(proposed) || parseBool(response)), nil
	case KindBoolAND:
		return formatBool(parseBool(proposed) && parseBool(response)), nil
	case KindEnumEqual:
		if !equalFold(proposed, response) {
			// Per spec.md §4.5: mismatched digest enums fall back to
			// None rather than aborting the login.
			return "None", nil
		}
		return response, nil
	default:
		return response, nil
	}
}

func parseBool(s string) bool { return s == "Yes" }

func formatBool(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func formatUint(v uint32) string { return strconv.FormatUint(uint64(v), 10) }

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
