// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package daemon

import (
	"errors"

	"github.com/go-iscsi/initiator/internal/ipc"
	"github.com/go-iscsi/initiator/internal/prefs"
	"github.com/go-iscsi/initiator/pkg/auth"
	"github.com/go-iscsi/initiator/pkg/hba"
	"github.com/go-iscsi/initiator/pkg/login"
	"github.com/go-iscsi/initiator/pkg/negotiate"
)

// Error kinds, per spec.md §7: "Error kinds (not codes): bad-argument,
// transport-error, authentication-failure, unsupported-parameter,
// already-exists, not-found, busy (resource exhausted, retry later),
// timeout, protocol-reject." Carried on the wire as an errno-style
// ipc.ErrorCode, matching the teacher's MethodStatusCodeMap's wire
// status code keying (pkg/core/method.go) generalized from a map of
// fixed TCG codes to an explicit classification function, because this
// daemon's error surface spans several packages' own sentinel errors
// rather than one method table.
const (
	CodeSuccess ipc.ErrorCode = 0

	CodeBadArgument           ipc.ErrorCode = 1000
	CodeTransportError        ipc.ErrorCode = 1001
	CodeAuthenticationFailure ipc.ErrorCode = 1002
	CodeUnsupportedParameter  ipc.ErrorCode = 1003
	CodeAlreadyExists         ipc.ErrorCode = 1004
	CodeNotFound              ipc.ErrorCode = 1005
	CodeBusy                  ipc.ErrorCode = 1006
	CodeTimeout               ipc.ErrorCode = 1007
	CodeProtocolReject        ipc.ErrorCode = 1008
	CodeAuthorizationDenied   ipc.ErrorCode = 1009
	CodeUnsupportedFunc       ipc.ErrorCode = 1010
)

// classify maps an error returned by pkg/session, pkg/login, pkg/auth,
// pkg/negotiate, pkg/hba, or internal/prefs onto the spec.md §7 error
// kind taxonomy, expressed as an ipc.ErrorCode since that is the only
// wire representation the client protocol carries.
func classify(err error) ipc.ErrorCode {
	switch {
	case err == nil:
		return CodeSuccess
	case errors.Is(err, ErrAlreadyActive):
		return CodeAlreadyExists
	case errors.Is(err, errNotActive):
		return CodeNotFound
	case errors.Is(err, auth.ErrResponseMismatch),
		errors.Is(err, auth.ErrAuthRequired),
		errors.Is(err, auth.ErrMalformedChallenge):
		return CodeAuthenticationFailure
	case errors.Is(err, auth.ErrUnsupportedMethod),
		errors.Is(err, auth.ErrUnsupportedAlgorithm),
		errors.Is(err, negotiate.ErrUnsupportedParameter):
		return CodeUnsupportedParameter
	case errors.Is(err, login.ErrReceiveTimeout):
		return CodeTimeout
	case errors.Is(err, login.ErrLoginNotSupported),
		errors.Is(err, login.ErrStageRegression),
		errors.Is(err, login.ErrTransitRefused),
		errors.Is(err, login.ErrUnexpectedOpcode),
		errors.Is(err, login.ErrSessionClosed):
		return CodeProtocolReject
	case errors.Is(err, hba.ErrResourceExhausted):
		return CodeBusy
	case errors.Is(err, hba.ErrBadAddress):
		return CodeBadArgument
	case errors.Is(err, hba.ErrBadHandle):
		return CodeNotFound
	case errors.Is(err, hba.ErrTransport), errors.Is(err, hba.ErrShortRead):
		return CodeTransportError
	case errors.Is(err, prefs.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, prefs.ErrNotLocked), errors.Is(err, prefs.ErrAlreadyLocked):
		return CodeBusy
	default:
		return CodeTransportError
	}
}
