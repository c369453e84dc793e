package ipc_test

import (
	"bytes"
	"testing"

	"github.com/go-iscsi/initiator/internal/ipc"
)

func TestRequestRoundTrip(t *testing.T) {
	req := ipc.Request{
		Func:   ipc.FuncLogin,
		Auth:   []byte("session-token"),
		Fields: []string{"iqn.2016-01.com.example:target0", "10.0.0.1:3260"},
		Blob:   []byte("optional-blob"),
	}

	wire, err := ipc.Encode(req)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	got, err := ipc.Decode(wire)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Func != req.Func {
		t.Errorf("Func = %v, want %v", got.Func, req.Func)
	}
	if !bytes.Equal(got.Auth, req.Auth) {
		t.Errorf("Auth = %q, want %q", got.Auth, req.Auth)
	}
	if len(got.Fields) != len(req.Fields) {
		t.Fatalf("Fields len = %d, want %d", len(got.Fields), len(req.Fields))
	}
	for i := range req.Fields {
		if got.Fields[i] != req.Fields[i] {
			t.Errorf("Fields[%d] = %q, want %q", i, got.Fields[i], req.Fields[i])
		}
	}
	if !bytes.Equal(got.Blob, req.Blob) {
		t.Errorf("Blob = %q, want %q", got.Blob, req.Blob)
	}
}

func TestRequestNoFieldsNoBlob(t *testing.T) {
	req := ipc.Request{Func: ipc.FuncCreateArrayOfActiveTargets}
	wire, err := ipc.Encode(req)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := ipc.Decode(wire)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(got.Fields) != 0 || len(got.Auth) != 0 || len(got.Blob) != 0 {
		t.Errorf("expected all-empty decode, got %+v", got)
	}
}

func TestDecodeEmptyFrame(t *testing.T) {
	if _, err := ipc.Decode(nil); err != ipc.ErrEmptyFrame {
		t.Errorf("Decode(nil) error = %v, want ErrEmptyFrame", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	req := ipc.Request{Func: ipc.FuncLogin, Fields: []string{"a", "bb"}}
	wire, err := ipc.Encode(req)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if _, err := ipc.Decode(wire[:len(wire)-2]); err == nil {
		t.Fatal("expected error decoding truncated frame")
	}
}

func TestResponseRoundTrip(t *testing.T) {
	resp := ipc.Response{
		Func:    ipc.FuncQueryTargetForAuthMethod,
		Err:     ipc.Success,
		Status:  3,
		Payload: []byte("CHAP"),
	}
	wire, err := ipc.EncodeResponse(resp)
	if err != nil {
		t.Fatalf("EncodeResponse() error = %v", err)
	}
	got, err := ipc.DecodeResponse(wire)
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if got.Func != resp.Func || got.Err != resp.Err || got.Status != resp.Status || !bytes.Equal(got.Payload, resp.Payload) {
		t.Errorf("DecodeResponse() = %+v, want %+v", got, resp)
	}
}

func TestResponseNegativeErrorCode(t *testing.T) {
	resp := ipc.Response{Func: ipc.FuncLogin, Err: -1}
	wire, err := ipc.EncodeResponse(resp)
	if err != nil {
		t.Fatalf("EncodeResponse() error = %v", err)
	}
	got, err := ipc.DecodeResponse(wire)
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if got.Err != -1 {
		t.Errorf("Err = %d, want -1", got.Err)
	}
}

func TestRightAllows(t *testing.T) {
	granted := ipc.RightLogin
	if !granted.Allows(ipc.RightLogin) {
		t.Error("RightLogin should allow RightLogin")
	}
	if granted.Allows(ipc.RightModify) {
		t.Error("RightLogin should not allow RightModify")
	}

	both := ipc.RightLogin | ipc.RightModify
	if !both.Allows(ipc.RightModify) {
		t.Error("combined rights should allow RightModify")
	}
}

func TestRequiredRight(t *testing.T) {
	cases := map[ipc.FuncCode]ipc.Right{
		ipc.FuncLogin:                     ipc.RightLogin,
		ipc.FuncLogout:                    ipc.RightLogin,
		ipc.FuncSetSharedSecret:           ipc.RightModify,
		ipc.FuncPreferencesIOLockAndSync:  ipc.RightModify,
		ipc.FuncIsTargetActive:            0,
		ipc.FuncCreateArrayOfActiveTargets: 0,
	}
	for f, want := range cases {
		if got := ipc.RequiredRight(f); got != want {
			t.Errorf("RequiredRight(%v) = %v, want %v", f, got, want)
		}
	}
}

func TestFuncCodeString(t *testing.T) {
	if ipc.FuncLogin.String() != "Login" {
		t.Errorf("FuncLogin.String() = %q", ipc.FuncLogin.String())
	}
	if ipc.FuncCode(255).String() != "<Unknown>" {
		t.Errorf("unknown FuncCode.String() = %q", ipc.FuncCode(255).String())
	}
}
