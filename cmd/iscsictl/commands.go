// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"fmt"

	"github.com/go-iscsi/initiator/internal/ipc"
)

type loginCmd struct {
	Target string `arg:"" help:"Target IQN"`
	Portal string `arg:"" help:"Portal address:port"`
}

func (l *loginCmd) Run(ctx *context) error {
	resp, err := ctx.client.call(ipc.Request{Func: ipc.FuncLogin, Fields: []string{l.Target, l.Portal}})
	if err != nil {
		return err
	}
	return errorFromResponse(resp)
}

type logoutCmd struct {
	Target string `arg:"" help:"Target IQN"`
}

func (l *logoutCmd) Run(ctx *context) error {
	resp, err := ctx.client.call(ipc.Request{Func: ipc.FuncLogout, Fields: []string{l.Target}})
	if err != nil {
		return err
	}
	return errorFromResponse(resp)
}

type listTargetsCmd struct{}

func (l *listTargetsCmd) Run(ctx *context) error {
	resp, err := ctx.client.call(ipc.Request{Func: ipc.FuncCreateArrayOfActiveTargets})
	if err != nil {
		return err
	}
	if err := errorFromResponse(resp); err != nil {
		return err
	}
	for _, name := range splitStringList(resp.Payload) {
		fmt.Println(name)
	}
	return nil
}

type listPortalsCmd struct {
	Target string `arg:"" help:"Target IQN"`
}

func (l *listPortalsCmd) Run(ctx *context) error {
	resp, err := ctx.client.call(ipc.Request{Func: ipc.FuncCreateArrayOfActivePortalsForTarget, Fields: []string{l.Target}})
	if err != nil {
		return err
	}
	if err := errorFromResponse(resp); err != nil {
		return err
	}
	for _, portal := range splitStringList(resp.Payload) {
		fmt.Println(portal)
	}
	return nil
}

type discoverCmd struct{}

func (d *discoverCmd) Run(ctx *context) error {
	resp, err := ctx.client.call(ipc.Request{Func: ipc.FuncUpdateDiscovery})
	if err != nil {
		return err
	}
	return errorFromResponse(resp)
}

type queryAuthMethodCmd struct {
	Target string `arg:"" help:"Target IQN"`
	Portal string `arg:"" help:"Portal address:port"`
}

func (q *queryAuthMethodCmd) Run(ctx *context) error {
	resp, err := ctx.client.call(ipc.Request{Func: ipc.FuncQueryTargetForAuthMethod, Fields: []string{q.Target, q.Portal}})
	if err != nil {
		return err
	}
	if err := errorFromResponse(resp); err != nil {
		return err
	}
	fmt.Println(string(resp.Payload))
	return nil
}

type setSecretCmd struct {
	Target   string `arg:"" help:"Target IQN"`
	Portal   string `arg:"" help:"Portal address:port"`
	User     string `arg:"" help:"CHAP user name"`
	Password string `flag:"" required:"" type:"password" help:"CHAP shared secret"`
}

func (s *setSecretCmd) Run(ctx *context) error {
	resp, err := ctx.client.call(ipc.Request{
		Func:   ipc.FuncSetSharedSecret,
		Fields: []string{s.Target, s.Portal, s.User},
		Blob:   []byte(s.Password),
	})
	if err != nil {
		return err
	}
	return errorFromResponse(resp)
}

type removeSecretCmd struct {
	Target string `arg:"" help:"Target IQN"`
	Portal string `arg:"" help:"Portal address:port"`
}

func (r *removeSecretCmd) Run(ctx *context) error {
	resp, err := ctx.client.call(ipc.Request{Func: ipc.FuncRemoveSharedSecret, Fields: []string{r.Target, r.Portal}})
	if err != nil {
		return err
	}
	return errorFromResponse(resp)
}

// splitStringList decodes the nul-terminated string list encoding
// internal/daemon's encodeStringList produces.
func splitStringList(payload []byte) []string {
	var out []string
	for _, part := range bytes.Split(payload, []byte{0}) {
		if len(part) > 0 {
			out = append(out, string(part))
		}
	}
	return out
}
