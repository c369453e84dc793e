// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// iscsictl is the thin client for iscsid's local control socket
// (spec.md §6): subcommands for a subset of the funcCodes, grounded on
// cmd/gosedctl/main.go's kong.Parse(&cli, ...)/ctx.Run(&context{})
// shape, generalized from one flat command struct to kong's
// subcommand form the way cmd/sedlockctl's cmd.go already does.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/go-iscsi/initiator/pkg/cmdutil"
)

const (
	programName = "iscsictl"
	programDesc = "Control the iscsid software initiator daemon"
)

type context struct {
	client *client
}

var cli struct {
	Socket string `flag:"" default:"/var/run/iscsid.sock" help:"Path to the iscsid control socket"`

	Login           loginCmd           `cmd:"" help:"Log in to a target"`
	Logout          logoutCmd          `cmd:"" help:"Log out of a target"`
	ListTargets     listTargetsCmd     `cmd:"" help:"List currently active targets"`
	ListPortals     listPortalsCmd     `cmd:"" help:"List portals known for a target"`
	Discover        discoverCmd        `cmd:"" help:"Trigger a SendTargets discovery pass"`
	SetSecret       setSecretCmd       `cmd:"" help:"Set the CHAP secret for a target/portal"`
	RemoveSecret    removeSecretCmd    `cmd:"" help:"Remove the CHAP secret for a target/portal"`
	QueryAuthMethod queryAuthMethodCmd `cmd:"" help:"Query a target's required authentication method"`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.Resolvers(cmdutil.ResolvePassword(false)),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	c, err := dial(cli.Socket)
	if err != nil {
		fmt.Fprintf(os.Stderr, "iscsictl: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	err = ctx.Run(&context{client: c})
	ctx.FatalIfErrorf(err)
}
