// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// iscsid is the daemon entrypoint: it loads configuration, wires the
// real TCP-backed hba.Interface, starts the Daemon supervisor, and
// serves the client IPC protocol (spec.md §6) over a Unix domain
// socket, grounded on cmd/gosedctl/main.go's kong.Parse/ctx.Run shape.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	log "github.com/sirupsen/logrus"

	"github.com/go-iscsi/initiator/internal/daemon"
	"github.com/go-iscsi/initiator/internal/ipclog"
	"github.com/go-iscsi/initiator/internal/metrics"
	"github.com/go-iscsi/initiator/internal/prefs"
	"github.com/go-iscsi/initiator/pkg/config"
	"github.com/go-iscsi/initiator/pkg/hba/tcp"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	programName = "iscsid"
	programDesc = "iSCSI software initiator daemon"
)

// cli is the kong command-line interface: iscsid is a single
// long-running process, so it has flags but no subcommands.
var cli struct {
	Config string `flag:"" optional:"" short:"c" help:"Path to YAML configuration file"`
}

func main() {
	kong.Parse(&cli,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	if err := run(cli.Config); err != nil {
		log.StandardLogger().Fatalf("iscsid: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := ipclog.New(cfg.Log)
	if err != nil {
		return err
	}
	logger.WithField("socket", cfg.IPC.SocketPath).Info("starting iscsid")

	reg := prometheus.NewRegistry()
	collector := metrics.New(reg)
	serveMetrics(reg, cfg.Metrics.Addr, cfg.Metrics.Path, logger)

	store, err := prefs.New(prefs.NewFileStore(prefsPath(cfg)))
	if err != nil {
		return err
	}

	transport := tcp.New()
	defer transport.Close()

	d := daemon.New(cfg, transport, store, logger, collector)
	d.SetAuthorize(localSocketAuthorize)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d.Start(ctx)

	ln, err := listenUnix(cfg.IPC.SocketPath)
	if err != nil {
		return err
	}
	defer ln.Close()

	go serveIPC(ctx, ln, d, logger)

	<-ctx.Done()
	logger.Info("shutting down")
	d.Wait()
	return nil
}

// prefsPath derives the preferences persistence file from the IPC
// socket path's directory, so both live under the same runtime
// directory without adding a separate configuration key.
func prefsPath(cfg *config.Config) string {
	return cfg.IPC.SocketPath + ".prefs.json"
}

func serveMetrics(reg *prometheus.Registry, addr, path string, logger *log.Logger) {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.WithError(err).Warn("metrics server exited")
		}
	}()
}
