// SPDX-FileCopyrightText: © 2026 The warelay authors
// SPDX-License-Identifier: AGPL-3.0-only

// warelayd is the warelay session daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/katzenpost/qrterminal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/op/go-logging.v1"

	"github.com/warelay/warelay/auth"
	"github.com/warelay/warelay/config"
	"github.com/warelay/warelay/log"
	"github.com/warelay/warelay/registry"
	"github.com/warelay/warelay/session"
)

func newRootCommand() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "warelayd",
		Short: "warelay multi-device session daemon",
		Long: `warelayd maintains authenticated multi-device chat sessions for the
tenants listed in its configuration file.  Accounts without stored
credentials are paired by scanning the QR code rendered on the
terminal with the primary device.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cfgFile)
		},
	}

	cmd.Flags().StringVarP(&cfgFile, "config", "f", "warelay.toml",
		"path to the daemon configuration file (TOML format)")

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// terminalNotifier logs session lifecycle events and renders pairing
// QR codes on stdout.
type terminalNotifier struct {
	log *logging.Logger
}

func (n *terminalNotifier) ConnectionUpdate(tenant string, u session.ConnectionUpdate) {
	switch {
	case u.Connection == "open" && u.User != nil:
		n.log.Noticef("session/%s: open as %s", tenant, u.User.ID)
	case u.Connection == "close" && u.LastDisconnect != nil:
		n.log.Noticef("session/%s: closed: %v", tenant, u.LastDisconnect.Error)
	case u.Connection != "":
		n.log.Noticef("session/%s: %s", tenant, u.Connection)
	}
	if u.IsNewLogin {
		n.log.Noticef("session/%s: paired with new device", tenant)
	}
}

func (n *terminalNotifier) PairingQR(tenant, payload string) {
	n.log.Noticef("session/%s: scan the QR code below to pair", tenant)
	qrterminal.GenerateWithConfig(payload, qrterminal.Config{
		Level:      qrterminal.L,
		Writer:     os.Stdout,
		HalfBlocks: true,
		QuietZone:  1,
	})
}

func (n *terminalNotifier) CredsUpdated(tenant string) {
	n.log.Debugf("session/%s: credentials persisted", tenant)
}

func runDaemon(cfgFile string) error {
	cfg, err := config.LoadFile(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfgFile, err)
	}

	backend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %v", err)
	}
	logger := backend.GetLogger("warelayd")

	store, err := auth.NewBoltStore(cfg.Store.Path())
	if err != nil {
		return fmt.Errorf("failed to open store '%v': %v", cfg.Store.Path(), err)
	}
	defer store.Close()

	if addr := cfg.Daemon.MetricsAddress; addr != "" {
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(addr, nil); err != nil {
				logger.Errorf("metrics endpoint failed: %v", err)
			}
		}()
		logger.Noticef("metrics exposed on %v", addr)
	}

	reg := registry.New(cfg.Socket.SessionConfig(), store, &terminalNotifier{log: logger}, backend)
	defer reg.DisconnectAll()

	ctx := context.Background()
	for _, s := range cfg.Sessions {
		if err := reg.Connect(ctx, s.Tenant); err != nil {
			logger.Errorf("session/%s: connect failed: %v", s.Tenant, err)
		}
	}

	// Halt gracefully on SIGINT/SIGTERM.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	<-haltCh
	logger.Notice("terminating gracefully")
	return nil
}
