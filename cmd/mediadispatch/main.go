package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowpbx/mediadispatch/internal/accounting"
	"github.com/flowpbx/mediadispatch/internal/config"
	"github.com/flowpbx/mediadispatch/internal/control"
	"github.com/flowpbx/mediadispatch/internal/dispatch"
	"github.com/flowpbx/mediadispatch/internal/httpdebug"
	"github.com/flowpbx/mediadispatch/internal/metrics"
	"github.com/flowpbx/mediadispatch/internal/opensips"
	"github.com/flowpbx/mediadispatch/internal/passport"
	"github.com/flowpbx/mediadispatch/internal/state"

	"github.com/prometheus/client_golang/prometheus"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting mediadispatch",
		"version", version,
		"listen", cfg.Listen,
		"listen_management", cfg.ListenManagement,
		"socket", cfg.ResolvedSocketPath(),
	)

	startTime := time.Now()

	// Accounting sinks.
	acct, err := accounting.Open(cfg.Accounting, logger)
	if err != nil {
		slog.Error("failed to open accounting sinks", "error", err)
		os.Exit(1)
	}
	if err := acct.Start(); err != nil {
		slog.Error("failed to start accounting", "error", err)
		os.Exit(1)
	}

	// Session snapshot store.
	store, err := state.New(cfg.RuntimeDir, logger)
	if err != nil {
		slog.Error("failed to prepare state store", "error", err)
		os.Exit(1)
	}

	// OpenSIPS management interface client for ending dialogs.
	dialogs := opensips.NewClient(cfg.OpenSIPSMIURL, logger)

	// Relay listener, registry and session router.
	dispatcher := dispatch.New(cfg, store, dialogs, acct, logger)
	if err := dispatcher.Start(); err != nil {
		slog.Error("failed to start relay listener", "error", err)
		os.Exit(1)
	}

	// SIP proxy ingress on the local socket.
	proxySrv := control.NewProxyServer(cfg.ResolvedSocketPath(), dispatcher.Router(), logger)
	if err := proxySrv.Start(); err != nil {
		slog.Error("failed to start proxy control listener", "error", err)
		os.Exit(1)
	}

	// Management console, optionally over TLS with its own passport.
	var mgmtTLS *tls.Config
	var mgmtPolicy *passport.Policy
	if cfg.ManagementUseTLS {
		mgmtTLS, err = passport.ServerTLSConfig(cfg.TLSCert, cfg.TLSKey, cfg.TLSCA)
		if err != nil {
			slog.Error("failed to load management tls credentials", "error", err)
			os.Exit(1)
		}
		mgmtPolicy = passport.New(cfg.ManagementPassport)
	}
	mgmtSrv := control.NewManagementServer(cfg.ListenManagement, dispatcher.Router(), version, mgmtTLS, mgmtPolicy, logger)
	if err := mgmtSrv.Start(); err != nil {
		slog.Error("failed to start management listener", "error", err)
		os.Exit(1)
	}

	// Debug HTTP server with Prometheus metrics, when configured.
	var debugSrv *httpdebug.Server
	if cfg.ListenDebug != "" {
		collector := metrics.NewCollector(dispatcher.Router(), dispatcher.Registry(), startTime)
		if err := prometheus.Register(collector); err != nil {
			slog.Error("failed to register metrics collector", "error", err)
			os.Exit(1)
		}
		debugSrv = httpdebug.New(cfg.ListenDebug, logger)
		debugSrv.Start()
	}

	// Wait for a shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("received shutdown signal", "signal", sig.String())

	// Graceful shutdown with timeout. Ingress stops first so no new
	// requests arrive while the relay links drain and state is saved.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := proxySrv.Shutdown(ctx); err != nil {
		slog.Error("proxy control shutdown error", "error", err)
	}
	if err := mgmtSrv.Shutdown(ctx); err != nil {
		slog.Error("management shutdown error", "error", err)
	}
	if err := dispatcher.Shutdown(ctx); err != nil {
		slog.Error("dispatcher shutdown error", "error", err)
	}
	acct.Stop()
	if debugSrv != nil {
		if err := debugSrv.Shutdown(ctx); err != nil {
			slog.Error("debug http server shutdown error", "error", err)
		}
	}

	slog.Info("mediadispatch stopped")
}
