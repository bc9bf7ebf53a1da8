package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/shurlinet/parley/internal/config"
	"github.com/shurlinet/parley/internal/daemon"
	"github.com/shurlinet/parley/internal/node"
	"github.com/shurlinet/parley/internal/watchdog"
	"github.com/shurlinet/parley/pkg/p2pnet"
)

func runDaemon(args []string) {
	if len(args) > 0 {
		switch args[0] {
		case "start":
			args = args[1:]
		case "stop":
			runDaemonStop(args[1:])
			return
		case "help", "--help", "-h":
			printDaemonUsage()
			return
		}
	}
	runDaemonStart(args)
}

func printDaemonUsage() {
	fmt.Println("Usage: parley daemon [subcommand]")
	fmt.Println()
	fmt.Println("  (no subcommand)             Start daemon in foreground")
	fmt.Println("  start [--config path] [-v]  Start daemon in foreground")
	fmt.Println("  stop                        Graceful shutdown")
}

func runDaemonStart(args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := doDaemonStart(ctx, args, os.Stdout); err != nil {
		stop()
		fatal("Error: %v", err)
	}
}

func doDaemonStart(ctx context.Context, args []string, stdout io.Writer) error {
	fs, configFlag := newFlagSet("daemon")
	verbose := fs.BoolP("verbose", "v", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *verbose {
		setupLogging(true)
	}

	cfgFile, cfg, err := resolveConfigFileErr(*configFlag)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	fmt.Fprintf(stdout, "parley daemon %s (%s)\n", version, commit)
	if cfgFile != "" {
		fmt.Fprintf(stdout, "Config: %s\n", cfgFile)
	} else {
		fmt.Fprintln(stdout, "Config: built-in defaults")
	}
	return serveNode(ctx, cfg, stdout)
}

// serveNode runs a node with its control API until ctx ends or a client
// requests shutdown.
func serveNode(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	var metrics *p2pnet.Metrics
	if cfg.Telemetry.MetricsEnabled {
		metrics = p2pnet.NewMetrics(version, runtime.Version())
	}
	var audit *p2pnet.AuditLogger
	if cfg.Telemetry.AuditEnabled {
		audit = p2pnet.NewAuditLogger(slog.Default().Handler())
	}

	n, err := node.New(cfg, node.Options{
		Version: version,
		Metrics: metrics,
		Audit:   audit,
	})
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	defer n.Close()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	srv := daemon.NewServer(n, cfg.Daemon.SocketPath, cfg.Daemon.CookiePath, version)
	srv.SetInstrumentation(metrics, audit)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("daemon API failed to start: %w", err)
	}
	defer srv.Stop()

	if metricsSrv := startMetricsServer(cfg.Telemetry.MetricsListen, metrics); metricsSrv != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go watchdog.Run(watchCtx, watchdog.Config{}, healthChecks(cfg, srv, n.Status))
	if err := watchdog.Ready(); err != nil {
		slog.Warn("daemon: sd_notify ready", "err", err)
	}

	st := n.Status()
	fmt.Fprintf(stdout, "Peer ID: %s\n", st.PeerID)
	fmt.Fprintf(stdout, "Display name: %s\n", st.DisplayName)
	for _, a := range st.ListenAddrs {
		fmt.Fprintf(stdout, "  %s/p2p/%s\n", a, st.PeerID)
	}
	if st.RelayServing != "" {
		fmt.Fprintf(stdout, "Relay: %s\n", st.RelayServing)
	}
	fmt.Fprintf(stdout, "Daemon API: %s\n", cfg.Daemon.SocketPath)

	select {
	case <-ctx.Done():
		fmt.Fprintln(stdout, "\nShutting down...")
	case <-srv.ShutdownCh():
		fmt.Fprintln(stdout, "\nShutdown requested via API")
	}

	watchdog.Stopping()
	stopWatch()
	srv.Stop()
	if err := n.Close(); err != nil {
		slog.Warn("daemon: node close", "err", err)
	}
	fmt.Fprintln(stdout, "Daemon stopped.")
	return nil
}

// healthChecks lists what the watchdog probes while the daemon runs.
func healthChecks(cfg *config.Config, srv *daemon.Server, status func() node.Status) []watchdog.HealthCheck {
	checks := []watchdog.HealthCheck{{
		Name: "daemon-socket",
		Check: func(context.Context) error {
			if srv.Listener() == nil {
				return fmt.Errorf("daemon socket not listening")
			}
			if _, err := os.Stat(srv.SocketPath()); err != nil {
				return fmt.Errorf("daemon socket: %w", err)
			}
			return nil
		},
	}}
	if len(cfg.Relay.Addresses) > 0 && !cfg.Relay.Serve {
		checks = append(checks, watchdog.HealthCheck{
			Name: "relay-reservation",
			Check: func(context.Context) error {
				if len(status().RelayAddrs) == 0 {
					return fmt.Errorf("no relay reservation")
				}
				return nil
			},
		})
	}
	return checks
}

// startMetricsServer serves /metrics on addr. It returns nil when
// metrics are disabled.
func startMetricsServer(addr string, metrics *p2pnet.Metrics) *http.Server {
	if metrics == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("metrics endpoint started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics endpoint error", "err", err)
		}
	}()
	return srv
}

func runDaemonStop(args []string) {
	if err := doDaemonStop(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doDaemonStop(args []string, stdout io.Writer) error {
	fs, configFlag := newFlagSet("daemon stop")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := daemonClient(*configFlag)
	if err != nil {
		return err
	}
	if err := c.Shutdown(); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "Shutdown requested.")
	return nil
}
