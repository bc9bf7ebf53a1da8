package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/shurlinet/parley/internal/config"
)

func runRelay(args []string) {
	if len(args) < 1 {
		printRelayUsage()
		osExit(1)
	}

	switch args[0] {
	case "serve":
		runRelayServe(args[1:])
	case "join":
		runRelayJoin(args[1:])
	case "start":
		runRelayStart(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown relay command: %s\n\n", args[0])
		printRelayUsage()
		osExit(1)
	}
}

func printRelayUsage() {
	fmt.Println("Usage: parley relay <command> [options]")
	fmt.Println()
	fmt.Println("  serve [--config path] [-v]   Run this node as a relay in the foreground")
	fmt.Println("  start                        Make the running daemon a relay")
	fmt.Println("  join <relay-multiaddr>       Reserve a slot on a relay via the daemon")
	fmt.Println()
	fmt.Println("The relay multiaddr must end in /p2p/<relay-peer-id>.")
}

func runRelayServe(args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := doRelayServe(ctx, args, os.Stdout); err != nil {
		stop()
		fatal("Error: %v", err)
	}
}

// doRelayServe runs the daemon with the relay role forced on. Peers that
// cannot reach each other directly meet through it.
func doRelayServe(ctx context.Context, args []string, stdout io.Writer) error {
	fs, configFlag := newFlagSet("relay serve")
	verbose := fs.BoolP("verbose", "v", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *verbose {
		setupLogging(true)
	}

	_, cfg, err := resolveConfigFileErr(*configFlag)
	if err != nil {
		return err
	}
	cfg.Relay.Serve = true
	// A relay does not reserve slots on other relays.
	cfg.Relay.Addresses = nil
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	fmt.Fprintf(stdout, "parley relay %s (%s)\n", version, commit)
	return serveNode(ctx, cfg, stdout)
}

func runRelayJoin(args []string) {
	if err := doRelayJoin(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doRelayJoin(args []string, stdout io.Writer) error {
	fs, configFlag := newFlagSet("relay join")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: parley relay join <relay-multiaddr>")
	}

	c, err := daemonClient(*configFlag)
	if err != nil {
		return err
	}
	addr, err := c.JoinRelay(fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Reachable via relay: %s\n", addr)
	return nil
}

func runRelayStart(args []string) {
	if err := doRelayStart(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doRelayStart(args []string, stdout io.Writer) error {
	fs, configFlag := newFlagSet("relay start")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := daemonClient(*configFlag)
	if err != nil {
		return err
	}
	addr, err := c.ServeRelay()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Serving as relay: %s\n", addr)
	return nil
}
