package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X main.version=0.1.0 -X main.commit=$(git rev-parse --short HEAD) -X main.buildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)" -o parley ./cmd/parley
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	setupLogging(false)

	if len(os.Args) < 2 {
		printUsage()
		osExit(1)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "daemon":
		runDaemon(args)
	case "relay":
		runRelay(args)
	case "connect":
		runConnect(args)
	case "chat":
		runChat(args)
	case "name":
		runName(args)
	case "call":
		runCall(args)
	case "answer":
		runAnswer(args)
	case "hangup":
		runHangup(args)
	case "send-audio":
		runSendAudio(args)
	case "peers":
		runPeers(args)
	case "status":
		runStatus(args)
	case "events":
		runEvents(args)
	case "whoami":
		runWhoami(args)
	case "config":
		runConfig(args)
	case "version", "--version":
		printVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		osExit(1)
	}
}

// setupLogging installs the default slog handler. verbose enables debug.
func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

func printVersion() {
	fmt.Printf("parley %s (%s) built %s\n", version, commit, buildDate)
	fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printUsage() {
	fmt.Println("Usage: parley <command> [options]")
	fmt.Println()
	fmt.Println("Daemon:")
	fmt.Println("  daemon [--config path] [--verbose]        Start the node and control API")
	fmt.Println("  daemon stop                               Graceful shutdown")
	fmt.Println("  status [--json]                           Node status")
	fmt.Println("  peers [--all] [--json]                    Peer sessions and their paths")
	fmt.Println("  events [--type t]...                      Stream node events as JSON lines")
	fmt.Println()
	fmt.Println("Connections:")
	fmt.Println("  connect <multiaddr>/p2p/<id>              Connect (relayed or direct)")
	fmt.Println("  connect /p2p/<id>                         Connect via DHT lookup")
	fmt.Println("  relay join <relay-multiaddr>              Reserve a slot on a relay")
	fmt.Println("  relay start                               Make the running node a relay")
	fmt.Println("  relay serve [--config path]               Run a standalone relay")
	fmt.Println()
	fmt.Println("Chat:")
	fmt.Println("  chat <text...>                            Send a line to every connected peer")
	fmt.Println("  name <display-name>                       Change your display name")
	fmt.Println()
	fmt.Println("Voice:")
	fmt.Println("  call <peer-id>                            Start a call")
	fmt.Println("  answer                                    Answer a ringing call")
	fmt.Println("  hangup                                    End the current call")
	fmt.Println("  send-audio [file] [--chunk-size N]        Stream encoded audio (stdin if no file)")
	fmt.Println()
	fmt.Println("Identity & configuration:")
	fmt.Println("  whoami [--config path]                    Show your peer ID")
	fmt.Println("  config validate [--config path]           Validate config")
	fmt.Println("  config show [--config path]               Show resolved config")
	fmt.Println("  version                                   Show version information")
	fmt.Println()
	fmt.Println("All commands accept --config <path>. Without it, parley searches:")
	fmt.Println("./parley.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml")
}
