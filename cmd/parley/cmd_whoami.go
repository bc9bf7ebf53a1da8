package main

import (
	"fmt"
	"io"
	"os"

	"github.com/shurlinet/parley/internal/daemon"
	"github.com/shurlinet/parley/pkg/p2pnet"
)

func runWhoami(args []string) {
	if err := doWhoami(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

// doWhoami prints the peer ID of the configured key file. Without one the
// identity is ephemeral, so the running daemon is asked instead.
func doWhoami(args []string, stdout io.Writer) error {
	fs, configFlag := newFlagSet("whoami")
	if err := fs.Parse(args); err != nil {
		return err
	}

	_, cfg, err := resolveConfigFileErr(*configFlag)
	if err != nil {
		return err
	}

	if cfg.Identity.KeyFile != "" {
		peerID, err := p2pnet.PeerIDFromKeyFile(cfg.Identity.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load identity: %w", err)
		}
		fmt.Fprintln(stdout, peerID.String())
		return nil
	}

	c, err := daemon.NewClient(cfg.Daemon.SocketPath, cfg.Daemon.CookiePath)
	if err != nil {
		return fmt.Errorf("no identity.key_file configured and %w", err)
	}
	st, err := c.Status()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s (ephemeral)\n", st.PeerID)
	return nil
}
