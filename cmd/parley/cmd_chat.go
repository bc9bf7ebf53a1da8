package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

func runConnect(args []string) {
	if err := doConnect(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doConnect(args []string, stdout io.Writer) error {
	fs, configFlag := newFlagSet("connect")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: parley connect <multiaddr>/p2p/<peer-id>")
	}

	c, err := daemonClient(*configFlag)
	if err != nil {
		return err
	}
	resp, err := c.Connect(fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Connected to %s (%s)\n", resp.PeerID, resp.Path)
	return nil
}

func runChat(args []string) {
	if err := doChat(args, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

// doChat sends its arguments as one line. With no arguments it sends
// each line read from stdin until EOF.
func doChat(args []string, stdin io.Reader, stdout io.Writer) error {
	fs, configFlag := newFlagSet("chat")
	quiet := fs.BoolP("quiet", "q", false, "do not report delivery counts")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := daemonClient(*configFlag)
	if err != nil {
		return err
	}
	send := func(text string) error {
		n, err := c.Chat(text)
		if err != nil {
			return err
		}
		if !*quiet {
			fmt.Fprintf(stdout, "Delivered to %d peer(s)\n", n)
		}
		return nil
	}

	if fs.NArg() > 0 {
		return send(strings.Join(fs.Args(), " "))
	}
	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := send(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func runName(args []string) {
	if err := doName(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doName(args []string, stdout io.Writer) error {
	fs, configFlag := newFlagSet("name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: parley name <display-name>")
	}

	c, err := daemonClient(*configFlag)
	if err != nil {
		return err
	}
	name, err := c.SetName(strings.Join(fs.Args(), " "))
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Display name: %s\n", name)
	return nil
}

func runStatus(args []string) {
	if err := doStatus(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doStatus(args []string, stdout io.Writer) error {
	fs, configFlag := newFlagSet("status")
	jsonFlag := fs.Bool("json", false, "output as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := daemonClient(*configFlag)
	if err != nil {
		return err
	}
	if *jsonFlag {
		resp, err := c.Status()
		if err != nil {
			return err
		}
		return writeJSON(stdout, resp)
	}
	text, err := c.StatusText()
	if err != nil {
		return err
	}
	fmt.Fprint(stdout, text)
	return nil
}

func runPeers(args []string) {
	if err := doPeers(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doPeers(args []string, stdout io.Writer) error {
	fs, configFlag := newFlagSet("peers")
	allFlag := fs.Bool("all", false, "include lost sessions")
	jsonFlag := fs.Bool("json", false, "output as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := daemonClient(*configFlag)
	if err != nil {
		return err
	}
	if *jsonFlag {
		peers, err := c.Peers(*allFlag)
		if err != nil {
			return err
		}
		return writeJSON(stdout, peers)
	}
	text, err := c.PeersText(*allFlag)
	if err != nil {
		return err
	}
	fmt.Fprint(stdout, text)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
