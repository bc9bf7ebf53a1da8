package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/shurlinet/parley/internal/voice"
)

func runCall(args []string) {
	if err := doCall(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

// doCall starts a call to the named peer. Without a peer it prints the
// current call.
func doCall(args []string, stdout io.Writer) error {
	fs, configFlag := newFlagSet("call")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 1 {
		return fmt.Errorf("usage: parley call [peer-id]")
	}

	c, err := daemonClient(*configFlag)
	if err != nil {
		return err
	}
	if fs.NArg() == 0 {
		st, err := c.CallState()
		if err != nil {
			return err
		}
		printCallState(stdout, st)
		return nil
	}

	callID, err := c.Call(fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Calling %s (call %s)\n", fs.Arg(0), callID)
	return nil
}

func printCallState(w io.Writer, st *voice.CallState) {
	if st.Phase == voice.PhaseIdle || st.Phase == "" {
		fmt.Fprintln(w, "No call")
		return
	}
	fmt.Fprintf(w, "Call %s: %s %s with %s", st.CallID, st.Direction, st.Phase, st.Peer)
	if !st.Started.IsZero() {
		fmt.Fprintf(w, " since %s", st.Started.Format(time.RFC3339))
	}
	fmt.Fprintln(w)
}

func runAnswer(args []string) {
	if err := doAnswer(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doAnswer(args []string, stdout io.Writer) error {
	fs, configFlag := newFlagSet("answer")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := daemonClient(*configFlag)
	if err != nil {
		return err
	}
	st, err := c.Answer()
	if err != nil {
		return err
	}
	printCallState(stdout, st)
	return nil
}

func runHangup(args []string) {
	if err := doHangup(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doHangup(args []string, stdout io.Writer) error {
	fs, configFlag := newFlagSet("hangup")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := daemonClient(*configFlag)
	if err != nil {
		return err
	}
	if err := c.Hangup(); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "Call ended.")
	return nil
}

func runSendAudio(args []string) {
	if err := doSendAudio(context.Background(), args, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

// doSendAudio streams already-encoded audio on the active call, one
// chunk per interval. It reads the named file, or stdin without one.
func doSendAudio(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs, configFlag := newFlagSet("send-audio")
	chunkSize := fs.Int("chunk-size", 4096, "bytes per chunk")
	interval := fs.Duration("interval", 20*time.Millisecond, "delay between chunks (0 = as fast as possible)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 1 {
		return fmt.Errorf("usage: parley send-audio [file] [--chunk-size N] [--interval d]")
	}
	if *chunkSize <= 0 {
		return fmt.Errorf("--chunk-size must be positive")
	}

	src := stdin
	if fs.NArg() == 1 {
		f, err := os.Open(fs.Arg(0))
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	}

	c, err := daemonClient(*configFlag)
	if err != nil {
		return err
	}

	limit := rate.Inf
	if *interval > 0 {
		limit = rate.Every(*interval)
	}
	limiter := rate.NewLimiter(limit, 1)

	r := bufio.NewReaderSize(src, *chunkSize)
	buf := make([]byte, *chunkSize)
	chunks, total := 0, 0
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if werr := limiter.Wait(ctx); werr != nil {
				return werr
			}
			if serr := c.SendAudio(buf[:n]); serr != nil {
				return serr
			}
			chunks++
			total += n
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return err
		}
	}
	fmt.Fprintf(stdout, "Sent %d bytes in %d chunk(s)\n", total, chunks)
	return nil
}
