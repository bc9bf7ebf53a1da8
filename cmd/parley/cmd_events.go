package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shurlinet/parley/internal/node"
	"github.com/shurlinet/parley/internal/termcolor"
)

// errEnoughEvents ends the stream once --count events were printed.
var errEnoughEvents = errors.New("enough events")

var knownEventTypes = map[node.EventType]bool{
	node.EventChatMessage:        true,
	node.EventIncomingCall:       true,
	node.EventVoiceChunk:         true,
	node.EventCallTerminated:     true,
	node.EventConnectionUpgraded: true,
}

func runEvents(args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := doEvents(ctx, args, os.Stdout); err != nil {
		stop()
		fatal("Error: %v", err)
	}
}

// doEvents prints node events until ctx ends, the daemon closes the
// stream or --count events were printed. --json prints one JSON object
// per line instead of text.
func doEvents(ctx context.Context, args []string, stdout io.Writer) error {
	fs, configFlag := newFlagSet("events")
	typeFlag := fs.StringSliceP("type", "t", nil, "event types to show (repeatable or comma-separated)")
	count := fs.Int("count", 0, "exit after this many events (0 = unlimited)")
	jsonFlag := fs.Bool("json", false, "print events as JSON lines")
	if err := fs.Parse(args); err != nil {
		return err
	}

	types := make([]node.EventType, 0, len(*typeFlag))
	for _, t := range *typeFlag {
		et := node.EventType(t)
		if !knownEventTypes[et] {
			return fmt.Errorf("unknown event type %q", t)
		}
		types = append(types, et)
	}

	c, err := daemonClient(*configFlag)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	cw := termcolor.NewWriter(stdout)
	seen := 0
	err = c.Events(ctx, types, func(ev node.Event) error {
		if *jsonFlag {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		} else {
			printEvent(cw, ev)
		}
		seen++
		if *count > 0 && seen >= *count {
			return errEnoughEvents
		}
		return nil
	})
	if errors.Is(err, errEnoughEvents) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// printEvent renders one event as a line of text.
func printEvent(cw *termcolor.Writer, ev node.Event) {
	ts := ev.Time.Local().Format(time.TimeOnly)
	switch ev.Type {
	case node.EventChatMessage:
		fmt.Fprintf(cw, "[%s] <%s> %s\n", ts, cw.Wrap(termcolor.Green, ev.Username), ev.Message)
	case node.EventIncomingCall:
		cw.Println(termcolor.Yellow, "[%s] incoming call %s from %s", ts, ev.CallID, ev.Peer)
	case node.EventCallTerminated:
		cw.Println(termcolor.Red, "[%s] call %s ended: %s", ts, ev.CallID, ev.Reason)
	case node.EventConnectionUpgraded:
		cw.Println(termcolor.Green, "[%s] direct connection to %s", ts, ev.Peer)
	case node.EventVoiceChunk:
		cw.Println(termcolor.Faint, "[%s] audio %d bytes from %s", ts, len(ev.Chunk), ev.Peer)
	default:
		fmt.Fprintf(cw, "[%s] %s\n", ts, ev.Type)
	}
}
