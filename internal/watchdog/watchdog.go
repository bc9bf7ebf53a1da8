// Package watchdog runs periodic health checks for the daemon and speaks
// the systemd notify protocol.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultInterval is used when Config.Interval is zero.
const DefaultInterval = 30 * time.Second

// Config holds watchdog configuration.
type Config struct {
	Interval time.Duration
	Clock    clock.Clock // nil = wall clock

	// OnResult, if set, is called after every check.
	OnResult func(name string, err error)
}

// HealthCheck is a named probe that returns nil if healthy.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Run checks health every interval until ctx is done. A check that starts
// failing is logged once, and again when it recovers. The systemd
// heartbeat is sent every round regardless: it proves the process is
// alive, not that every check passed.
func Run(ctx context.Context, cfg Config, checks []HealthCheck) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	failing := make(map[string]bool, len(checks))
	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, hc := range checks {
				err := hc.Check(ctx)
				switch {
				case err != nil && !failing[hc.Name]:
					slog.Warn("watchdog: health check failed", "check", hc.Name, "err", err)
					failing[hc.Name] = true
				case err == nil && failing[hc.Name]:
					slog.Info("watchdog: health check recovered", "check", hc.Name)
					failing[hc.Name] = false
				}
				if cfg.OnResult != nil {
					cfg.OnResult(hc.Name, err)
				}
			}
			if err := Heartbeat(); err != nil {
				slog.Debug("watchdog: heartbeat", "err", err)
			}
		}
	}
}

// Ready sends READY=1 to systemd. No-op outside systemd.
func Ready() error {
	return sdNotify("READY=1")
}

// Heartbeat sends WATCHDOG=1 to systemd. No-op outside systemd.
func Heartbeat() error {
	return sdNotify("WATCHDOG=1")
}

// Stopping sends STOPPING=1 to systemd. No-op outside systemd.
func Stopping() error {
	return sdNotify("STOPPING=1")
}

// sdNotify writes state to $NOTIFY_SOCKET. Abstract sockets (leading @)
// and filesystem sockets both work.
func sdNotify(state string) error {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return nil
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: socketPath, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("sd_notify: dial: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(state)); err != nil {
		return fmt.Errorf("sd_notify: write: %w", err)
	}
	return nil
}
