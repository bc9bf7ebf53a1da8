package watchdog

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type result struct {
	name string
	err  error
}

// runMock starts Run on a mock clock and returns a channel of check
// results plus a function that advances the clock until n more results
// have arrived.
func runMock(t *testing.T, checks []HealthCheck) (<-chan result, func(n int) []result) {
	t.Helper()
	mock := clock.NewMock()
	results := make(chan result, 64)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(ctx, Config{
			Interval: time.Second,
			Clock:    mock,
			OnResult: func(name string, err error) { results <- result{name, err} },
		}, checks)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// The ticker may not exist yet, so keep ticking until results land.
	collect := func(n int) []result {
		t.Helper()
		var got []result
		deadline := time.After(5 * time.Second)
		for len(got) < n {
			select {
			case r := <-results:
				got = append(got, r)
				continue
			case <-deadline:
				t.Fatalf("got %d results, want %d", len(got), n)
			default:
			}
			mock.Add(time.Second)
		}
		return got
	}
	return results, collect
}

func captureLogs(t *testing.T) *lockedBuffer {
	t.Helper()
	buf := &lockedBuffer{}
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(old) })
	return buf
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunChecksEachInterval(t *testing.T) {
	captureLogs(t)
	checks := []HealthCheck{
		{Name: "socket", Check: func(context.Context) error { return nil }},
		{Name: "relay", Check: func(context.Context) error { return errors.New("no reservation") }},
	}
	_, collect := runMock(t, checks)

	got := collect(4)
	for i, r := range got {
		want := checks[i%2].Name
		if r.name != want {
			t.Errorf("result %d = %s, want %s", i, r.name, want)
		}
		if (r.err != nil) != (want == "relay") {
			t.Errorf("result %d err = %v", i, r.err)
		}
	}
}

// A failing check is logged when it starts failing and when it recovers,
// not every round.
func TestRunLogsTransitions(t *testing.T) {
	logs := captureLogs(t)

	var mu sync.Mutex
	healthy := false
	checks := []HealthCheck{{Name: "socket", Check: func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if healthy {
			return nil
		}
		return errors.New("gone")
	}}}
	_, collect := runMock(t, checks)

	collect(3)
	if n := strings.Count(logs.String(), "health check failed"); n != 1 {
		t.Errorf("failure logged %d times, want 1:\n%s", n, logs.String())
	}

	mu.Lock()
	healthy = true
	mu.Unlock()
	// Rounds already queued may still report the failure.
	for collect(1)[0].err != nil {
	}
	if n := strings.Count(logs.String(), "health check recovered"); n != 1 {
		t.Errorf("recovery logged %d times, want 1:\n%s", n, logs.String())
	}
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		Run(ctx, Config{Interval: time.Hour}, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return on cancelled context")
	}
}

func TestRunDefaultInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	Run(ctx, Config{}, nil)
}

func TestSdNotifyNoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	if err := Ready(); err != nil {
		t.Errorf("Ready() = %v, want nil", err)
	}
	if err := Heartbeat(); err != nil {
		t.Errorf("Heartbeat() = %v, want nil", err)
	}
	if err := Stopping(); err != nil {
		t.Errorf("Stopping() = %v, want nil", err)
	}
}

func TestSdNotifyBadSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "/nonexistent/socket.sock")

	if err := Ready(); err == nil {
		t.Error("Ready() with bad socket should return error")
	}
}

func TestSdNotifyDelivers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", path)

	for _, tt := range []struct {
		send func() error
		want string
	}{
		{Ready, "READY=1"},
		{Heartbeat, "WATCHDOG=1"},
		{Stopping, "STOPPING=1"},
	} {
		if err := tt.send(); err != nil {
			t.Fatalf("send %s: %v", tt.want, err)
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got := string(buf[:n]); got != tt.want {
			t.Errorf("got %q, want %q", got, tt.want)
		}
	}
	_ = os.Remove(path)
}
