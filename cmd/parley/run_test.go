package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// captureExit overrides the package-level osExit variable so that calls to
// osExit inside fn are intercepted. It returns the exit code and a boolean
// indicating whether osExit was actually called.
//
// The replacement panics with an exitSentinel value, which unwinds the call
// stack just like a real os.Exit would halt the process. A deferred recover
// catches the sentinel and stores the code. Any other panic is re-raised.
func captureExit(fn func()) (code int, exited bool) {
	old := osExit
	defer func() { osExit = old }()

	osExit = func(c int) {
		panic(exitSentinel(c))
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				if s, ok := r.(exitSentinel); ok {
					code = int(s)
					exited = true
				} else {
					panic(r) // re-raise non-sentinel panics
				}
			}
		}()
		fn()
	}()
	return code, exited
}

// captureStderr redirects os.Stderr during fn and returns what was written.
func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stderr = w

	fn()

	w.Close()
	os.Stderr = old
	data, _ := io.ReadAll(r)
	return string(data)
}

// captureStdout is captureStderr for os.Stdout.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdout = w

	done := make(chan []byte)
	go func() {
		data, _ := io.ReadAll(r)
		done <- data
	}()
	fn()

	w.Close()
	os.Stdout = old
	return string(<-done)
}

const missingConfig = "/tmp/nonexistent-parley-test/parley.yaml"

// Thin runXxx wrappers call doXxx and exit 1 on error. A missing explicit
// config fails every one of them before any daemon is contacted.
func TestRunWrappers_ExitOnError(t *testing.T) {
	tests := []struct {
		name string
		run  func([]string)
		args []string
	}{
		{"config validate", runConfigValidate, nil},
		{"config show", runConfigShow, nil},
		{"connect", runConnect, []string{"/p2p/12D3KooWTest"}},
		{"chat", runChat, []string{"hi"}},
		{"name", runName, []string{"bob"}},
		{"status", runStatus, nil},
		{"peers", runPeers, nil},
		{"call", runCall, nil},
		{"answer", runAnswer, nil},
		{"hangup", runHangup, nil},
		{"relay join", runRelayJoin, []string{"/ip4/1.2.3.4/tcp/7777"}},
		{"relay start", runRelayStart, nil},
		{"daemon stop", runDaemonStop, nil},
		{"whoami", runWhoami, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--config", missingConfig}, tt.args...)
			var code int
			var exited bool
			stderr := captureStderr(t, func() {
				code, exited = captureExit(func() { tt.run(args) })
			})
			if !exited || code != 1 {
				t.Errorf("expected exit(1), got exited=%v code=%d", exited, code)
			}
			if !strings.HasPrefix(stderr, "Error: config error") {
				t.Errorf("stderr = %q", stderr)
			}
		})
	}
}

func TestRunSendAudio_Error(t *testing.T) {
	var code int
	var exited bool
	stderr := captureStderr(t, func() {
		code, exited = captureExit(func() {
			runSendAudio([]string{"--config", missingConfig, "--chunk-size", "-1"})
		})
	})
	if !strings.Contains(stderr, "chunk-size") {
		t.Errorf("stderr = %q", stderr)
	}
	if !exited || code != 1 {
		t.Errorf("expected exit(1), got exited=%v code=%d", exited, code)
	}
}

func TestRunConfig_Unknown(t *testing.T) {
	var code int
	var exited bool
	stderr := captureStderr(t, func() {
		captureStdout(t, func() {
			code, exited = captureExit(func() { runConfig([]string{"rollback"}) })
		})
	})
	if !exited || code != 1 {
		t.Errorf("expected exit(1), got exited=%v code=%d", exited, code)
	}
	if !strings.Contains(stderr, "Unknown config command: rollback") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestRunRelay_NoArgs(t *testing.T) {
	out := captureStdout(t, func() {
		code, exited := captureExit(func() { runRelay(nil) })
		if !exited || code != 1 {
			t.Errorf("expected exit(1), got exited=%v code=%d", exited, code)
		}
	})
	if !strings.Contains(out, "parley relay") {
		t.Errorf("usage not printed: %q", out)
	}
}

func TestRunStatus_Success(t *testing.T) {
	cfgPath, _ := startStubDaemon(t)
	out := captureStdout(t, func() {
		_, exited := captureExit(func() { runStatus([]string{"--config", cfgPath}) })
		if exited {
			t.Error("runStatus exited on success")
		}
	})
	if !strings.Contains(out, "peer_id:") {
		t.Errorf("stdout = %q", out)
	}
}

func TestFatal(t *testing.T) {
	var code int
	var exited bool
	stderr := captureStderr(t, func() {
		code, exited = captureExit(func() { fatal("boom %d", 7) })
	})
	if !exited || code != 1 || stderr != "boom 7\n" {
		t.Errorf("exited=%v code=%d stderr=%q", exited, code, stderr)
	}
}

func TestDoConfigValidate(t *testing.T) {
	dir := t.TempDir()
	good := writeConfig(t, dir, "user:\n  display_name: alice\n")

	var out bytes.Buffer
	if err := doConfigValidate([]string{"--config", good}, &out); err != nil {
		t.Fatalf("doConfigValidate: %v", err)
	}
	if !strings.HasPrefix(out.String(), "OK: ") {
		t.Errorf("output = %q", out.String())
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("relay:\n  addresses: [\"/ip4/1.2.3.4/tcp/1\"]\n"), 0600); err != nil {
		t.Fatal(err)
	}
	out.Reset()
	if err := doConfigValidate([]string{"--config", bad}, &out); err == nil {
		t.Fatal("relay address without /p2p should fail validation")
	}
	if !strings.HasPrefix(out.String(), "FAIL: ") {
		t.Errorf("output = %q", out.String())
	}
}

func TestDoConfigValidate_Permissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "open.yaml")
	if err := os.WriteFile(path, []byte("version: 1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := doConfigValidate([]string{"--config", path}, &out); err == nil {
		t.Fatal("world-readable config should fail")
	}
	if !strings.Contains(out.String(), "chmod 600") {
		t.Errorf("output = %q", out.String())
	}
}

func TestDoConfigShow(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "user:\n  display_name: alice\n")

	var out bytes.Buffer
	if err := doConfigShow([]string{"--config", cfgPath}, &out); err != nil {
		t.Fatalf("doConfigShow: %v", err)
	}
	s := out.String()
	for _, want := range []string{
		"# Resolved config from " + cfgPath,
		"display_name: alice",
		"socket_path: " + filepath.Join(dir, "parley.sock"),
		"advert_burst: 3",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("config show missing %q:\n%s", want, s)
		}
	}
}

// With no config anywhere, commands fall back to the built-in defaults.
func TestResolveConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfgFile, cfg, err := resolveConfigFileErr("")
	if err != nil {
		t.Fatalf("resolveConfigFileErr: %v", err)
	}
	if cfgFile != "" {
		t.Errorf("cfgFile = %q, want none", cfgFile)
	}
	if !strings.HasSuffix(cfg.Daemon.SocketPath, filepath.Join(".config", "parley", "parley.sock")) {
		t.Errorf("socket path = %q", cfg.Daemon.SocketPath)
	}
}

func TestResolveConfig_ExplicitMissing(t *testing.T) {
	if _, _, err := resolveConfigFileErr(missingConfig); err == nil {
		t.Error("explicit missing config should fail")
	}
}

func TestDoDaemonStart_ServesAPI(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, `network:
  listen_addresses: ["/ip4/127.0.0.1/tcp/0"]
user:
  display_name: carol
telemetry:
  metrics_enabled: true
  metrics_listen: "127.0.0.1:0"
  audit_enabled: true
`)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- doDaemonStart(ctx, []string{"--config", cfgPath}, &out) }()

	cookie := filepath.Join(dir, "cookie")
	for {
		if _, err := os.Stat(cookie); err == nil {
			break
		}
		select {
		case err := <-done:
			t.Fatalf("daemon exited early: %v", err)
		case <-ctx.Done():
			t.Fatal("daemon did not start")
		case <-time.After(20 * time.Millisecond):
		}
	}

	var status bytes.Buffer
	if err := doStatus([]string{"--config", cfgPath}, &status); err != nil {
		t.Fatalf("doStatus: %v", err)
	}
	if !strings.Contains(status.String(), "display_name: carol") {
		t.Errorf("status = %q", status.String())
	}

	if err := doDaemonStop([]string{"--config", cfgPath}, io.Discard); err != nil {
		t.Fatalf("doDaemonStop: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("doDaemonStart: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("daemon did not stop")
	}

	s := out.String()
	for _, want := range []string{"Config: " + cfgPath, "Peer ID: 12D3KooW", "Shutdown requested via API", "Daemon stopped."} {
		if !strings.Contains(s, want) {
			t.Errorf("daemon output missing %q:\n%s", want, s)
		}
	}
	if _, err := os.Stat(cookie); !os.IsNotExist(err) {
		t.Errorf("cookie left behind: %v", err)
	}
}

func TestDoRelayServe_StopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "network:\n  listen_addresses: [\"/ip4/127.0.0.1/tcp/0\"]\n")

	ctx, cancel := context.WithCancel(context.Background())
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- doRelayServe(ctx, []string{"--config", cfgPath}, &out) }()

	deadline := time.After(30 * time.Second)
	for {
		if _, err := os.Stat(filepath.Join(dir, "cookie")); err == nil {
			break
		}
		select {
		case err := <-done:
			t.Fatalf("relay exited early: %v", err)
		case <-deadline:
			t.Fatal("relay did not start")
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("doRelayServe: %v", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("relay did not stop")
	}
	if !strings.Contains(out.String(), "parley relay") || !strings.Contains(out.String(), "Daemon stopped.") {
		t.Errorf("output = %q", out.String())
	}
}
