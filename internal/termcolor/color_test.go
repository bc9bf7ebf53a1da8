package termcolor

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestPlainForNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	w.Println(Green, "hello %s", "world")
	w.Print(Faint, "dim")
	if got := buf.String(); got != "hello world\ndim" {
		t.Errorf("output = %q", got)
	}
	if strings.Contains(buf.String(), "\033[") {
		t.Error("escape codes written to a buffer")
	}
	if s := w.Wrap(Red, "x"); s != "x" {
		t.Errorf("Wrap = %q, want plain", s)
	}
}

func TestColorWhenEnabled(t *testing.T) {
	var buf bytes.Buffer
	w := &Writer{w: &buf, color: true}

	w.Println(Yellow, "warn %d", 1)
	if got, want := buf.String(), string(Yellow)+"warn 1\n"+reset; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
	if got := w.Wrap(Red, "err"); got != string(Red)+"err"+reset {
		t.Errorf("Wrap = %q", got)
	}
}

func TestEnabled(t *testing.T) {
	if Enabled(&bytes.Buffer{}) {
		t.Error("a buffer is not a terminal")
	}

	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if Enabled(f) {
		t.Error("a regular file is not a terminal")
	}

	t.Setenv("NO_COLOR", "1")
	if Enabled(os.Stdout) {
		t.Error("NO_COLOR must disable color")
	}
}
