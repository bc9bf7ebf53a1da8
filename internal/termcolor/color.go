// Package termcolor writes ANSI-colored lines when the destination is a
// terminal, and plain text otherwise or when NO_COLOR is set.
package termcolor

import (
	"fmt"
	"io"
	"os"
)

// Color is an ANSI SGR sequence.
type Color string

const (
	reset = "\033[0m"

	Red    Color = "\033[31m"
	Green  Color = "\033[32m"
	Yellow Color = "\033[33m"
	Faint  Color = "\033[2m"
)

// Enabled reports whether w should receive color. Only terminals do.
func Enabled(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// Writer colors output to one destination. The terminal check runs once.
type Writer struct {
	w     io.Writer
	color bool
}

// NewWriter wraps w, deciding once whether it gets color.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, color: Enabled(w)}
}

// Write passes p through uncolored.
func (cw *Writer) Write(p []byte) (int, error) {
	return cw.w.Write(p)
}

// Println writes one line in color c.
func (cw *Writer) Println(c Color, format string, a ...any) {
	cw.Print(c, format+"\n", a...)
}

// Print writes text in color c without a trailing newline.
func (cw *Writer) Print(c Color, format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if cw.color {
		fmt.Fprint(cw.w, string(c)+msg+reset)
		return
	}
	fmt.Fprint(cw.w, msg)
}

// Wrap returns s in color c when color is on, for mixing colored and
// plain parts on one line.
func (cw *Writer) Wrap(c Color, s string) string {
	if !cw.color {
		return s
	}
	return string(c) + s + reset
}
