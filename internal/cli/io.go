package cli

import (
	"fmt"
	"io"

	json "github.com/goccy/go-json"
)

// IO is a command's view of stdout and stderr.
//
// Warnings are collected during a command and echoed to stderr twice: before
// the first stdout line and again by Finish. Piping stdout through head or
// tail therefore never hides them. Any warning makes the exit code 1 while
// normal output is still written.
type IO struct {
	out    io.Writer
	errOut io.Writer

	warnings []string
	echoed   bool
}

// NewIO returns an IO writing to out and errOut.
func NewIO(out, errOut io.Writer) *IO {
	return &IO{out: out, errOut: errOut}
}

// Warn records a problem the caller should act on, with a hint saying how.
func (o *IO) Warn(problem, hint string) {
	o.warnings = append(o.warnings, problem+" ("+hint+")")
}

// Println writes a line to stdout.
func (o *IO) Println(a ...any) {
	o.echoWarnings()
	_, _ = fmt.Fprintln(o.out, a...)
}

// Printf writes formatted text to stdout.
func (o *IO) Printf(format string, a ...any) {
	o.echoWarnings()
	_, _ = fmt.Fprintf(o.out, format, a...)
}

// PrintJSON writes v to stdout as one JSON line. Map keys come out sorted.
func (o *IO) PrintJSON(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}

	o.Println(string(line))

	return nil
}

// ErrPrintln writes a line to stderr.
func (o *IO) ErrPrintln(a ...any) {
	_, _ = fmt.Fprintln(o.errOut, a...)
}

// Finish repeats the warnings on stderr and returns the exit code.
func (o *IO) Finish() int {
	o.echoWarnings()

	if len(o.warnings) == 0 {
		return 0
	}

	o.writeWarnings()

	return 1
}

func (o *IO) echoWarnings() {
	if o.echoed || len(o.warnings) == 0 {
		return
	}

	o.echoed = true
	o.writeWarnings()
}

func (o *IO) writeWarnings() {
	for _, w := range o.warnings {
		_, _ = fmt.Fprintln(o.errOut, "warning:", w)
	}
}
