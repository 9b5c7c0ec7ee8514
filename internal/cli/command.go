package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	flag "github.com/spf13/pflag"
)

// Command is one slotdb subcommand.
//
// Commands are built once per invocation and bound to a session; the REPL
// runs the same values repeatedly, so Run resets flags before parsing.
type Command struct {
	// Flags holds the command's flags. Its name is unused.
	Flags *flag.FlagSet

	// Usage starts with the command name, e.g. "get <id>...".
	Usage string

	// Short is the summary shown in the command list.
	Short string

	// Long is the --help description. Defaults to Short.
	Long string

	// Exec receives the positional arguments left after flag parsing.
	Exec func(ctx context.Context, o *IO, args []string) error
}

// Name is the first word of Usage.
func (c *Command) Name() string {
	return strings.Fields(c.Usage)[0]
}

// HelpLine is the command's entry in the command list.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-22s %s", c.Usage, c.Short)
}

// PrintHelp writes the --help page.
func (c *Command) PrintHelp(o *IO) {
	desc := c.Long
	if desc == "" {
		desc = c.Short
	}

	o.Println("Usage: slotdb", c.Usage)
	o.Println()
	o.Println(desc)

	if !c.Flags.HasFlags() {
		return
	}

	var defaults strings.Builder

	c.Flags.SetOutput(&defaults)
	c.Flags.PrintDefaults()
	c.Flags.SetOutput(io.Discard)

	o.Println()
	o.Println("Flags:")
	o.Printf("%s", defaults.String())
}

// Run parses args and executes the command, printing any error. It returns
// the exit code; warnings are left for the caller's Finish.
func (c *Command) Run(ctx context.Context, o *IO, args []string) int {
	c.Flags.SetOutput(io.Discard)

	err := resetFlags(c.Flags)
	if err == nil {
		err = c.Flags.Parse(args)
	}

	switch {
	case errors.Is(err, flag.ErrHelp):
		c.PrintHelp(o)

		return 0
	case err != nil:
		o.ErrPrintln("error:", err)
		o.ErrPrintln()
		c.PrintHelp(o)

		return 1
	}

	if err := c.Exec(ctx, o, c.Flags.Args()); err != nil {
		o.ErrPrintln("error:", err)

		return 1
	}

	return 0
}

// resetFlags puts every flag back to its default and clears Changed.
func resetFlags(fs *flag.FlagSet) error {
	var errs []error

	fs.VisitAll(func(f *flag.Flag) {
		var err error

		if sv, ok := f.Value.(flag.SliceValue); ok {
			err = sv.Replace(nil)
		} else {
			err = f.Value.Set(f.DefValue)
		}

		if err != nil {
			errs = append(errs, fmt.Errorf("reset --%s: %w", f.Name, err))
		}

		f.Changed = false
	})

	return errors.Join(errs...)
}
