package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/calvinalkan/slotdb/internal/config"
)

const (
	minArgs  = 2
	helpFlag = "--help"
)

var (
	errFlagRequiresArg = errors.New("flag requires an argument")
	errUnknownFlag     = errors.New("unknown flag")
)

// Run is the main entry point. Returns exit code.
//
// A value on sigCh cancels the context of the running command. sigCh may be
// nil.
func Run(stdin io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	if len(args) < minArgs {
		printUsage(out, nil)

		return 0
	}

	flags, err := parseGlobalFlags(args[1:])
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	if flags.help || len(flags.remaining) == 0 {
		printUsage(out, nil)

		return 0
	}

	cfg, err := config.Load(config.LoadInput{
		WorkDirOverride: flags.workDir,
		ConfigPath:      flags.configPath,
		PathOverride:    flags.dbPath,
		Env:             env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	sess := newSession(&cfg, env, errOut)
	sess.in = stdin

	defer func() {
		if closeErr := sess.Close(); closeErr != nil {
			fprintln(errOut, "error:", closeErr)
		}
	}()

	cmds := commands(sess)

	name := flags.remaining[0]

	cmd := findCommand(cmds, name)
	if cmd == nil {
		fprintln(errOut, "error: unknown command:", name)
		printUsage(errOut, cmds)

		return 1
	}

	o := NewIO(out, errOut)

	if code := cmd.Run(ctx, o, flags.remaining[1:]); code != 0 {
		return code
	}

	return o.Finish()
}

// commands returns every command bound to sess. The REPL gets the same set
// minus itself.
func commands(sess *session) []*Command {
	cmds := []*Command{
		InitCmd(sess),
		PutCmd(sess),
		GetCmd(sess),
		LsCmd(sess),
		FindCmd(sess),
		DelCmd(sess),
		UpdateCmd(sess),
		CompactCmd(sess),
		InfoCmd(sess),
		MigrateCmd(sess),
		PrintConfigCmd(sess.cfg),
	}

	return append(cmds, ReplCmd(sess, cmds))
}

func findCommand(cmds []*Command, name string) *Command {
	for _, c := range cmds {
		if c.Name() == name {
			return c
		}
	}

	return nil
}

type globalFlags struct {
	workDir    string
	configPath string
	dbPath     string
	help       bool
	remaining  []string
}

// valueFlag is a global flag taking one argument. short may be empty.
type valueFlag struct {
	short, long string
	dst         *string
}

// parseGlobalFlags consumes flags up to the command name. Values may follow
// as the next argument, after "=", or glued to a short flag ("-Cdir").
func parseGlobalFlags(args []string) (globalFlags, error) {
	var flags globalFlags

	known := []valueFlag{
		{short: "-C", long: "--cwd", dst: &flags.workDir},
		{short: "-c", long: "--config", dst: &flags.configPath},
		{long: "--db", dst: &flags.dbPath},
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if arg == "-h" || arg == helpFlag {
			flags.help = true

			return flags, nil
		}

		if !strings.HasPrefix(arg, "-") || arg == "-" {
			flags.remaining = args[i:]

			return flags, nil
		}

		vf, value, inline, ok := matchValueFlag(known, arg)
		if !ok {
			return globalFlags{}, fmt.Errorf("%w: %s", errUnknownFlag, arg)
		}

		if !inline {
			if i+1 >= len(args) {
				return globalFlags{}, fmt.Errorf("%w: %s", errFlagRequiresArg, arg)
			}

			i++
			value = args[i]
		}

		*vf.dst = value
	}

	return flags, nil
}

func matchValueFlag(known []valueFlag, arg string) (valueFlag, string, bool, bool) {
	for _, f := range known {
		switch {
		case arg == f.long || (f.short != "" && arg == f.short):
			return f, "", false, true
		case strings.HasPrefix(arg, f.long+"="):
			return f, arg[len(f.long)+1:], true, true
		case f.short != "" && !strings.HasPrefix(arg, "--") && strings.HasPrefix(arg, f.short):
			return f, arg[len(f.short):], true, true
		}
	}

	return valueFlag{}, "", false, false
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, cmds []*Command) {
	if cmds == nil {
		cfg := config.DefaultConfig()
		cmds = commands(newSession(&cfg, nil, io.Discard))
	}

	fprintln(w, `slotdb - slotted single-file record store

Usage: slotdb [options] <command> [args]

Options:
  -C, --cwd <dir>      Run as if started in <dir>
  -c, --config <file>  Use specified config file
  --db <file>          Use specified data file

Commands:`)

	for _, c := range cmds {
		fprintln(w, c.HelpLine())
	}
}
