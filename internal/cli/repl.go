package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	flag "github.com/spf13/pflag"
)

const replPrompt = "slotdb> "

var errUnterminatedQuote = errors.New("unterminated quote")

// lineReader is the REPL's input source.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(line string)
	Close() error
}

// ReplCmd returns the repl command. cmds are the commands the REPL
// dispatches to.
func ReplCmd(sess *session, cmds []*Command) *Command {
	return &Command{
		Flags: flag.NewFlagSet("repl", flag.ContinueOnError),
		Usage: "repl",
		Short: "Interactive shell",
		Long: "Read commands interactively against one open data file. Commands take " +
			"the same arguments as on the command line; quote JSON with single quotes. " +
			"Type 'help' for commands, 'exit' to leave.",
		Exec: func(ctx context.Context, io *IO, _ []string) error {
			return execRepl(ctx, io, sess, cmds)
		},
	}
}

func execRepl(ctx context.Context, o *IO, sess *session, cmds []*Command) error {
	// Open up front so a broken file fails before the first prompt.
	if _, err := sess.open(ctx); err != nil {
		return err
	}

	in := newLineReader(sess, cmds)

	defer func() { _ = in.Close() }()

	for ctx.Err() == nil {
		line, err := in.Prompt(replPrompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("read input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		in.AppendHistory(line)

		args, err := splitArgs(line)
		if err != nil {
			o.ErrPrintln("error:", err)

			continue
		}

		switch args[0] {
		case "exit", "quit", "q":
			return nil
		case "help", "?":
			for _, c := range cmds {
				o.Println(c.HelpLine())
			}

			o.Println("  exit                   Leave the shell")

			continue
		}

		cmd := findCommand(cmds, args[0])
		if cmd == nil {
			o.ErrPrintln("error: unknown command:", args[0])

			continue
		}

		lineIO := NewIO(o.out, o.errOut)
		if cmd.Run(ctx, lineIO, args[1:]) == 0 {
			lineIO.Finish()
		}
	}

	return ctx.Err()
}

// newLineReader uses liner for an interactive stdin and a plain line
// scanner for anything else (pipes, tests).
func newLineReader(sess *session, cmds []*Command) lineReader {
	if f, ok := sess.in.(*os.File); ok && f == os.Stdin {
		return newLinerReader(sess.env["HOME"], cmds)
	}

	in := sess.in
	if in == nil {
		in = strings.NewReader("")
	}

	return &scanReader{scanner: bufio.NewScanner(in)}
}

type linerReader struct {
	*liner.State
	history string
}

func newLinerReader(home string, cmds []*Command) *linerReader {
	r := &linerReader{State: liner.NewLiner()}

	r.SetCtrlCAborts(true)
	r.SetCompleter(func(line string) []string {
		var out []string

		for _, c := range cmds {
			if strings.HasPrefix(c.Name(), line) {
				out = append(out, c.Name())
			}
		}

		return out
	})

	if home != "" {
		r.history = filepath.Join(home, ".slotdb_history")

		if f, err := os.Open(r.history); err == nil {
			_, _ = r.ReadHistory(f)
			_ = f.Close()
		}
	}

	return r
}

func (r *linerReader) Close() error {
	if r.history != "" {
		if f, err := os.Create(r.history); err == nil {
			_, _ = r.WriteHistory(f)
			_ = f.Close()
		}
	}

	return r.State.Close()
}

type scanReader struct {
	scanner *bufio.Scanner
}

func (r *scanReader) Prompt(string) (string, error) {
	if r.scanner.Scan() {
		return r.scanner.Text(), nil
	}

	if err := r.scanner.Err(); err != nil {
		return "", err
	}

	return "", io.EOF
}

func (*scanReader) AppendHistory(string) {}

func (*scanReader) Close() error { return nil }

// splitArgs splits a line into words. Single quotes keep everything
// literal; double quotes allow \" and \\ escapes.
func splitArgs(line string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)

	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)

			escaped = false
		case quote == '\'':
			if r == '\'' {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case quote == '"':
			switch r {
			case '"':
				quote = 0
			case '\\':
				escaped = true
			default:
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == '\\':
			escaped = true
			inWord = true
		case r == ' ' || r == '\t':
			if inWord {
				args = append(args, cur.String())
				cur.Reset()

				inWord = false
			}
		default:
			cur.WriteRune(r)

			inWord = true
		}
	}

	if quote != 0 || escaped {
		return nil, errUnterminatedQuote
	}

	if inWord {
		args = append(args, cur.String())
	}

	return args, nil
}
