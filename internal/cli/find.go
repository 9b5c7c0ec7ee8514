package cli

import (
	"context"
	"errors"

	flag "github.com/spf13/pflag"
)

// FindCmd returns the find command.
func FindCmd(sess *session) *Command {
	fs := flag.NewFlagSet("find", flag.ContinueOnError)
	fs.Int("limit", defaultLimit, "Maximum records to show (0 = all)")
	fs.Bool("ids", false, "Print ids only")

	return &Command{
		Flags: fs,
		Usage: "find [flags] <field=value>...",
		Short: "List records matching a filter",
		Long: "List records whose fields match every field=value pair. String values " +
			"match as substrings; JSON values (numbers, booleans, objects) match " +
			"structurally. Filters on id or an indexed field use the index.",
		Exec: func(ctx context.Context, io *IO, args []string) error {
			if len(args) == 0 {
				return errors.New("find requires at least one field=value filter")
			}

			filter, err := parseFilter(args)
			if err != nil {
				return err
			}

			store, err := sess.open(ctx)
			if err != nil {
				return err
			}

			docs, err := store.ReadByIndex(ctx, filter)
			if err != nil {
				return err
			}

			return printDocs(io, fs, docs)
		},
	}
}
