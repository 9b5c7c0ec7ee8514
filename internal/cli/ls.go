package cli

import (
	"context"
	"errors"

	"github.com/calvinalkan/slotdb/pkg/slotstore"

	flag "github.com/spf13/pflag"
)

const defaultLimit = 0

// LsCmd returns the ls command.
func LsCmd(sess *session) *Command {
	fs := flag.NewFlagSet("ls", flag.ContinueOnError)
	fs.Int("limit", defaultLimit, "Maximum records to show (0 = all)")
	fs.Bool("ids", false, "Print ids only")

	return &Command{
		Flags: fs,
		Usage: "ls [flags]",
		Short: "List records",
		Long:  "List all records in file order, one JSON object per line.",
		Exec: func(ctx context.Context, io *IO, _ []string) error {
			store, err := sess.open(ctx)
			if err != nil {
				return err
			}

			docs, err := store.Read(ctx, nil)
			if err != nil {
				return err
			}

			return printDocs(io, fs, docs)
		},
	}
}

// printDocs prints docs honoring the --limit and --ids flags.
func printDocs(io *IO, fs *flag.FlagSet, docs []slotstore.Doc) error {
	limit, _ := fs.GetInt("limit")
	if limit < 0 {
		return errors.New("--limit must be non-negative")
	}

	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}

	idsOnly, _ := fs.GetBool("ids")

	for _, doc := range docs {
		if idsOnly {
			io.Println(doc.RecordID())

			continue
		}

		if err := io.PrintJSON(doc); err != nil {
			return err
		}
	}

	return nil
}
