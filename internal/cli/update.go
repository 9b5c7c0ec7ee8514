package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/calvinalkan/slotdb/pkg/slotstore"

	flag "github.com/spf13/pflag"
)

// UpdateCmd returns the update command.
func UpdateCmd(sess *session) *Command {
	fs := flag.NewFlagSet("update", flag.ContinueOnError)
	fs.StringArray("where", nil, "Update records matching field=value (repeatable, all must match)")
	fs.Duration("timeout", 0, "Abort and roll back if the update takes longer")

	return &Command{
		Flags: fs,
		Usage: "update [flags] [<id>] <patch-json>",
		Short: "Merge a patch into records",
		Long: "Merge a JSON object into the record with the given id, or into every " +
			"record matching --where. Top-level patch fields replace the record's " +
			"fields. Updated records are printed.",
		Exec: func(ctx context.Context, io *IO, args []string) error {
			return execUpdate(ctx, io, sess, fs, args)
		},
	}
}

func execUpdate(ctx context.Context, io *IO, sess *session, fs *flag.FlagSet, args []string) error {
	where, _ := fs.GetStringArray("where")

	var (
		filter slotstore.Fields
		raw    string
		err    error
	)

	switch {
	case len(where) > 0 && len(args) == 1:
		filter, err = parseFilter(where)
		if err != nil {
			return err
		}

		raw = args[0]
	case len(where) == 0 && len(args) == 2:
		filter = slotstore.Fields{"id": args[0]}
		raw = args[1]
	default:
		return errors.New("update takes <id> <patch-json>, or --where and <patch-json>")
	}

	patch, err := parseDoc(raw)
	if err != nil {
		return fmt.Errorf("patch: %w", err)
	}

	store, err := sess.open(ctx)
	if err != nil {
		return err
	}

	var updated []slotstore.Doc

	err = store.WithTransaction(ctx, sess.txOptions(fs), func(tx *slotstore.Tx[slotstore.Doc]) error {
		var txErr error

		updated, txErr = tx.Update(filter, slotstore.Fields(patch))

		return txErr
	})
	if err != nil {
		return err
	}

	if len(updated) == 0 {
		io.Warn("no records matched", "check the id or filter with 'slotdb find'")

		return nil
	}

	for _, doc := range updated {
		if err := io.PrintJSON(doc); err != nil {
			return err
		}
	}

	return nil
}
