package cli

import (
	"context"
	"errors"

	"github.com/calvinalkan/slotdb/pkg/slotstore"

	flag "github.com/spf13/pflag"
)

// DelCmd returns the del command.
func DelCmd(sess *session) *Command {
	fs := flag.NewFlagSet("del", flag.ContinueOnError)
	fs.StringArray("where", nil, "Delete records matching field=value (repeatable, all must match)")

	return &Command{
		Flags: fs,
		Usage: "del [flags] [<id>...]",
		Short: "Delete records",
		Long: "Delete records by id, or every record matching --where. " +
			"Deleted slots are reclaimed by 'slotdb compact'.",
		Exec: func(ctx context.Context, io *IO, args []string) error {
			return execDel(ctx, io, sess, fs, args)
		},
	}
}

func execDel(ctx context.Context, io *IO, sess *session, fs *flag.FlagSet, args []string) error {
	where, _ := fs.GetStringArray("where")

	if len(where) > 0 && len(args) > 0 {
		return errors.New("give ids or --where, not both")
	}

	var filters []slotstore.Fields

	if len(where) > 0 {
		filter, err := parseFilter(where)
		if err != nil {
			return err
		}

		filters = append(filters, filter)
	}

	for _, id := range args {
		filters = append(filters, slotstore.Fields{"id": id})
	}

	if len(filters) == 0 {
		return errors.New("del requires ids or --where")
	}

	store, err := sess.open(ctx)
	if err != nil {
		return err
	}

	n, err := store.Delete(ctx, filters...)
	if err != nil {
		return err
	}

	io.Printf("deleted %d record(s)\n", n)

	return nil
}
