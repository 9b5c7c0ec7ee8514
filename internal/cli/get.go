package cli

import (
	"context"
	"errors"

	flag "github.com/spf13/pflag"
)

// GetCmd returns the get command.
func GetCmd(sess *session) *Command {
	return &Command{
		Flags: flag.NewFlagSet("get", flag.ContinueOnError),
		Usage: "get <id>...",
		Short: "Print records by id",
		Long:  "Print each record as one JSON line. Missing ids are reported as warnings.",
		Exec: func(ctx context.Context, io *IO, args []string) error {
			return execGet(ctx, io, sess, args)
		},
	}
}

func execGet(ctx context.Context, io *IO, sess *session, args []string) error {
	if len(args) == 0 {
		return errors.New("get requires at least one id")
	}

	store, err := sess.open(ctx)
	if err != nil {
		return err
	}

	for _, id := range args {
		doc, ok, err := store.Get(ctx, id)
		if err != nil {
			return err
		}

		if !ok {
			io.Warn(errRecordNotFound.Error()+": "+id, "check the id with 'slotdb ls'")

			continue
		}

		if err := io.PrintJSON(doc); err != nil {
			return err
		}
	}

	return nil
}
