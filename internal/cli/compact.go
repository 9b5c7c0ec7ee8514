package cli

import (
	"context"

	flag "github.com/spf13/pflag"
)

// CompactCmd returns the compact command.
func CompactCmd(sess *session) *Command {
	return &Command{
		Flags: flag.NewFlagSet("compact", flag.ContinueOnError),
		Usage: "compact",
		Short: "Reclaim deleted slots",
		Long: "Rewrite the data file without deleted slots, narrowing slots when every " +
			"record fits well within half a slot. Records in an old encoding are " +
			"rewritten too.",
		Exec: func(ctx context.Context, io *IO, _ []string) error {
			store, err := sess.open(ctx)
			if err != nil {
				return err
			}

			before, err := store.Stats(ctx)
			if err != nil {
				return err
			}

			if err := store.Compact(ctx); err != nil {
				return err
			}

			after, err := store.Stats(ctx)
			if err != nil {
				return err
			}

			io.Printf("compacted: slots %d -> %d, slot_size %d -> %d, file_size %d -> %d\n",
				before.Slots, after.Slots, before.SlotSize, after.SlotSize, before.FileSize, after.FileSize)

			return nil
		},
	}
}
