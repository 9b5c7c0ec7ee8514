package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"
)

// InfoCmd returns the info command.
func InfoCmd(sess *session) *Command {
	return &Command{
		Flags: flag.NewFlagSet("info", flag.ContinueOnError),
		Usage: "info",
		Short: "Show data file statistics",
		Exec: func(ctx context.Context, io *IO, _ []string) error {
			store, err := sess.open(ctx)
			if err != nil {
				return err
			}

			stats, err := store.Stats(ctx)
			if err != nil {
				return err
			}

			io.Println("path=" + store.Path())
			io.Printf("slot_size=%d\n", stats.SlotSize)
			io.Printf("file_size=%d\n", stats.FileSize)
			io.Printf("slots=%d\n", stats.Slots)
			io.Printf("live=%d\n", stats.Live)
			io.Printf("dead=%d\n", stats.Dead)
			io.Printf("index_keys=%d\n", store.Index().Len())
			io.Printf("encrypted=%t\n", sess.key() != "")

			if stats.HasDeleted {
				io.Println("hint: run 'slotdb compact' to reclaim deleted slots")
			}

			if stats.PendingMigration > 0 {
				io.Warn(
					fmt.Sprintf("%d record(s) are stored in the old encoding", stats.PendingMigration),
					"run 'slotdb migrate' to rewrite them",
				)
			}

			return nil
		},
	}
}
