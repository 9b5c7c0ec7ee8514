package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/calvinalkan/slotdb/internal/config"

	flag "github.com/spf13/pflag"
)

// InitCmd returns the init command.
func InitCmd(sess *session) *Command {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.Int64("slot-size", 0, "Slot width for a new data file (default 256)")
	fs.Bool("save", false, "Write the effective settings to "+config.FileName)

	return &Command{
		Flags: fs,
		Usage: "init [flags]",
		Short: "Create or scan the data file",
		Long: "Create the data file if missing, then scan it: repair layout anomalies, " +
			"compact gaps and narrow oversized slots.",
		Exec: func(ctx context.Context, io *IO, _ []string) error {
			return execInit(ctx, io, sess, fs)
		},
	}
}

func execInit(ctx context.Context, io *IO, sess *session, fs *flag.FlagSet) error {
	if fs.Changed("slot-size") {
		size, _ := fs.GetInt64("slot-size")
		if size < 2 {
			return fmt.Errorf("--slot-size must be at least 2, got %d", size)
		}

		sess.cfg.SlotSize = size
	}

	store, err := sess.open(ctx)
	if err != nil {
		return err
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}

	io.Printf("initialized %s (slot_size=%d live=%d)\n", store.Path(), stats.SlotSize, stats.Live)

	if stats.PendingMigration > 0 {
		io.Warn(
			fmt.Sprintf("%d record(s) are stored in the old encoding", stats.PendingMigration),
			"run 'slotdb migrate' to rewrite them",
		)
	}

	save, _ := fs.GetBool("save")
	if !save {
		return nil
	}

	target := sess.cfg.Sources.Project
	if target == "" {
		target = filepath.Join(sess.cfg.EffectiveCwd, config.FileName)
	}

	if err := config.Save(target, *sess.cfg); err != nil {
		return err
	}

	io.Println("saved config to " + target)

	return nil
}
