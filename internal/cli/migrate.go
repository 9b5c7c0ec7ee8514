package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/calvinalkan/slotdb/pkg/slotstore"

	flag "github.com/spf13/pflag"
)

// MigrateCmd returns the migrate command.
func MigrateCmd(sess *session) *Command {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.Bool("decrypt", false, "Rewrite encrypted records as plaintext")

	return &Command{
		Flags: fs,
		Usage: "migrate [flags]",
		Short: "Encrypt or decrypt every record",
		Long: "Rewrite every record with the key from key_env: plaintext records are " +
			"encrypted. With --decrypt, encrypted records are rewritten as plaintext.",
		Exec: func(ctx context.Context, io *IO, _ []string) error {
			return execMigrate(ctx, io, sess, fs)
		},
	}
}

func execMigrate(ctx context.Context, io *IO, sess *session, fs *flag.FlagSet) error {
	if sess.cfg.KeyEnv == "" {
		return errors.New("migrate needs key_env in the config")
	}

	key := sess.key()
	if key == "" {
		return fmt.Errorf("migrate needs a key: %s is not set", sess.cfg.KeyEnv)
	}

	if err := sess.Close(); err != nil {
		return err
	}

	opts := sess.options()
	opts.Registry = slotstore.NewRegistry()

	decrypt, _ := fs.GetBool("decrypt")
	if decrypt {
		opts.Key = ""
		opts.DecryptOnlyKey = key
	} else {
		opts.MigratePlaintext = true
	}

	store, err := sess.openWith(ctx, opts)
	if err != nil {
		return err
	}

	defer func() { _ = store.Close() }()

	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}

	if err := store.Compact(ctx); err != nil {
		return err
	}

	direction := "encrypted"
	if decrypt {
		direction = "decrypted"
	}

	io.Printf("%s %d record(s)\n", direction, stats.PendingMigration)

	return nil
}
