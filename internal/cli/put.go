package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/calvinalkan/slotdb/pkg/slotstore"

	flag "github.com/spf13/pflag"
)

var errNoRecords = errors.New("no records given")

// PutCmd returns the put command.
func PutCmd(sess *session) *Command {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	fs.Bool("no-tx", false, "Write without a transaction (no rollback on failure)")
	fs.Duration("timeout", 0, "Abort and roll back if the write takes longer")

	return &Command{
		Flags: fs,
		Usage: "put [flags] <json>...",
		Short: "Insert or replace records",
		Long: "Insert or replace records by id. Each argument is one JSON object; " +
			"with no arguments (or \"-\") objects are read from stdin, one per line. " +
			"All records are written in one transaction: either all land or none do.",
		Exec: func(ctx context.Context, io *IO, args []string) error {
			return execPut(ctx, io, sess, fs, args)
		},
	}
}

func execPut(ctx context.Context, io *IO, sess *session, fs *flag.FlagSet, args []string) error {
	docs, err := collectDocs(sess, args)
	if err != nil {
		return err
	}

	store, err := sess.open(ctx)
	if err != nil {
		return err
	}

	noTx, _ := fs.GetBool("no-tx")
	if noTx {
		if err := store.Write(ctx, docs...); err != nil {
			return err
		}
	} else {
		opts := sess.txOptions(fs)

		err := store.WithTransaction(ctx, opts, func(tx *slotstore.Tx[slotstore.Doc]) error {
			return tx.Write(docs...)
		})
		if err != nil {
			return err
		}
	}

	io.Printf("wrote %d record(s)\n", len(docs))

	return nil
}

func collectDocs(sess *session, args []string) ([]slotstore.Doc, error) {
	if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
		docs, err := readDocs(sess.in)
		if err != nil {
			return nil, err
		}

		if len(docs) == 0 {
			return nil, errNoRecords
		}

		return docs, nil
	}

	docs := make([]slotstore.Doc, 0, len(args))

	for i, arg := range args {
		doc, err := parseDoc(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}

		docs = append(docs, doc)
	}

	return docs, nil
}
