package slotstore_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/slotdb/pkg/fs"
	"github.com/calvinalkan/slotdb/pkg/slotstore"
)

var errBoom = errors.New("boom")

type docTx = slotstore.Tx[slotstore.Doc]

func Test_WithTransaction_Commits_When_Body_Succeeds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t, dataPath(t), slotstore.Options[slotstore.Doc]{})
	writeDocs(t, s, doc("1"))

	var saved *docTx

	err := s.WithTransaction(ctx, slotstore.DefaultTxOptions(), func(tx *docTx) error {
		saved = tx

		require.Equal(t, slotstore.TxRunning, tx.State())
		require.NotEmpty(t, tx.ID())

		if err := tx.Write(doc("10", "name", "inside")); err != nil {
			return err
		}

		rec, ok, err := tx.Get("10")
		if err != nil {
			return err
		}

		require.True(t, ok)
		require.Equal(t, "inside", rec["name"])

		return nil
	})
	require.NoError(t, err)
	require.Equal(t, slotstore.TxCommitted, saved.State())

	_, ok, err := s.Get(ctx, "10")
	require.NoError(t, err)
	require.True(t, ok)

	require.Empty(t, backups(t, s.Path()), "backup must be removed after commit")
}

func Test_WithTransaction_Restores_File_And_Index_When_Body_Fails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t, dataPath(t), slotstore.Options[slotstore.Doc]{
		KeyFunc:  slotstore.FieldKey("byName:", "name"),
		SlotSize: 64,
	})
	writeDocs(t, s, doc("1", "name", "ada"), doc("2", "name", "grace"), doc("3", "name", "edsger"))

	fileBefore := readFile(t, s.Path())
	indexBefore := s.Index().Snapshot()
	statsBefore, err := s.Stats(ctx)
	require.NoError(t, err)

	var saved *docTx

	err = s.WithTransaction(ctx, slotstore.DefaultTxOptions(), func(tx *docTx) error {
		saved = tx

		if err := tx.Write(doc("10")); err != nil {
			return err
		}

		if _, err := tx.Delete(slotstore.Fields{"id": "1"}); err != nil {
			return err
		}

		// Forces a reallocation inside the transaction.
		if _, err := tx.Update(slotstore.Fields{"id": "2"}, slotstore.Fields{"bio": strings.Repeat("b", 300)}); err != nil {
			return err
		}

		if err := tx.Compact(); err != nil {
			return err
		}

		require.Greater(t, tx.SlotSize(), int64(64))

		return errBoom
	})

	require.ErrorIs(t, err, errBoom)
	require.ErrorIs(t, err, slotstore.ErrRolledBack)
	require.NotErrorIs(t, err, slotstore.ErrRollbackFailed)

	var txErr *slotstore.TxError
	require.ErrorAs(t, err, &txErr)
	require.True(t, txErr.RolledBack)
	require.Equal(t, saved.ID(), txErr.ID)
	require.Empty(t, txErr.BackupPath)
	require.Equal(t, slotstore.TxRolledBack, saved.State())

	require.Equal(t, fileBefore, readFile(t, s.Path()))

	if diff := cmp.Diff(indexBefore, s.Index().Snapshot()); diff != "" {
		t.Fatalf("index not restored (-before +after):\n%s", diff)
	}

	statsAfter, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, statsBefore, statsAfter)
	require.Equal(t, int64(64), s.SlotSize())

	_, ok, err := s.Get(ctx, "10")
	require.NoError(t, err)
	require.False(t, ok, "record inserted by the failed transaction must be gone")

	require.Empty(t, backups(t, s.Path()), "backup must be removed after rollback")
}

func Test_WithTransaction_Rolls_Back_And_Repanics_When_Body_Panics(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t, dataPath(t), slotstore.Options[slotstore.Doc]{})
	writeDocs(t, s, doc("1"))

	before := readFile(t, s.Path())

	require.PanicsWithValue(t, "kaboom", func() {
		_ = s.WithTransaction(ctx, slotstore.DefaultTxOptions(), func(tx *docTx) error {
			_ = tx.Write(doc("10"))

			panic("kaboom")
		})
	})

	require.Equal(t, before, readFile(t, s.Path()))

	_, ok, err := s.Get(ctx, "10")
	require.NoError(t, err)
	require.False(t, ok)

	// The lock was released.
	writeDocs(t, s, doc("2"))
}

func Test_WithTransaction_Keeps_Changes_When_Rollback_Disabled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t, dataPath(t), slotstore.Options[slotstore.Doc]{})

	var saved *docTx

	err := s.WithTransaction(ctx, slotstore.TxOptions{}, func(tx *docTx) error {
		saved = tx

		if err := tx.Write(doc("10")); err != nil {
			return err
		}

		return errBoom
	})

	require.ErrorIs(t, err, errBoom)
	require.NotErrorIs(t, err, slotstore.ErrRolledBack)
	require.Equal(t, slotstore.TxFailed, saved.State())

	_, ok, err := s.Get(ctx, "10")
	require.NoError(t, err)
	require.True(t, ok)
}

func Test_WithTransaction_Rolls_Back_When_Timeout_Expires(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t, dataPath(t), slotstore.Options[slotstore.Doc]{})
	writeDocs(t, s, doc("1"))

	opts := slotstore.DefaultTxOptions()
	opts.Timeout = 50 * time.Millisecond

	var lateErr error

	err := s.WithTransaction(ctx, opts, func(tx *docTx) error {
		if err := tx.Write(doc("10")); err != nil {
			return err
		}

		<-tx.Context().Done()

		lateErr = tx.Write(doc("11"))

		return nil
	})

	require.ErrorIs(t, lateErr, slotstore.ErrTxTimeout)
	require.ErrorIs(t, err, slotstore.ErrTxTimeout)
	require.ErrorIs(t, err, slotstore.ErrRolledBack)

	for _, id := range []string{"10", "11"} {
		_, ok, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.False(t, ok, "record %s must be rolled back", id)
	}
}

func Test_WithTransaction_Keeps_Backup_When_Rollback_Fails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	faulty := fs.NewFaulty(nil)
	s := openStore(t, dataPath(t), slotstore.Options[slotstore.Doc]{FS: faulty})
	writeDocs(t, s, doc("1"))

	before := readFile(t, s.Path())

	var saved *docTx

	err := s.WithTransaction(ctx, slotstore.DefaultTxOptions(), func(tx *docTx) error {
		saved = tx

		if err := tx.Write(doc("10")); err != nil {
			return err
		}

		faulty.AddRule(".bak-", fs.Fault{FailOpen: true})

		return errBoom
	})
	faulty.ClearRules()

	require.ErrorIs(t, err, slotstore.ErrRollbackFailed)
	require.ErrorIs(t, err, errBoom)
	require.ErrorIs(t, err, fs.ErrInjected)
	require.NotErrorIs(t, err, slotstore.ErrRolledBack)
	require.Equal(t, slotstore.TxRollbackFailed, saved.State())

	var txErr *slotstore.TxError
	require.ErrorAs(t, err, &txErr)
	require.False(t, txErr.RolledBack)
	require.NotEmpty(t, txErr.BackupPath)
	require.Contains(t, txErr.Error(), txErr.BackupPath)

	kept, readErr := os.ReadFile(txErr.BackupPath)
	require.NoError(t, readErr, "backup must be kept for manual recovery")
	require.Equal(t, before, kept)
}

func Test_WithTransaction_Writes_Compressed_Backup_When_Requested(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t, dataPath(t), slotstore.Options[slotstore.Doc]{})
	writeDocs(t, s, doc("1", "name", "ada"), doc("2", "name", "grace"))

	before := readFile(t, s.Path())
	backupPath := filepath.Join(filepath.Dir(s.Path()), "snapshot.zst")

	opts := slotstore.TxOptions{
		Rollback:       true,
		BackupPath:     backupPath,
		KeepBackup:     true,
		CompressBackup: true,
	}

	err := s.WithTransaction(ctx, opts, func(tx *docTx) error {
		return tx.Write(doc("3"))
	})
	require.NoError(t, err)

	f, err := os.Open(backupPath)
	require.NoError(t, err)

	defer f.Close()

	dec, err := zstd.NewReader(f)
	require.NoError(t, err)

	defer dec.Close()

	restored, err := io.ReadAll(dec)
	require.NoError(t, err)
	require.Equal(t, before, restored)
}

func Test_WithTransaction_Restores_From_Compressed_Backup_When_Body_Fails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t, dataPath(t), slotstore.Options[slotstore.Doc]{})
	writeDocs(t, s, doc("1"), doc("2"))

	before := readFile(t, s.Path())

	opts := slotstore.DefaultTxOptions()
	opts.CompressBackup = true

	err := s.WithTransaction(ctx, opts, func(tx *docTx) error {
		if _, err := tx.Delete(slotstore.Fields{"id": "1"}); err != nil {
			return err
		}

		return errBoom
	})
	require.ErrorIs(t, err, slotstore.ErrRolledBack)
	require.Equal(t, before, readFile(t, s.Path()))
}

func Test_WithTransaction_Rolls_Back_Both_Files_When_Nested_Body_Fails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	users := openStore(t, filepath.Join(dir, "users.db"), slotstore.Options[slotstore.Doc]{})
	orders := openStore(t, filepath.Join(dir, "orders.db"), slotstore.Options[slotstore.Doc]{})

	writeDocs(t, users, doc("u1"))
	writeDocs(t, orders, doc("o1"))

	err := users.WithTransaction(ctx, slotstore.DefaultTxOptions(), func(utx *docTx) error {
		if err := utx.Write(doc("u2")); err != nil {
			return err
		}

		return orders.WithTransaction(utx.Context(), slotstore.DefaultTxOptions(), func(otx *docTx) error {
			if err := otx.Write(doc("o2")); err != nil {
				return err
			}

			return errBoom
		})
	})

	require.ErrorIs(t, err, errBoom)
	require.ErrorIs(t, err, slotstore.ErrRolledBack)

	_, ok, err := users.Get(ctx, "u2")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = orders.Get(ctx, "o2")
	require.NoError(t, err)
	require.False(t, ok)
}

func Test_Join_Shares_Transaction_When_Handles_Differ_In_Type(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := dataPath(t)
	reg := slotstore.NewRegistry()

	docs := openStore(t, path, slotstore.Options[slotstore.Doc]{Registry: reg})
	notes := openStore(t, path, slotstore.Options[note]{Registry: reg})

	err := docs.WithTransaction(ctx, slotstore.DefaultTxOptions(), func(tx *docTx) error {
		ntx, err := notes.Join(tx.Token())
		if err != nil {
			return err
		}

		require.Equal(t, tx.ID(), ntx.ID())

		return ntx.Write(note{ID: "n1", User: "ann"})
	})
	require.NoError(t, err)

	rec, ok, err := docs.Get(ctx, "n1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ann", rec["user"])

	err = docs.WithTransaction(ctx, slotstore.DefaultTxOptions(), func(tx *docTx) error {
		ntx, err := notes.Join(tx.Token())
		if err != nil {
			return err
		}

		if err := ntx.Write(note{ID: "n2"}); err != nil {
			return err
		}

		return errBoom
	})
	require.ErrorIs(t, err, slotstore.ErrRolledBack)

	_, ok, err = notes.Get(ctx, "n2")
	require.NoError(t, err)
	require.False(t, ok, "joined writes must roll back with the transaction")
}

func Test_Join_Returns_ErrTxMismatch_When_Token_Locks_Other_File(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()

	a := openStore(t, filepath.Join(dir, "a.db"), slotstore.Options[slotstore.Doc]{})
	b := openStore(t, filepath.Join(dir, "b.db"), slotstore.Options[slotstore.Doc]{})

	var joinErr error

	err := a.WithTransaction(ctx, slotstore.TxOptions{}, func(tx *docTx) error {
		_, joinErr = b.Join(tx.Token())

		return nil
	})
	require.NoError(t, err)
	require.ErrorIs(t, joinErr, slotstore.ErrTxMismatch)
}

func Test_Tx_Returns_ErrTxDone_When_Used_After_Body_Returns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := dataPath(t)
	reg := slotstore.NewRegistry()

	s := openStore(t, path, slotstore.Options[slotstore.Doc]{Registry: reg})
	other := openStore(t, path, slotstore.Options[slotstore.Doc]{Registry: reg})

	var (
		saved *docTx
		tok   slotstore.TxToken
	)

	err := s.WithTransaction(ctx, slotstore.TxOptions{}, func(tx *docTx) error {
		saved = tx
		tok = tx.Token()

		return nil
	})
	require.NoError(t, err)

	require.ErrorIs(t, saved.Write(doc("1")), slotstore.ErrTxDone)

	_, err = saved.Read(nil)
	require.ErrorIs(t, err, slotstore.ErrTxDone)

	_, err = other.Join(tok)
	require.ErrorIs(t, err, slotstore.ErrTxDone)

	_, err = other.Join(slotstore.TxToken{})
	require.ErrorIs(t, err, slotstore.ErrInvalidInput)
}

func Test_WithTransaction_Returns_ErrUninitialized_When_Not_Initialized(t *testing.T) {
	t.Parallel()

	s := openUninitialized(t, dataPath(t), slotstore.Options[slotstore.Doc]{})

	err := s.WithTransaction(context.Background(), slotstore.DefaultTxOptions(), func(*docTx) error {
		t.Fatal("body must not run")

		return nil
	})
	require.ErrorIs(t, err, slotstore.ErrUninitialized)
}

func Test_WithTransaction_Returns_ErrInvalidInput_When_Body_Nil(t *testing.T) {
	t.Parallel()

	s := openStore(t, dataPath(t), slotstore.Options[slotstore.Doc]{})

	err := s.WithTransaction(context.Background(), slotstore.DefaultTxOptions(), nil)
	require.ErrorIs(t, err, slotstore.ErrInvalidInput)
}

func Test_TxState_String(t *testing.T) {
	t.Parallel()

	require.Equal(t, "running", slotstore.TxRunning.String())
	require.Equal(t, "rollback-failed", slotstore.TxRollbackFailed.String())
	require.Equal(t, "TxState(42)", slotstore.TxState(42).String())
}
