package slotstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/calvinalkan/slotdb/pkg/fs"
)

// TxOptions configures [Store.WithTransaction].
type TxOptions struct {
	// Rollback backs the file and index up before the body runs and restores
	// both when the body fails.
	Rollback bool

	// Timeout bounds the whole transaction, lock wait included. Once it
	// passes, every [Tx] operation fails with [ErrTxTimeout] and the
	// transaction is rolled back even if the body returns nil. Zero means no
	// timeout beyond the caller's context.
	Timeout time.Duration

	// BackupPath overrides the backup location. Default is
	// "<dir>/.<base>.bak-<tx id>", unique per transaction.
	BackupPath string

	// KeepBackup keeps the backup after a commit or a successful rollback.
	KeepBackup bool

	// CompressBackup stores the backup zstd-compressed.
	CompressBackup bool
}

// DefaultTxOptions returns options with rollback enabled.
func DefaultTxOptions() TxOptions {
	return TxOptions{Rollback: true}
}

// TxState is the lifecycle state of a transaction.
type TxState int32

const (
	TxIdle TxState = iota
	TxLocked
	TxBackingUp
	TxRunning
	TxCommitted
	TxRollingBack
	TxRolledBack
	TxRollbackFailed

	// TxFailed is terminal for a failed body when rollback is disabled.
	TxFailed
)

func (s TxState) String() string {
	switch s {
	case TxIdle:
		return "idle"
	case TxLocked:
		return "locked"
	case TxBackingUp:
		return "backing-up"
	case TxRunning:
		return "running"
	case TxCommitted:
		return "committed"
	case TxRollingBack:
		return "rolling-back"
	case TxRolledBack:
		return "rolled-back"
	case TxRollbackFailed:
		return "rollback-failed"
	case TxFailed:
		return "failed"
	default:
		return fmt.Sprintf("TxState(%d)", int32(s))
	}
}

// txCore is the state shared by a transaction's [Tx] and every Tx joined to
// it.
type txCore struct {
	id    string
	entry *fileEntry
	w     *IndexWriter
	ctx   context.Context
	state atomic.Int32
	done  atomic.Bool
}

func (c *txCore) setState(s TxState) {
	c.state.Store(int32(s))
}

// TxToken identifies a running transaction so other handles on the same file
// can join it with [Store.Join].
type TxToken struct {
	core *txCore
}

// Tx is the capability to operate on a file inside a transaction.
//
// It holds the file's write lock on behalf of the body, so its operations do
// not lock. Calling the locking [Store] methods on the same file from the
// body would wait for the transaction itself and fail with [ErrLockTimeout];
// use the Tx (or a Tx obtained through [Store.Join]) instead.
//
// A Tx is valid only while the body runs and is not safe for concurrent use.
type Tx[T Record] struct {
	s    *Store[T]
	core *txCore
}

// ID returns the transaction id.
func (tx *Tx[T]) ID() string { return tx.core.id }

// State returns the current lifecycle state.
func (tx *Tx[T]) State() TxState { return TxState(tx.core.state.Load()) }

// Context returns the transaction context. It carries the deadline set by
// [TxOptions.Timeout].
func (tx *Tx[T]) Context() context.Context { return tx.core.ctx }

// Token returns the token other handles use to join the transaction.
func (tx *Tx[T]) Token() TxToken { return TxToken{core: tx.core} }

// Read is [Store.Read] inside the transaction.
func (tx *Tx[T]) Read(pred func(T) bool) ([]T, error) {
	ctx, err := tx.begin()
	if err != nil {
		return nil, tx.fail("read", err)
	}

	recs, err := tx.s.read(ctx, &tx.core.w.IndexReader, pred)

	return recs, tx.fail("read", err)
}

// ReadByIndex is [Store.ReadByIndex] inside the transaction.
func (tx *Tx[T]) ReadByIndex(filter Fields) ([]T, error) {
	ctx, err := tx.begin()
	if err != nil {
		return nil, tx.fail("read", err)
	}

	hits, err := tx.s.resolve(ctx, &tx.core.w.IndexReader, filter)
	if err != nil {
		return nil, tx.fail("read", err)
	}

	return records(hits), nil
}

// Get is [Store.Get] inside the transaction.
func (tx *Tx[T]) Get(id string) (T, bool, error) {
	ctx, err := tx.begin()
	if err != nil {
		var zero T

		return zero, false, tx.fail("get", err)
	}

	rec, ok, err := tx.s.get(ctx, &tx.core.w.IndexReader, id)

	return rec, ok, tx.fail("get", err)
}

// Write is [Store.Write] inside the transaction.
func (tx *Tx[T]) Write(recs ...T) error {
	ctx, err := tx.begin()
	if err != nil {
		return tx.fail("write", err)
	}

	return tx.fail("write", tx.s.write(ctx, tx.core.w, recs))
}

// Delete is [Store.Delete] inside the transaction.
func (tx *Tx[T]) Delete(filters ...Fields) (int, error) {
	ctx, err := tx.begin()
	if err != nil {
		return 0, tx.fail("delete", err)
	}

	n, err := tx.s.delete(ctx, tx.core.w, filters)

	return n, tx.fail("delete", err)
}

// Update is [Store.Update] inside the transaction.
func (tx *Tx[T]) Update(filter, patch Fields) ([]T, error) {
	ctx, err := tx.begin()
	if err != nil {
		return nil, tx.fail("update", err)
	}

	recs, err := tx.s.update(ctx, tx.core.w, filter, patch)

	return recs, tx.fail("update", err)
}

// Compact is [Store.Compact] inside the transaction.
func (tx *Tx[T]) Compact() error {
	ctx, err := tx.begin()
	if err != nil {
		return tx.fail("compact", err)
	}

	return tx.fail("compact", tx.s.compact(ctx, tx.core.w))
}

// SlotSize returns the current slot width.
func (tx *Tx[T]) SlotSize() int64 {
	return tx.core.entry.state.slotSize
}

func (tx *Tx[T]) begin() (context.Context, error) {
	if tx.core.done.Load() {
		return nil, ErrTxDone
	}

	if tx.s.closed.Load() {
		return nil, ErrClosed
	}

	ctx := tx.core.ctx
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := tx.s.ready(); err != nil {
		return nil, err
	}

	return ctx, nil
}

// fail adds context and turns an expired transaction deadline into
// ErrTxTimeout.
func (tx *Tx[T]) fail(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTxTimeout) {
		err = fmt.Errorf("%w: %w", ErrTxTimeout, err)
	}

	return withContext(err, op, tx.core.entry.path)
}

// Join binds this handle to a running transaction on the same file, so a
// body can work on the file through handles of different record types.
//
// Possible errors:
//   - [ErrTxMismatch]: the token belongs to another file (or registry)
//   - [ErrTxDone]: the transaction is no longer running
func (s *Store[T]) Join(tok TxToken) (*Tx[T], error) {
	if s.closed.Load() {
		return nil, withContext(ErrClosed, "join", s.entry.path)
	}

	if tok.core == nil {
		return nil, withContext(fmt.Errorf("%w: zero transaction token", ErrInvalidInput), "join", s.entry.path)
	}

	if tok.core.entry != s.entry {
		return nil, withContext(fmt.Errorf("%w: transaction %s locks %s", ErrTxMismatch, tok.core.id, tok.core.entry.path), "join", s.entry.path)
	}

	if tok.core.done.Load() || s.entry.tx.Load() != tok.core {
		return nil, withContext(ErrTxDone, "join", s.entry.path)
	}

	return &Tx[T]{s: s, core: tok.core}, nil
}

// WithTransaction runs body while holding the file's write lock.
//
// With [TxOptions.Rollback], the data file is copied to a backup and the
// index is snapshotted before body runs. When body returns an error, panics,
// or outlives [TxOptions.Timeout], the file and index are restored from the
// backup and a [*TxError] is returned. A panic is re-raised after the
// rollback.
//
// Transactions on different files compose by nesting: a body may run a
// transaction on another store. Each file rolls back on its own, inner
// first; there is no atomic commit across files.
func (s *Store[T]) WithTransaction(ctx context.Context, opts TxOptions, body func(tx *Tx[T]) error) error {
	path := s.entry.path

	if body == nil {
		return withContext(fmt.Errorf("%w: nil transaction body", ErrInvalidInput), "transaction", path)
	}

	core := &txCore{id: uuid.NewString(), entry: s.entry}
	core.setState(TxIdle)

	var (
		txCtx  context.Context
		cancel context.CancelFunc
	)

	if opts.Timeout > 0 {
		txCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		txCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	w, release, err := s.lock(txCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrTxTimeout, err)
		}

		return withContext(err, "transaction", path)
	}
	defer release()

	core.w = w
	core.ctx = txCtx
	core.setState(TxLocked)

	if err := s.ready(); err != nil {
		core.setState(TxFailed)

		return withContext(err, "transaction", path)
	}

	var bk *backup

	if opts.Rollback {
		core.setState(TxBackingUp)

		bk, err = s.takeBackup(w, opts, core.id)
		if err != nil {
			core.setState(TxFailed)

			return withContext(fmt.Errorf("backup: %w", err), "transaction", path)
		}
	}

	core.setState(TxRunning)
	s.entry.tx.Store(core)

	tx := &Tx[T]{s: s, core: core}
	panicVal, panicked, cause := runBody(body, tx)

	core.done.Store(true)
	s.entry.tx.CompareAndSwap(core, nil)

	if cause == nil && !panicked && txCtx.Err() != nil {
		cause = tx.fail("commit", txCtx.Err())
	}

	if cause == nil && !panicked {
		core.setState(TxCommitted)

		if bk != nil && !opts.KeepBackup {
			s.removeBackup(ctx, bk)
		}

		return nil
	}

	if panicked {
		cause = fmt.Errorf("panic: %v", panicVal)
	}

	txErr := &TxError{ID: core.id, Path: path, Cause: cause}

	if bk == nil {
		core.setState(TxFailed)
	} else {
		core.setState(TxRollingBack)

		rbErr := s.restoreBackup(w, bk)
		s.log.LogRollback(ctx, core.id, cause, rbErr, bk.path)

		if rbErr != nil {
			core.setState(TxRollbackFailed)
			txErr.RollbackErr = rbErr
			txErr.BackupPath = bk.path
		} else {
			core.setState(TxRolledBack)
			txErr.RolledBack = true

			if !opts.KeepBackup {
				s.removeBackup(ctx, bk)
			}
		}
	}

	if panicked {
		panic(panicVal)
	}

	return txErr
}

func runBody[T Record](body func(*Tx[T]) error, tx *Tx[T]) (panicVal any, panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicVal = r
			panicked = true
		}
	}()

	return nil, false, body(tx)
}

// backup is everything needed to undo a transaction.
type backup struct {
	path       string
	compressed bool
	index      map[string][]Position
	state      fileState
}

func (s *Store[T]) takeBackup(w *IndexWriter, opts TxOptions, txID string) (*backup, error) {
	e := s.entry

	path := opts.BackupPath
	if path == "" {
		dir, base := filepath.Split(e.path)
		path = filepath.Join(dir, "."+base+".bak-"+txID)
	}

	size := e.state.size

	err := s.atomic.Replace(path, fs.ReplaceOptions{Perm: 0o600, NoDirSync: true}, func(dst io.Writer) error {
		src := io.NewSectionReader(e.file, 0, size)

		if !opts.CompressBackup {
			_, err := io.Copy(dst, src)

			return err
		}

		enc, err := zstd.NewWriter(dst)
		if err != nil {
			return err
		}

		if _, err := io.Copy(enc, src); err != nil {
			return errors.Join(err, enc.Close())
		}

		return enc.Close()
	})
	if err != nil {
		return nil, err
	}

	return &backup{
		path:       path,
		compressed: opts.CompressBackup,
		index:      w.Snapshot(),
		state:      e.state.clone(),
	}, nil
}

// restoreBackup swaps the backup in over the data file and restores the
// index snapshot.
func (s *Store[T]) restoreBackup(w *IndexWriter, bk *backup) error {
	e := s.entry

	err := s.atomic.Replace(e.path, s.writeOptions(), func(dst io.Writer) error {
		f, err := e.fsys.Open(bk.path)
		if err != nil {
			return err
		}
		defer f.Close()

		var src io.Reader = f

		if bk.compressed {
			dec, err := zstd.NewReader(f)
			if err != nil {
				return err
			}
			defer dec.Close()

			src = dec
		}

		_, err = io.Copy(dst, src)

		return err
	})
	if err != nil {
		return fmt.Errorf("restore %s: %w", bk.path, err)
	}

	if err := s.reopen(); err != nil {
		return err
	}

	w.Restore(bk.index)
	e.state = bk.state.clone()
	e.width.Store(e.state.slotSize)

	return nil
}

func (s *Store[T]) removeBackup(ctx context.Context, bk *backup) {
	err := s.entry.fsys.Remove(bk.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.WarnContext(ctx, "remove backup", "backup", bk.path, "error", err)
	}
}
