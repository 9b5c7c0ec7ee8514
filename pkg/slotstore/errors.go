package slotstore

import (
	"errors"
	"strconv"
	"strings"
)

// Sentinel errors returned by slotstore operations.
//
// Callers should use [errors.Is] to check error kinds; the concrete error is
// usually an [*Error] or [*TxError] carrying context:
//
//	if errors.Is(err, slotstore.ErrDuplicateID) {
//	    // two lines share an id; fix the file by hand
//	}
var (
	// ErrParse indicates a line is not a valid encoded record.
	//
	// During [Store.Initialize] this aborts the scan unless
	// [Options.SkipInvalidLines] is set.
	ErrParse = errors.New("slotstore: parse error")

	// ErrCipher indicates the configured [Cipher] failed to encrypt or decrypt
	// a line, or an enciphered store found a line that is not enciphered.
	ErrCipher = errors.New("slotstore: cipher error")

	// ErrDuplicateID indicates two live lines share a canonical id.
	//
	// Recovery: remove one of the lines by hand. The store refuses to guess.
	ErrDuplicateID = errors.New("slotstore: duplicate id")

	// ErrRecordTooLarge indicates a record does not fit the slot even after
	// growth up to [Options.MaxSlotSize].
	ErrRecordTooLarge = errors.New("slotstore: record too large")

	// ErrUninitialized indicates an operation was called before
	// [Store.Initialize] completed for the file.
	//
	// This is a programming error.
	ErrUninitialized = errors.New("slotstore: uninitialized")

	// ErrTxMismatch indicates a [TxToken] was presented to a store on a
	// different file than the one the transaction locked.
	ErrTxMismatch = errors.New("slotstore: transaction mismatch")

	// ErrRolledBack marks a failed transaction whose changes were undone.
	ErrRolledBack = errors.New("slotstore: transaction rolled back")

	// ErrRollbackFailed marks a failed transaction whose restore failed too.
	//
	// The file and index may be inconsistent. The backup file is kept; its
	// path is logged.
	ErrRollbackFailed = errors.New("slotstore: rollback failed")

	// ErrLockTimeout indicates the file lock could not be acquired within
	// [Options.LockTimeout].
	//
	// Recovery: retry after a short delay with backoff.
	ErrLockTimeout = errors.New("slotstore: lock timeout")

	// ErrTxTimeout indicates a transaction exceeded [TxOptions.Timeout].
	//
	// Operations on the [Tx] fail with this error once the deadline passes,
	// and the transaction is rolled back.
	ErrTxTimeout = errors.New("slotstore: transaction timeout")

	// ErrTxDone indicates a [Tx] was used after its body returned.
	//
	// This is a programming error.
	ErrTxDone = errors.New("slotstore: transaction done")

	// ErrClosed indicates the [Store] handle has already been closed.
	//
	// This is a programming error.
	ErrClosed = errors.New("slotstore: closed")

	// ErrInvalidInput indicates invalid arguments or options.
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("slotstore: invalid input")

	// ErrCorrupt indicates the data file layout is damaged (mixed slot widths,
	// truncated tail, misaligned offsets) and could not be repaired.
	ErrCorrupt = errors.New("slotstore: corrupt")
)

// Error is the uniform error type returned by [Store] operations.
//
// The operation name comes first, then the cause, then record context:
//
//	write: slotstore: record too large: need 20000 bytes, max 16384 (id=42 path=/data/users.db)
//
// Use [errors.As] to extract structured fields:
//
//	var sErr *slotstore.Error
//	if errors.As(err, &sErr) {
//	    fmt.Printf("line %d of %s is broken\n", sErr.Line, sErr.Path)
//	}
type Error struct {
	// Op is the public operation that failed ("initialize", "write", ...).
	Op string

	// Path is the absolute path of the data file.
	Path string

	// ID is the offending record id, when known.
	ID string

	// Line is the 1-based line number in the data file, when known.
	Line int

	// Err is the underlying cause.
	Err error
}

// Error formats as "<op>: <cause> (id=X line=N path=P)".
func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	var b strings.Builder

	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}

	if e.Err != nil {
		b.WriteString(e.Err.Error())
	}

	var parts []string

	if e.ID != "" {
		parts = append(parts, "id="+e.ID)
	}

	if e.Line > 0 {
		parts = append(parts, "line="+strconv.Itoa(e.Line))
	}

	if e.Path != "" {
		parts = append(parts, "path="+e.Path)
	}

	if len(parts) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, " "))
		b.WriteString(")")
	}

	return b.String()
}

// Unwrap returns the underlying error for use with [errors.Is] and [errors.As].
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// withContext attaches operation context at API boundaries and returns *Error.
// If err already carries an *Error, missing fields are filled in place.
func withContext(err error, op, path string) error {
	if err == nil {
		return nil
	}

	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op == "" {
			existing.Op = op
		}

		if existing.Path == "" {
			existing.Path = path
		}

		return err
	}

	return &Error{Op: op, Path: path, Err: err}
}

// recordErr tags err with a record id and line.
func recordErr(err error, id string, line int) error {
	return &Error{ID: id, Line: line, Err: err}
}

// TxError reports a failed transaction.
//
// Cause is what made the body fail. When rollback was attempted,
// RolledBack tells whether it succeeded and RollbackErr holds the restore
// failure otherwise. The error matches [ErrRolledBack] or
// [ErrRollbackFailed] accordingly, and the cause stays reachable:
//
//	err := store.WithTransaction(ctx, opts, body)
//	if errors.Is(err, slotstore.ErrRollbackFailed) {
//	    // inspect the kept backup
//	}
//	if errors.Is(err, errMyBodyFailure) { ... }
type TxError struct {
	// ID is the transaction id.
	ID string

	// Path is the data file the transaction locked.
	Path string

	// Cause is the error returned by the body (or the recovered panic).
	Cause error

	// RollbackErr is the restore failure, nil when rollback succeeded or was
	// disabled.
	RollbackErr error

	// RolledBack reports whether the file and index were restored.
	RolledBack bool

	// BackupPath is the backup kept after a failed rollback.
	BackupPath string
}

func (e *TxError) Error() string {
	if e == nil {
		return ""
	}

	var b strings.Builder

	b.WriteString("transaction ")
	b.WriteString(e.ID)

	switch {
	case e.RolledBack:
		b.WriteString(" rolled back: ")
		b.WriteString(errString(e.Cause))
	case e.RollbackErr != nil:
		b.WriteString(" rollback failed: ")
		b.WriteString(e.RollbackErr.Error())
		b.WriteString(" (cause: ")
		b.WriteString(errString(e.Cause))
		b.WriteString(")")
	default:
		b.WriteString(" failed: ")
		b.WriteString(errString(e.Cause))
	}

	if e.Path != "" {
		b.WriteString(" (path=")
		b.WriteString(e.Path)

		if e.BackupPath != "" {
			b.WriteString(" backup=")
			b.WriteString(e.BackupPath)
		}

		b.WriteString(")")
	}

	return b.String()
}

// Unwrap exposes the outcome sentinel, the cause and the rollback error.
func (e *TxError) Unwrap() []error {
	if e == nil {
		return nil
	}

	errs := make([]error, 0, 3)

	switch {
	case e.RolledBack:
		errs = append(errs, ErrRolledBack)
	case e.RollbackErr != nil:
		errs = append(errs, ErrRollbackFailed, e.RollbackErr)
	}

	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}

	return errs
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}

	return err.Error()
}
