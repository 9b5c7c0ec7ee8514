package fs

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
)

// ErrDirSync is returned when the new file was renamed into place but its
// directory could not be fsynced. The replacement is visible, not durable.
var ErrDirSync = errors.New("dir sync")

const (
	defaultReplacePerm = 0o644
	replaceBufSize     = 64 << 10
	maxStageAttempts   = 10000
)

var stageSeq atomic.Uint64

// ReplaceOptions tunes [AtomicWriter.Replace].
type ReplaceOptions struct {
	// Perm is applied to the new file regardless of umask. Zero means 0644.
	Perm os.FileMode

	// NoDirSync skips the fsync of the parent directory after rename. Used
	// for scratch files such as transaction backups.
	NoDirSync bool
}

// AtomicWriter replaces whole files through a temp file and rename.
//
// Compaction, reallocation and rollback rewrite every slot, so they go
// through Replace: a reader opening the path sees the old file or the new
// one, never a mix.
type AtomicWriter struct {
	fs FS
}

// NewAtomicWriter returns an AtomicWriter working on fsys.
func NewAtomicWriter(fsys FS) *AtomicWriter {
	if fsys == nil {
		panic("fs: nil FS")
	}

	return &AtomicWriter{fs: fsys}
}

// Replace writes the new content of path with fill and swaps it in.
//
// fill writes to a buffered temp file next to path. When fill fails, path is
// left as it was and the temp file is removed.
func (w *AtomicWriter) Replace(path string, opts ReplaceOptions, fill func(dst io.Writer) error) error {
	if fill == nil {
		panic("fs: nil fill")
	}

	dir, base := filepath.Split(path)
	if base == "" || base == "." {
		return fmt.Errorf("replace: invalid path %q", path)
	}

	dir = filepath.Clean(dir)

	perm := opts.Perm
	if perm == 0 {
		perm = defaultReplacePerm
	}

	st, err := w.stage(dir, base, perm)
	if err != nil {
		return err
	}

	if err := st.fill(fill); err != nil {
		return errors.Join(err, st.discard())
	}

	if err := w.fs.Rename(st.path, path); err != nil {
		return errors.Join(fmt.Errorf("rename %s: %w", st.path, err), st.discard())
	}

	// Renamed; the temp name is gone and a failed close is harmless now.
	_ = st.file.Close()

	if opts.NoDirSync {
		return nil
	}

	return w.syncDir(dir)
}

// staged is a temp file waiting to be renamed over its target.
type staged struct {
	fs   FS
	file File
	path string
}

func (w *AtomicWriter) stage(dir, base string, perm os.FileMode) (*staged, error) {
	for range maxStageAttempts {
		path := filepath.Join(dir, "."+base+"."+strconv.FormatUint(stageSeq.Add(1), 10)+".tmp")

		f, err := w.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
		if errors.Is(err, os.ErrExist) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("create temp file: %w", err)
		}

		st := &staged{fs: w.fs, file: f, path: path}

		if err := f.Chmod(perm); err != nil {
			return nil, errors.Join(fmt.Errorf("chmod %s: %w", path, err), st.discard())
		}

		return st, nil
	}

	return nil, fmt.Errorf("create temp file in %s: too many collisions", dir)
}

// fill runs fn through a buffer, then flushes and fsyncs the temp file.
func (st *staged) fill(fn func(dst io.Writer) error) error {
	buf := bufio.NewWriterSize(st.file, replaceBufSize)

	if err := fn(buf); err != nil {
		return fmt.Errorf("write %s: %w", st.path, err)
	}

	if err := buf.Flush(); err != nil {
		return fmt.Errorf("write %s: %w", st.path, err)
	}

	if err := st.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", st.path, err)
	}

	return nil
}

func (st *staged) discard() error {
	var errs []error

	if err := st.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		errs = append(errs, fmt.Errorf("close %s: %w", st.path, err))
	}

	if err := st.fs.Remove(st.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove %s: %w", st.path, err))
	}

	return errors.Join(errs...)
}

func (w *AtomicWriter) syncDir(dir string) error {
	d, err := w.fs.Open(dir)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrDirSync, dir, err)
	}

	syncErr := d.Sync()
	closeErr := d.Close()

	if syncErr != nil {
		return fmt.Errorf("%w: %s: %w", ErrDirSync, dir, syncErr)
	}

	if closeErr != nil {
		return fmt.Errorf("close %s: %w", dir, closeErr)
	}

	return nil
}
