// Package fs is the filesystem seam under slot stores.
//
// [FS] covers the path operations a store performs and [File] the calls it
// makes on an open data file. [OS] forwards to the operating system and
// [Faulty] wraps another FS to break chosen paths in tests. On top of FS,
// [AtomicWriter] swaps whole files in by rename and [Locker] takes the
// cross-process flock on "<data>.lock".
//
//	fsys := fs.NewOS()
//	f, err := fsys.OpenFile("users.db", os.O_RDWR|os.O_CREATE, 0o644)
//	if err != nil {
//	    return err
//	}
//	defer f.Close()
//
//	slot := make([]byte, slotSize)
//	_, err = f.ReadAt(slot, n*slotSize)
package fs

import (
	"io"
	"os"
)

// File is an open data, backup or lock file. *os.File satisfies it.
//
// Slots are addressed by byte offset, so positional reads and writes are part
// of the contract, and like *os.File they must be safe on disjoint ranges
// from several goroutines.
type File interface {
	io.ReadWriteCloser
	io.Seeker
	io.ReaderAt
	io.WriterAt

	// Fd is handed to flock(2).
	Fd() uintptr

	Stat() (os.FileInfo, error)

	// Sync flushes to stable storage; also called on directories.
	Sync() error

	Truncate(size int64) error

	// Chmod pins the mode of replacement files independent of umask.
	Chmod(mode os.FileMode) error
}

// FS is the set of path operations a slot store performs: opening the data
// file and its backups, creating parent directories, and the temp-file,
// rename and remove steps of atomic replacement and rollback.
//
// Paths use OS semantics, not the slash-separated paths of io/fs.
// Implementations must be safe for concurrent use.
type FS interface {
	// Open opens path read-only. Also used on directories for fsync.
	Open(path string) (File, error)

	// OpenFile is the generalized open call. See [os.OpenFile].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// MkdirAll creates path and any missing parents.
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns an error matching [os.ErrNotExist] for missing paths.
	Stat(path string) (os.FileInfo, error)

	// Remove deletes a file or an empty directory.
	Remove(path string) error

	// Rename replaces newpath with oldpath. Atomic within one filesystem.
	Rename(oldpath, newpath string) error
}

var _ File = (*os.File)(nil)
