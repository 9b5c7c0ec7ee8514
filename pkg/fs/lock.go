package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock reports that another process holds the data file lock.
	// [Locker.Acquire] wraps it together with the context cause when it
	// gives up waiting.
	ErrWouldBlock = errors.New("lock would block")

	// errReplaced means the lock file was swapped out between open and flock.
	errReplaced = errors.New("lock file replaced")
)

const (
	lockSuffix   = ".lock"
	lockFilePerm = 0o600
	lockDirPerm  = 0o755

	minPoll = time.Millisecond
	maxPoll = 25 * time.Millisecond

	maxEINTR = 10000
)

// LockPath returns the lock file guarding dataPath. The data file itself is
// never flocked because compaction replaces it by rename, and flock follows
// the inode.
func LockPath(dataPath string) string {
	return dataPath + lockSuffix
}

// Locker takes cross-process exclusive locks on data files using flock(2).
//
// Locks are per open file description, so two Acquires in one process on
// the same data file also exclude each other. Unix only.
type Locker struct {
	fs    FS
	flock func(fd int, how int) error
}

// NewLocker returns a Locker that opens lock files through fsys.
func NewLocker(fsys FS) *Locker {
	return &Locker{fs: fsys, flock: unix.Flock}
}

// Lock is a held data file lock.
type Lock struct {
	mu    sync.Mutex
	file  File
	flock func(fd int, how int) error
}

// Close unlocks and closes the lock file. Safe to call more than once and
// on a nil Lock.
func (lk *Lock) Close() error {
	if lk == nil {
		return nil
	}

	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	var errs []error

	if err := flockNoEINTR(lk.flock, int(lk.file.Fd()), unix.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("unlock: %w", err))
	}

	if err := lk.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close lock file: %w", err))
	}

	lk.file = nil

	return errors.Join(errs...)
}

// TryAcquire makes one non-blocking attempt to lock dataPath.
func (l *Locker) TryAcquire(dataPath string) (*Lock, error) {
	for {
		lk, err := l.attempt(LockPath(dataPath))
		if errors.Is(err, errReplaced) {
			continue
		}

		return lk, err
	}
}

// Acquire locks dataPath, polling with backoff until it succeeds, timeout
// elapses, or ctx is done. A timeout of zero waits for ctx alone. Giving up
// returns an error matching both [ErrWouldBlock] and the context cause.
func (l *Locker) Acquire(ctx context.Context, dataPath string, timeout time.Duration) (*Lock, error) {
	if timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	path := LockPath(dataPath)
	wait := minPoll

	for {
		lk, err := l.attempt(path)
		if err == nil {
			return lk, nil
		}

		if !errors.Is(err, ErrWouldBlock) && !errors.Is(err, errReplaced) {
			return nil, err
		}

		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()

			return nil, fmt.Errorf("%w: %w", ErrWouldBlock, context.Cause(ctx))
		case <-timer.C:
		}

		wait = min(wait*2, maxPoll)
	}
}

// attempt opens path and tries LOCK_EX|LOCK_NB once. The returned lock is
// only valid if the descriptor still names the file at path afterwards.
func (l *Locker) attempt(path string) (*Lock, error) {
	file, err := l.open(path)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	fd := int(file.Fd())

	if err := flockNoEINTR(l.flock, fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = file.Close()

		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, ErrWouldBlock
		}

		return nil, fmt.Errorf("flock: %w", err)
	}

	same, err := l.sameFile(path, file)
	if err != nil || !same {
		_ = flockNoEINTR(l.flock, fd, unix.LOCK_UN)
		_ = file.Close()

		if err == nil || errors.Is(err, os.ErrNotExist) {
			return nil, errReplaced
		}

		return nil, fmt.Errorf("check lock file: %w", err)
	}

	return &Lock{file: file, flock: l.flock}, nil
}

func (l *Locker) open(path string) (File, error) {
	f, err := l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
	if !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	if err := l.fs.MkdirAll(filepath.Dir(path), lockDirPerm); err != nil {
		return nil, err
	}

	return l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
}

// sameFile compares (dev, ino) of the open descriptor with the path.
func (l *Locker) sameFile(path string, f File) (bool, error) {
	held, err := f.Stat()
	if err != nil {
		return false, err
	}

	onDisk, err := l.fs.Stat(path)
	if err != nil {
		return false, err
	}

	a, okA := held.Sys().(*syscall.Stat_t)
	b, okB := onDisk.Sys().(*syscall.Stat_t)

	if !okA || !okB || a == nil || b == nil {
		return false, fmt.Errorf("stat: unexpected Sys types %T, %T", held.Sys(), onDisk.Sys())
	}

	return a.Dev == b.Dev && a.Ino == b.Ino, nil
}

func flockNoEINTR(flock func(fd int, how int) error, fd int, how int) error {
	var err error

	for range maxEINTR {
		err = flock(fd, how)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
