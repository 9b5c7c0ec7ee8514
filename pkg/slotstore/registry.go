package slotstore

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calvinalkan/slotdb/pkg/fs"
)

// Locking architecture
//
//  1. Registry.mu: guards the path → entry map and reference counts.
//
//  2. PositionIndex lock (per entry): the file lock. Readers hold RLock
//     while reading slots; writers hold Lock while writing slots and while
//     touching fileEntry.file or fileEntry.state.
//
//  3. interprocess lock: optional flock on Path+".lock"
//     ([Options.ProcessLock]), taken by mutations and transactions after the
//     index lock.
//
// Lock ordering: PositionIndex → interprocess lock. Registry.mu is held only
// for map and reference count updates and never while waiting for another
// lock.

// DefaultRegistry is used by stores opened without [Options.Registry].
var DefaultRegistry = NewRegistry()

// Registry shares per-file state between [Store] handles.
//
// Every handle opened on the same absolute path through the same Registry
// sees the same [PositionIndex], slot width and open file. The entry is
// created by the first [Open] and dropped, closing the file, when the last
// handle is closed.
//
// Registries are independent: two registries opening the same path do not
// coordinate (use [Options.ProcessLock] for that).
type Registry struct {
	mu      sync.Mutex
	entries map[string]*fileEntry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*fileEntry)}
}

// Len returns the number of paths with at least one open handle.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}

// Index returns the position index of an open path.
func (r *Registry) Index(path string) (*PositionIndex, bool) {
	abs, err := canonicalPath(path)
	if err != nil {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[abs]
	if !ok {
		return nil, false
	}

	return e.index, true
}

// acquire returns the entry for abs, creating it with fsys when absent.
// The first opener's filesystem is used by every handle on the path.
func (r *Registry) acquire(abs string, fsys fs.FS) *fileEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[abs]
	if !ok {
		e = &fileEntry{
			path:  abs,
			fsys:  fsys,
			index: NewPositionIndex(),
		}
		r.entries[abs] = e
	}

	e.refs++

	return e
}

// release drops one reference. The last release closes the data file once
// it holds the index write lock; waiting for it fails with [ErrLockTimeout]
// after timeout and leaves the reference in place. Registry.mu is never held
// while waiting.
func (r *Registry) release(e *fileEntry, timeout time.Duration) error {
	r.mu.Lock()
	if e.refs > 1 {
		e.refs--
		r.mu.Unlock()

		return nil
	}
	r.mu.Unlock()

	w, err := e.index.Lock(context.Background(), timeout)
	if err != nil {
		return err
	}
	defer w.Release()

	r.mu.Lock()
	e.refs--
	last := e.refs == 0

	if last && r.entries[e.path] == e {
		delete(r.entries, e.path)
	}
	r.mu.Unlock()

	if !last || e.file == nil {
		return nil
	}

	err = e.file.Close()
	e.file = nil

	if err != nil {
		return fmt.Errorf("close data file: %w", err)
	}

	return nil
}

func canonicalPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: path is required", ErrInvalidInput)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	return abs, nil
}

// fileEntry is the shared state of one data file.
type fileEntry struct {
	path  string
	fsys  fs.FS
	index *PositionIndex

	// refs is guarded by Registry.mu.
	refs int

	// file and state are guarded by the index lock.
	file  fs.File
	state fileState

	// tx is the running transaction, if any. Set and cleared under the
	// index write lock.
	tx atomic.Pointer[txCore]

	// width mirrors state.slotSize for readers that do not take the lock.
	width atomic.Int64
}

// fileState is the file-wide bookkeeping next to the index.
type fileState struct {
	// slotSize is the current slot width in bytes, newline included.
	slotSize int64

	// size is the data file length; always a multiple of slotSize once
	// initialized.
	size int64

	// hasDeleted is set when the file holds tombstones or gaps.
	hasDeleted bool

	initialized bool

	// migrate holds ids whose lines are not in the configured encoding.
	migrate map[string]struct{}
}

func (s fileState) clone() fileState {
	s.migrate = maps.Clone(s.migrate)

	return s
}

func (s fileState) slots() int {
	if s.slotSize <= 0 {
		return 0
	}

	return int(s.size / s.slotSize)
}
