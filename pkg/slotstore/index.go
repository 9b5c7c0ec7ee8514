package slotstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// TombstoneOffset is the offset of a deleted position.
const TombstoneOffset int64 = -1

// Position locates one slot in the data file.
type Position struct {
	// Offset is the byte offset of the slot, or [TombstoneOffset].
	Offset int64

	// Deleted marks a tombstone.
	Deleted bool

	// Partition is a caller-defined tag carried with the position
	// (see [Options.Partition]).
	Partition string
}

// Live reports whether p points at a record.
func (p Position) Live() bool {
	return !p.Deleted && p.Offset >= 0
}

func tombstone(partition string) Position {
	return Position{Offset: TombstoneOffset, Deleted: true, Partition: partition}
}

// PositionIndex maps index keys to slot positions for one data file.
//
// Its lock is the file lock: holding the write lock (via [PositionIndex.Lock])
// is what makes a goroutine the file's only writer. The exported methods
// each take the lock for one call. Code that already holds the lock works
// through the [IndexWriter] or [IndexReader] it got from Lock or RLock
// instead; calling a locked method while holding the lock deadlocks.
type PositionIndex struct {
	mu      sync.RWMutex
	entries positions
}

// NewPositionIndex returns an empty index.
func NewPositionIndex() *PositionIndex {
	return &PositionIndex{entries: make(positions)}
}

// Get returns a copy of the positions stored under key.
func (x *PositionIndex) Get(key string) []Position {
	x.mu.RLock()
	defer x.mu.RUnlock()

	return x.entries.get(key)
}

// GetMany returns the positions of every key, in key order, concatenated.
func (x *PositionIndex) GetMany(keys []string) []Position {
	x.mu.RLock()
	defer x.mu.RUnlock()

	return x.entries.getMany(keys)
}

// Set appends pos under key unless an identical position is already there.
func (x *PositionIndex) Set(key string, pos Position) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.entries.set(key, pos)
}

// Replace substitutes newPos for every position equal to oldPos, across all
// keys, and returns the number of substitutions.
func (x *PositionIndex) Replace(oldPos, newPos Position) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	return x.entries.replace(oldPos, newPos)
}

// Remove deletes the positions under key that point at offset. It reports
// whether anything was removed.
func (x *PositionIndex) Remove(key string, offset int64) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	return x.entries.remove(key, offset)
}

// Clear drops every key.
func (x *PositionIndex) Clear() {
	x.mu.Lock()
	defer x.mu.Unlock()

	clear(x.entries)
}

// Snapshot returns a deep copy of the index contents.
func (x *PositionIndex) Snapshot() map[string][]Position {
	x.mu.RLock()
	defer x.mu.RUnlock()

	return x.entries.clone()
}

// Restore replaces the index contents with a deep copy of snap.
func (x *PositionIndex) Restore(snap map[string][]Position) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.entries = positions(snap).clone()
}

// Recalculate rescales every live offset from oldSize to newSize slots.
//
// Every live offset must be a multiple of oldSize; otherwise Recalculate
// returns an [ErrCorrupt] error and leaves the index unchanged.
func (x *PositionIndex) Recalculate(oldSize, newSize int64) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	return x.entries.recalculate(oldSize, newSize)
}

// Len returns the number of keys.
func (x *PositionIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()

	return len(x.entries)
}

// Lock acquires the write lock and returns the capability to mutate the index
// without further locking.
//
// Acquisition polls with a short backoff. It fails with [ErrLockTimeout] once
// timeout elapses (timeout <= 0 waits as long as ctx allows) and with
// ctx.Err() when ctx is done.
func (x *PositionIndex) Lock(ctx context.Context, timeout time.Duration) (*IndexWriter, error) {
	err := pollLock(ctx, timeout, x.mu.TryLock)
	if err != nil {
		return nil, err
	}

	return &IndexWriter{IndexReader{x: x, unlock: x.mu.Unlock}}, nil
}

// RLock acquires a read lock and returns the read capability. Readers share
// the lock with each other and exclude writers. See [PositionIndex.Lock] for
// timeout semantics.
func (x *PositionIndex) RLock(ctx context.Context, timeout time.Duration) (*IndexReader, error) {
	err := pollLock(ctx, timeout, x.mu.TryRLock)
	if err != nil {
		return nil, err
	}

	return &IndexReader{x: x, unlock: x.mu.RUnlock}, nil
}

func pollLock(ctx context.Context, timeout time.Duration, try func() bool) error {
	if try() {
		return nil
	}

	var deadline <-chan time.Time

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		deadline = timer.C
	}

	backoff := time.Millisecond

	for {
		wait := time.NewTimer(backoff)

		select {
		case <-ctx.Done():
			wait.Stop()

			return ctx.Err()
		case <-deadline:
			wait.Stop()

			return fmt.Errorf("%w after %s", ErrLockTimeout, timeout)
		case <-wait.C:
		}

		if try() {
			return nil
		}

		backoff = min(backoff*2, 25*time.Millisecond)
	}
}

// IndexReader is the read capability handed out by [PositionIndex.RLock].
//
// It is valid until Release. Using it afterwards panics.
type IndexReader struct {
	x        *PositionIndex
	unlock   func()
	released atomic.Bool
}

// Release unlocks the index. It is idempotent.
func (r *IndexReader) Release() {
	if r.released.CompareAndSwap(false, true) {
		r.unlock()
	}
}

func (r *IndexReader) live() positions {
	if r.released.Load() {
		panic("slotstore: index capability used after Release")
	}

	return r.x.entries
}

// Get returns a copy of the positions stored under key.
func (r *IndexReader) Get(key string) []Position {
	return r.live().get(key)
}

// GetMany returns the positions of every key, concatenated.
func (r *IndexReader) GetMany(keys []string) []Position {
	return r.live().getMany(keys)
}

// Len returns the number of keys.
func (r *IndexReader) Len() int {
	return len(r.live())
}

// Range calls fn for every key until fn returns false. fn must not retain or
// modify the slice.
func (r *IndexReader) Range(fn func(key string, ps []Position) bool) {
	for k, ps := range r.live() {
		if !fn(k, ps) {
			return
		}
	}
}

// Snapshot returns a deep copy of the index contents.
func (r *IndexReader) Snapshot() map[string][]Position {
	return r.live().clone()
}

// IndexWriter is the write capability handed out by [PositionIndex.Lock].
// It embeds the read operations.
type IndexWriter struct {
	IndexReader
}

// Set appends pos under key unless an identical position is already there.
func (w *IndexWriter) Set(key string, pos Position) {
	w.live().set(key, pos)
}

// Replace substitutes newPos for every position equal to oldPos.
func (w *IndexWriter) Replace(oldPos, newPos Position) int {
	return w.live().replace(oldPos, newPos)
}

// Remove deletes the positions under key that point at offset.
func (w *IndexWriter) Remove(key string, offset int64) bool {
	return w.live().remove(key, offset)
}

// Clear drops every key.
func (w *IndexWriter) Clear() {
	clear(w.live())
}

// Restore replaces the index contents with a deep copy of snap.
func (w *IndexWriter) Restore(snap map[string][]Position) {
	w.live()
	w.x.entries = positions(snap).clone()
}

// Recalculate rescales every live offset from oldSize to newSize slots.
func (w *IndexWriter) Recalculate(oldSize, newSize int64) error {
	return w.live().recalculate(oldSize, newSize)
}

// positions is the unlocked index representation.
type positions map[string][]Position

func (p positions) get(key string) []Position {
	return slices.Clone(p[key])
}

func (p positions) getMany(keys []string) []Position {
	var out []Position

	for _, k := range keys {
		out = append(out, p[k]...)
	}

	return out
}

func (p positions) set(key string, pos Position) {
	if slices.Contains(p[key], pos) {
		return
	}

	p[key] = append(p[key], pos)
}

func (p positions) replace(oldPos, newPos Position) int {
	n := 0

	for k, ps := range p {
		changed := false

		for i := range ps {
			if ps[i].Offset == oldPos.Offset && ps[i].Deleted == oldPos.Deleted {
				ps[i] = newPos
				changed = true
				n++
			}
		}

		if changed {
			p[k] = dedupe(ps)
		}
	}

	return n
}

// dedupe drops repeated positions, keeping first occurrences.
func dedupe(ps []Position) []Position {
	out := make([]Position, 0, len(ps))

	for _, pos := range ps {
		if !slices.Contains(out, pos) {
			out = append(out, pos)
		}
	}

	return out
}

func (p positions) remove(key string, offset int64) bool {
	ps, ok := p[key]
	if !ok {
		return false
	}

	kept := slices.DeleteFunc(ps, func(pos Position) bool {
		return pos.Offset == offset
	})

	if len(kept) == 0 {
		delete(p, key)
	} else {
		p[key] = kept
	}

	return len(kept) != len(ps)
}

func (p positions) clone() positions {
	out := make(positions, len(p))

	for k, ps := range p {
		out[k] = slices.Clone(ps)
	}

	return out
}

func (p positions) recalculate(oldSize, newSize int64) error {
	if oldSize <= 0 || newSize <= 0 {
		return fmt.Errorf("%w: recalculate %d -> %d", ErrInvalidInput, oldSize, newSize)
	}

	if err := p.aligned(oldSize); err != nil {
		return err
	}

	for _, ps := range p {
		for i := range ps {
			if ps[i].Live() {
				ps[i].Offset = ps[i].Offset / oldSize * newSize
			}
		}
	}

	return nil
}

// aligned checks that every live offset starts a slot of width size.
func (p positions) aligned(size int64) error {
	for k, ps := range p {
		for _, pos := range ps {
			if pos.Live() && pos.Offset%size != 0 {
				return fmt.Errorf("%w: key %q offset %d is not a multiple of slot size %d", ErrCorrupt, k, pos.Offset, size)
			}
		}
	}

	return nil
}
