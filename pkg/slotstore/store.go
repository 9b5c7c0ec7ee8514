package slotstore

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/slotdb/pkg/fs"
)

// readParallelism bounds concurrent slot reads of one call.
const readParallelism = 8

// Store is a handle on one slotted data file.
//
// Handles are cheap. Every handle on the same path (through the same
// [Registry]) shares the index, slot width and file, so a write through one
// handle is visible through all of them. A Store is safe for concurrent use.
type Store[T Record] struct {
	opts   Options[T]
	entry  *fileEntry
	lines  *lineCodec[T]
	log    *Logger
	atomic *fs.AtomicWriter
	locker *fs.Locker
	closed atomic.Bool
}

// Stats summarizes a data file.
type Stats struct {
	// Live is the number of records.
	Live int

	// Slots is the number of slots in the file, live or not.
	Slots int

	// Dead is the number of slots holding no record (tombstones, gaps,
	// skipped lines).
	Dead int

	// SlotSize is the slot width in bytes, newline included.
	SlotSize int64

	// FileSize is the data file length in bytes.
	FileSize int64

	// HasDeleted reports that a compaction would reclaim space.
	HasDeleted bool

	// PendingMigration is the number of records waiting to be rewritten in
	// the configured encoding.
	PendingMigration int
}

// Open returns a handle on the data file at path.
//
// Open does not touch the file. Call [Store.Initialize] before anything
// else; other operations fail with [ErrUninitialized] until some handle on
// the path has initialized it.
//
// Possible errors:
//   - [ErrInvalidInput]: empty path or inconsistent options
func Open[T Record](path string, opts Options[T]) (*Store[T], error) {
	opts = opts.withDefaults()

	if err := opts.validate(); err != nil {
		return nil, withContext(err, "open", path)
	}

	abs, err := canonicalPath(path)
	if err != nil {
		return nil, withContext(err, "open", path)
	}

	e := opts.Registry.acquire(abs, opts.FS)

	s := &Store[T]{
		opts:   opts,
		entry:  e,
		lines:  opts.lineCodec(),
		log:    opts.Logger.WithPath(abs),
		atomic: fs.NewAtomicWriter(e.fsys),
	}

	if opts.ProcessLock {
		s.locker = fs.NewLocker(e.fsys)
	}

	return s, nil
}

// Path returns the absolute path of the data file.
func (s *Store[T]) Path() string {
	return s.entry.path
}

// Index returns the shared position index of the file.
func (s *Store[T]) Index() *PositionIndex {
	return s.entry.index
}

// Close releases the handle. The last handle on a path closes the file once
// it gets the file lock; [ErrLockTimeout] leaves the handle open, so Close
// may be retried. Close is idempotent.
func (s *Store[T]) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	err := s.opts.Registry.release(s.entry, s.opts.LockTimeout)
	if errors.Is(err, ErrLockTimeout) {
		s.closed.Store(false)
	}

	return withContext(err, "close", s.entry.path)
}

// Read returns every record for which pred returns true, in file order.
// A nil pred selects everything.
func (s *Store[T]) Read(ctx context.Context, pred func(T) bool) ([]T, error) {
	r, err := s.rlock(ctx)
	if err != nil {
		return nil, withContext(err, "read", s.entry.path)
	}
	defer r.Release()

	recs, err := s.read(ctx, r, pred)

	return recs, withContext(err, "read", s.entry.path)
}

// ReadByIndex returns the records matching filter (see [Match]).
//
// Index keys derived from filter narrow the candidates: a filter with an id
// reads at most that record, a filter covered by [Options.KeyFunc] reads
// only the slots under its keys. Anything else, and any key lookup that
// finds nothing, falls back to a full scan.
func (s *Store[T]) ReadByIndex(ctx context.Context, filter Fields) ([]T, error) {
	r, err := s.rlock(ctx)
	if err != nil {
		return nil, withContext(err, "read", s.entry.path)
	}
	defer r.Release()

	hits, err := s.resolve(ctx, r, filter)
	if err != nil {
		return nil, withContext(err, "read", s.entry.path)
	}

	return records(hits), nil
}

// Get returns the record with the given id.
func (s *Store[T]) Get(ctx context.Context, id string) (T, bool, error) {
	r, err := s.rlock(ctx)
	if err != nil {
		var zero T

		return zero, false, withContext(err, "get", s.entry.path)
	}
	defer r.Release()

	rec, ok, err := s.get(ctx, r, id)

	return rec, ok, withContext(err, "get", s.entry.path)
}

// Write inserts or replaces records by id.
//
// A record whose id is live is rewritten in place; a new id is appended.
// Records that outgrow the slot widen every slot first (see
// [Options.MaxSlotSize]).
func (s *Store[T]) Write(ctx context.Context, recs ...T) error {
	w, release, err := s.lock(ctx)
	if err != nil {
		return withContext(err, "write", s.entry.path)
	}
	defer release()

	return withContext(s.write(ctx, w, recs), "write", s.entry.path)
}

// Delete tombstones every record matching any filter and returns how many
// were deleted. Matching nothing is not an error.
func (s *Store[T]) Delete(ctx context.Context, filters ...Fields) (int, error) {
	w, release, err := s.lock(ctx)
	if err != nil {
		return 0, withContext(err, "delete", s.entry.path)
	}
	defer release()

	n, err := s.delete(ctx, w, filters)

	return n, withContext(err, "delete", s.entry.path)
}

// Update merges patch over every record matching filter, writes the results
// and returns them. A patch id that differs from a matched record's id fails
// with [ErrInvalidInput] before anything is written.
func (s *Store[T]) Update(ctx context.Context, filter, patch Fields) ([]T, error) {
	w, release, err := s.lock(ctx)
	if err != nil {
		return nil, withContext(err, "update", s.entry.path)
	}
	defer release()

	recs, err := s.update(ctx, w, filter, patch)

	return recs, withContext(err, "update", s.entry.path)
}

// Compact rewrites the file without dead slots, narrowing slots when the
// widest record allows it.
func (s *Store[T]) Compact(ctx context.Context) error {
	w, release, err := s.lock(ctx)
	if err != nil {
		return withContext(err, "compact", s.entry.path)
	}
	defer release()

	if err := s.ready(); err != nil {
		return withContext(err, "compact", s.entry.path)
	}

	return withContext(s.compact(ctx, w), "compact", s.entry.path)
}

// SlotSize returns the current slot width, or 0 before initialization.
// It does not wait for the file lock, so it is safe inside a transaction
// body, where it reports the transaction's current width.
func (s *Store[T]) SlotSize() int64 {
	return s.entry.width.Load()
}

// Stats reports slot usage.
func (s *Store[T]) Stats(ctx context.Context) (Stats, error) {
	r, err := s.rlock(ctx)
	if err != nil {
		return Stats{}, withContext(err, "stats", s.entry.path)
	}
	defer r.Release()

	if err := s.ready(); err != nil {
		return Stats{}, withContext(err, "stats", s.entry.path)
	}

	st := s.entry.state
	live := len(liveCanonical(r))

	return Stats{
		Live:             live,
		Slots:            st.slots(),
		Dead:             st.slots() - live,
		SlotSize:         st.slotSize,
		FileSize:         st.size,
		HasDeleted:       st.hasDeleted,
		PendingMigration: len(st.migrate),
	}, nil
}

func (s *Store[T]) rlock(ctx context.Context) (*IndexReader, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	return s.entry.index.RLock(ctx, s.opts.LockTimeout)
}

// lock takes the file write lock, plus the process lock when configured.
func (s *Store[T]) lock(ctx context.Context) (*IndexWriter, func(), error) {
	if s.closed.Load() {
		return nil, nil, ErrClosed
	}

	w, err := s.entry.index.Lock(ctx, s.opts.LockTimeout)
	if err != nil {
		return nil, nil, err
	}

	if s.locker == nil {
		return w, w.Release, nil
	}

	plk, err := s.locker.Acquire(ctx, s.entry.path, s.opts.LockTimeout)
	if err != nil {
		w.Release()

		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}

		if errors.Is(err, fs.ErrWouldBlock) {
			return nil, nil, fmt.Errorf("%w: process lock: %w", ErrLockTimeout, err)
		}

		return nil, nil, fmt.Errorf("process lock: %w", err)
	}

	return w, func() {
		_ = plk.Close()
		w.Release()
	}, nil
}

// ready checks that the file is initialized. Callers hold the index lock.
func (s *Store[T]) ready() error {
	if !s.entry.state.initialized || s.entry.file == nil {
		return ErrUninitialized
	}

	return nil
}

// loaded is a record read from a slot.
type loaded[T Record] struct {
	pos Position
	rec T
	ok  bool
}

func records[T Record](ls []loaded[T]) []T {
	out := make([]T, 0, len(ls))

	for _, l := range ls {
		if l.ok {
			out = append(out, l.rec)
		}
	}

	return out
}

func (s *Store[T]) read(ctx context.Context, r *IndexReader, pred func(T) bool) ([]T, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	ls, err := s.load(ctx, liveCanonical(r))
	if err != nil {
		return nil, err
	}

	out := make([]T, 0, len(ls))

	for _, l := range ls {
		if l.ok && (pred == nil || pred(l.rec)) {
			out = append(out, l.rec)
		}
	}

	return out, nil
}

func (s *Store[T]) get(ctx context.Context, r *IndexReader, id string) (T, bool, error) {
	var zero T

	if err := s.ready(); err != nil {
		return zero, false, err
	}

	pos, ok := liveFor(r, id)
	if !ok {
		return zero, false, nil
	}

	ls, err := s.load(ctx, []Position{pos})
	if err != nil {
		return zero, false, err
	}

	return ls[0].rec, ls[0].ok, nil
}

// resolve returns the live records matching filter, in file order.
func (s *Store[T]) resolve(ctx context.Context, r *IndexReader, filter Fields) ([]loaded[T], error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	nf, err := normalize(s.opts.Codec, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: filter: %w", ErrInvalidInput, err)
	}

	var cands []Position

	if id, ok := idString(filter["id"]); ok {
		// Every record is indexed under its id, so a miss is final. A hit
		// already matched the id, whatever its JSON type.
		if pos, ok := liveFor(r, id); ok {
			cands = []Position{pos}
		}

		nf = maps.Clone(nf)
		delete(nf, "id")
	} else {
		if keys := s.filterKeys(nf); len(keys) > 0 {
			cands = liveUnique(r.GetMany(keys))
		}

		if len(cands) == 0 {
			cands = liveCanonical(r)
		}
	}

	ls, err := s.load(ctx, cands)
	if err != nil {
		return nil, err
	}

	out := ls[:0]

	for _, l := range ls {
		if !l.ok {
			continue
		}

		fields, err := fieldsOf(s.opts.Codec, l.rec)
		if err != nil {
			return nil, recordErr(fmt.Errorf("%w: %w", ErrParse, err), l.rec.RecordID(), 0)
		}

		if Match(nf, fields) {
			out = append(out, l)
		}
	}

	return out, nil
}

// load reads and decodes the slots at ps, in parallel, keeping order.
// Undecodable slots fail the call unless SkipInvalidLines is set, in which
// case they come back with ok=false.
func (s *Store[T]) load(ctx context.Context, ps []Position) ([]loaded[T], error) {
	out := make([]loaded[T], len(ps))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(readParallelism)

	for i, pos := range ps {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			payload, err := s.readSlot(pos.Offset)
			if err != nil {
				return err
			}

			rec, _, err := s.lines.decode(payload)
			if err != nil {
				if s.opts.SkipInvalidLines {
					s.log.LogSkippedLine(ctx, s.lineNo(pos.Offset), err)

					return nil
				}

				return recordErr(err, "", s.lineNo(pos.Offset))
			}

			out[i] = loaded[T]{pos: pos, rec: rec, ok: true}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

func (s *Store[T]) lineNo(offset int64) int {
	if s.entry.state.slotSize <= 0 {
		return 0
	}

	return int(offset/s.entry.state.slotSize) + 1
}

func (s *Store[T]) readSlot(offset int64) ([]byte, error) {
	buf := make([]byte, s.entry.state.slotSize)

	n, err := s.entry.file.ReadAt(buf, offset)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
		return nil, fmt.Errorf("read slot at %d: %w", offset, err)
	}

	return payloadOf(buf), nil
}

func (s *Store[T]) writeSlot(offset int64, payload []byte) error {
	size := s.entry.state.slotSize
	if int64(len(payload)) > size-1 {
		return fmt.Errorf("%w: need %d bytes, slot size %d", ErrRecordTooLarge, len(payload)+1, size)
	}

	if _, err := s.entry.file.WriteAt(padLine(payload, size), offset); err != nil {
		return fmt.Errorf("write slot at %d: %w", offset, err)
	}

	return nil
}

// padLine returns payload padded with spaces to size-1 bytes plus a newline.
func padLine(payload []byte, size int64) []byte {
	buf := make([]byte, size)
	fillLine(buf, payload)

	return buf
}

func fillLine(buf, payload []byte) {
	n := copy(buf, payload)
	for i := n; i < len(buf)-1; i++ {
		buf[i] = ' '
	}

	buf[len(buf)-1] = '\n'
}

// payloadOf strips padding and the newline from a line.
func payloadOf(line []byte) []byte {
	return bytes.TrimRight(line, " \n")
}

func (s *Store[T]) write(ctx context.Context, w *IndexWriter, recs []T) error {
	if err := s.ready(); err != nil {
		return err
	}

	if err := s.flushMigrations(ctx, w); err != nil {
		return err
	}

	for _, rec := range recs {
		if err := s.writeOne(ctx, w, rec); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store[T]) writeOne(ctx context.Context, w *IndexWriter, rec T) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	id := rec.RecordID()
	if id == "" {
		return fmt.Errorf("%w: record has no id", ErrInvalidInput)
	}

	payload, err := s.lines.encode(rec)
	if err != nil {
		return recordErr(err, id, 0)
	}

	fields, err := fieldsOf(s.opts.Codec, rec)
	if err != nil {
		return recordErr(fmt.Errorf("%w: %w", ErrParse, err), id, 0)
	}

	if err := s.ensureFits(ctx, w, int64(len(payload))+1); err != nil {
		return recordErr(err, id, 0)
	}

	keys := s.keysFor(fields, id)
	st := &s.entry.state

	if pos, ok := liveFor(&w.IndexReader, id); ok {
		stale := s.keysAt(pos.Offset, id)

		if err := s.writeSlot(pos.Offset, payload); err != nil {
			return recordErr(err, id, s.lineNo(pos.Offset))
		}

		for _, k := range stale {
			if !slices.Contains(keys, k) {
				w.Remove(k, pos.Offset)
			}
		}

		for _, k := range keys {
			w.Set(k, pos)
		}

		delete(st.migrate, id)

		return nil
	}

	pos := Position{Offset: st.size, Partition: s.opts.Partition}

	if err := s.writeSlot(pos.Offset, payload); err != nil {
		return recordErr(err, id, s.lineNo(pos.Offset))
	}

	st.size += st.slotSize

	for _, k := range keys {
		w.Set(k, pos)
	}

	return nil
}

// ensureFits widens every slot when a line of need bytes would use more
// than growThreshold of the current width.
func (s *Store[T]) ensureFits(ctx context.Context, w *IndexWriter, need int64) error {
	size := s.entry.state.slotSize
	if float64(need) <= growThreshold*float64(size) {
		return nil
	}

	grown, err := growSize(need, s.opts.MaxSlotSize)
	if err != nil {
		return err
	}

	if grown > size {
		return s.realloc(ctx, w, grown)
	}

	if need > size {
		return fmt.Errorf("%w: need %d bytes, max slot size %d", ErrRecordTooLarge, need, s.opts.MaxSlotSize)
	}

	return nil
}

// keysAt returns the index keys of the record currently stored at offset.
// Falls back to the canonical key when the slot does not decode.
func (s *Store[T]) keysAt(offset int64, id string) []string {
	canonical := []string{CanonicalPrefix + id}

	payload, err := s.readSlot(offset)
	if err != nil {
		return canonical
	}

	rec, _, err := s.lines.decode(payload)
	if err != nil {
		return canonical
	}

	fields, err := fieldsOf(s.opts.Codec, rec)
	if err != nil {
		return canonical
	}

	return s.keysFor(fields, id)
}

// keysFor returns the canonical key followed by the KeyFunc keys, without
// duplicates.
func (s *Store[T]) keysFor(fields Fields, id string) []string {
	keys := []string{CanonicalPrefix + id}

	for _, k := range s.opts.KeyFunc(fields) {
		// The canonical key comes from RecordID alone.
		if k == "" || strings.HasPrefix(k, CanonicalPrefix) || slices.Contains(keys, k) {
			continue
		}

		keys = append(keys, k)
	}

	return keys
}

// filterKeys returns the secondary keys derivable from a filter.
func (s *Store[T]) filterKeys(filter Fields) []string {
	var keys []string

	for _, k := range s.opts.KeyFunc(filter) {
		if k != "" && !strings.HasPrefix(k, CanonicalPrefix) && !slices.Contains(keys, k) {
			keys = append(keys, k)
		}
	}

	return keys
}

func (s *Store[T]) delete(ctx context.Context, w *IndexWriter, filters []Fields) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}

	if err := s.flushMigrations(ctx, w); err != nil {
		return 0, err
	}

	st := &s.entry.state
	n := 0

	for _, filter := range filters {
		hits, err := s.resolve(ctx, &w.IndexReader, filter)
		if err != nil {
			return n, err
		}

		for _, h := range hits {
			if err := ctx.Err(); err != nil {
				return n, err
			}

			id := h.rec.RecordID()

			if err := s.writeSlot(h.pos.Offset, nil); err != nil {
				return n, recordErr(err, id, s.lineNo(h.pos.Offset))
			}

			w.Replace(h.pos, tombstone(h.pos.Partition))
			st.hasDeleted = true
			delete(st.migrate, id)
			n++
		}
	}

	return n, nil
}

func (s *Store[T]) update(ctx context.Context, w *IndexWriter, filter, patch Fields) ([]T, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	np, err := normalize(s.opts.Codec, patch)
	if err != nil {
		return nil, fmt.Errorf("%w: patch: %w", ErrInvalidInput, err)
	}

	patchID, hasID := patch["id"]

	hits, err := s.resolve(ctx, &w.IndexReader, filter)
	if err != nil {
		return nil, err
	}

	out := make([]T, 0, len(hits))

	for _, h := range hits {
		id := h.rec.RecordID()

		if hasID {
			if pid, ok := idString(patchID); !ok || pid != id {
				return nil, recordErr(fmt.Errorf("%w: patch id %v does not match record id", ErrInvalidInput, patchID), id, 0)
			}
		}

		fields, err := fieldsOf(s.opts.Codec, h.rec)
		if err != nil {
			return nil, recordErr(fmt.Errorf("%w: %w", ErrParse, err), id, 0)
		}

		merged := merge(fields, np)
		if v, ok := fields["id"]; ok {
			merged["id"] = v
		}

		rec, err := recordFrom[T](s.opts.Codec, merged)
		if err != nil {
			return nil, recordErr(fmt.Errorf("%w: merged record: %w", ErrInvalidInput, err), id, 0)
		}

		out = append(out, rec)
	}

	if err := s.write(ctx, w, out); err != nil {
		return nil, err
	}

	return out, nil
}

// liveFor returns the live canonical position of id.
func liveFor(r *IndexReader, id string) (Position, bool) {
	for _, p := range r.Get(CanonicalPrefix + id) {
		if p.Live() {
			return p, true
		}
	}

	return Position{}, false
}

// liveCanonical returns the live canonical positions in file order, one per
// offset.
func liveCanonical(r *IndexReader) []Position {
	var out []Position

	r.Range(func(key string, ps []Position) bool {
		if !strings.HasPrefix(key, CanonicalPrefix) {
			return true
		}

		out = append(out, ps...)

		return true
	})

	return liveUnique(out)
}

// liveUnique keeps live positions, one per offset, in file order.
func liveUnique(ps []Position) []Position {
	out := make([]Position, 0, len(ps))
	seen := make(map[int64]struct{}, len(ps))

	for _, p := range ps {
		if !p.Live() {
			continue
		}

		if _, dup := seen[p.Offset]; dup {
			continue
		}

		seen[p.Offset] = struct{}{}
		out = append(out, p)
	}

	sortByOffset(out)

	return out
}

func sortByOffset(ps []Position) {
	slices.SortFunc(ps, func(a, b Position) int {
		return cmp.Compare(a.Offset, b.Offset)
	})
}
