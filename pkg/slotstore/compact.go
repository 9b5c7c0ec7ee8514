package slotstore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
)

// compact rewrites the file keeping only decodable lines, narrows slots when
// the shrink rule allows it, and rebuilds the index from the new offsets.
func (s *Store[T]) compact(ctx context.Context, w *IndexWriter) error {
	if err := s.flushMigrations(ctx, w); err != nil {
		return err
	}

	e := s.entry
	st := &e.state

	type keptLine struct {
		offset int64
		keys   []string
	}

	partitions := make(map[int64]string)

	for _, p := range liveCanonical(&w.IndexReader) {
		partitions[p.Offset] = p.Partition
	}

	var (
		kept    []keptLine
		maxLine int64
		dropped int
	)

	err := s.eachSlot(ctx, func(offset int64, lineNo int, payload []byte) error {
		if len(payload) == 0 {
			dropped++

			return nil
		}

		rec, _, err := s.lines.decode(payload)
		if err != nil {
			if !s.opts.SkipInvalidLines {
				return recordErr(err, "", lineNo)
			}

			s.log.LogSkippedLine(ctx, lineNo, err)
			dropped++

			return nil
		}

		fields, err := fieldsOf(s.opts.Codec, rec)
		if err != nil {
			return recordErr(fmt.Errorf("%w: %w", ErrParse, err), rec.RecordID(), lineNo)
		}

		kept = append(kept, keptLine{offset: offset, keys: s.keysFor(fields, rec.RecordID())})
		maxLine = max(maxLine, int64(len(payload))+1)

		return nil
	})
	if err != nil {
		return err
	}

	oldSize := st.slotSize
	newSize := shrinkSize(oldSize, maxLine, s.opts.MaxSlotSize)

	err = s.atomic.Replace(e.path, s.writeOptions(), func(dst io.Writer) error {
		buf := make([]byte, newSize)

		for _, k := range kept {
			payload, err := s.readSlot(k.offset)
			if err != nil {
				return err
			}

			fillLine(buf, payload)

			if _, err := dst.Write(buf); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}

	if err := s.reopen(); err != nil {
		return err
	}

	w.Clear()

	for i, k := range kept {
		partition, ok := partitions[k.offset]
		if !ok {
			partition = s.opts.Partition
		}

		pos := Position{Offset: int64(i) * newSize, Partition: partition}
		for _, key := range k.keys {
			w.Set(key, pos)
		}
	}

	st.slotSize = newSize
	st.size = int64(len(kept)) * newSize
	e.width.Store(newSize)
	st.hasDeleted = false

	s.log.LogCompaction(ctx, len(kept), dropped, oldSize, newSize)

	return nil
}

// realloc rewrites every slot at newSize and rescales the index. Blank
// slots stay blank. A line wider than newSize aborts with
// [ErrRecordTooLarge] and leaves the file untouched.
func (s *Store[T]) realloc(ctx context.Context, w *IndexWriter, newSize int64) error {
	e := s.entry
	st := &e.state
	oldSize := st.slotSize

	if newSize == oldSize {
		return nil
	}

	if err := w.live().aligned(oldSize); err != nil {
		return err
	}

	err := s.atomic.Replace(e.path, s.writeOptions(), func(dst io.Writer) error {
		buf := make([]byte, newSize)

		return s.eachSlot(ctx, func(_ int64, lineNo int, payload []byte) error {
			if int64(len(payload))+1 > newSize {
				return recordErr(fmt.Errorf("%w: line needs %d bytes, new slot size %d", ErrRecordTooLarge, len(payload)+1, newSize), "", lineNo)
			}

			fillLine(buf, payload)
			_, err := dst.Write(buf)

			return err
		})
	})
	if err != nil {
		return fmt.Errorf("reallocate: %w", err)
	}

	if err := s.reopen(); err != nil {
		return err
	}

	if err := w.Recalculate(oldSize, newSize); err != nil {
		return err
	}

	slots := st.slots()
	st.slotSize = newSize
	st.size = int64(slots) * newSize
	e.width.Store(newSize)

	s.log.LogRealloc(ctx, slots, oldSize, newSize)

	return nil
}

// eachSlot streams the slots of the file in order.
func (s *Store[T]) eachSlot(ctx context.Context, fn func(offset int64, lineNo int, payload []byte) error) error {
	st := s.entry.state
	br := bufio.NewReaderSize(io.NewSectionReader(s.entry.file, 0, st.size), 64<<10)
	buf := make([]byte, st.slotSize)

	for i := range st.slots() {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := io.ReadFull(br, buf); err != nil {
			return fmt.Errorf("read slot %d: %w", i+1, err)
		}

		if err := fn(int64(i)*st.slotSize, i+1, payloadOf(buf)); err != nil {
			return err
		}
	}

	return nil
}

// flushMigrations rewrites the records flagged as stale by the last scan in
// the configured encoding.
func (s *Store[T]) flushMigrations(ctx context.Context, w *IndexWriter) error {
	st := &s.entry.state
	if len(st.migrate) == 0 {
		return nil
	}

	ids := slices.Sorted(maps.Keys(st.migrate))

	var recs []T

	for _, id := range ids {
		pos, ok := liveFor(&w.IndexReader, id)
		if !ok {
			delete(st.migrate, id)

			continue
		}

		payload, err := s.readSlot(pos.Offset)
		if err != nil {
			return err
		}

		rec, _, err := s.lines.decode(payload)
		if err != nil {
			return recordErr(err, id, s.lineNo(pos.Offset))
		}

		recs = append(recs, rec)
	}

	for _, rec := range recs {
		if err := s.writeOne(ctx, w, rec); err != nil {
			return err
		}
	}

	clear(st.migrate)
	s.log.LogMigration(ctx, len(recs))

	return nil
}
