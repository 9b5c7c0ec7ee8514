package slotstore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/calvinalkan/slotdb/pkg/fs"
)

// Initialize prepares the data file and builds the index.
//
// It creates the file when missing and scans it when the index is empty or
// force is set. The scan:
//   - takes the slot width from the first line
//   - indexes every decodable line and rejects duplicate ids
//     ([ErrDuplicateID], naming both lines)
//   - treats blank lines as gaps, compacting them away afterwards unless
//     [Options.DisableAutoCompact] is set
//   - repairs mixed widths and a truncated last line by rewriting the file,
//     unless [Options.DisableRepair] is set ([ErrCorrupt])
//   - narrows slots when every line fits well within half a slot
//
// A line that fails to decode aborts the scan with [ErrParse] or [ErrCipher]
// and leaves the file uninitialized, unless [Options.SkipInvalidLines] is set.
func (s *Store[T]) Initialize(ctx context.Context, force bool) error {
	w, release, err := s.lock(ctx)
	if err != nil {
		return withContext(err, "initialize", s.entry.path)
	}
	defer release()

	return withContext(s.initialize(ctx, w, force), "initialize", s.entry.path)
}

func (s *Store[T]) initialize(ctx context.Context, w *IndexWriter, force bool) error {
	e := s.entry

	if e.state.initialized && e.file != nil && !force && w.Len() > 0 {
		return nil
	}

	if err := s.ensureFile(); err != nil {
		return err
	}

	return s.scan(ctx, w, true)
}

func (s *Store[T]) ensureFile() error {
	e := s.entry
	if e.file != nil {
		return nil
	}

	if err := e.fsys.MkdirAll(filepath.Dir(e.path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	f, err := e.fsys.OpenFile(e.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open data file: %w", err)
	}

	e.file = f

	return nil
}

// reopen replaces the shared handle after the file was swapped by rename.
func (s *Store[T]) reopen() error {
	e := s.entry

	var closeErr error
	if e.file != nil {
		closeErr = e.file.Close()
		e.file = nil
	}

	f, err := e.fsys.OpenFile(e.path, os.O_RDWR, 0)
	if err != nil {
		e.state.initialized = false

		return errors.Join(fmt.Errorf("reopen data file: %w", err), closeErr)
	}

	e.file = f

	return nil
}

// scanResult is what one pass over the file found.
type scanResult struct {
	built   positions
	migrate map[string]struct{}

	// width is the first line's length, 0 for an empty file.
	width int64

	// lines counts complete lines.
	lines   int
	records int
	gaps    int
	skipped int

	// maxLine is the widest non-blank line, newline included.
	maxLine int64

	mixed     bool
	truncated bool
}

func (s *Store[T]) scan(ctx context.Context, w *IndexWriter, allowRepair bool) error {
	start := time.Now()
	e := s.entry

	size, err := s.fileSize()
	if err != nil {
		return err
	}

	res := scanResult{
		built:   make(positions),
		migrate: make(map[string]struct{}),
	}
	seen := make(map[string]int)

	br := bufio.NewReaderSize(io.NewSectionReader(e.file, 0, size), 64<<10)

	var offset int64

	for lineNo := 1; ; lineNo++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := br.ReadBytes('\n')
		if len(line) == 0 && errors.Is(err, io.EOF) {
			break
		}

		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read line %d: %w", lineNo, err)
		}

		if line[len(line)-1] != '\n' {
			res.truncated = true

			break
		}

		width := int64(len(line))
		res.lines++

		if res.width == 0 {
			res.width = width
		} else if width != res.width {
			res.mixed = true
		}

		payload := payloadOf(line)
		if len(payload) == 0 {
			res.gaps++
			offset += width

			continue
		}

		res.maxLine = max(res.maxLine, int64(len(payload))+1)

		rec, stale, err := s.lines.decode(payload)
		if err != nil {
			if !s.opts.SkipInvalidLines {
				return recordErr(err, "", lineNo)
			}

			s.log.LogSkippedLine(ctx, lineNo, err)
			res.skipped++
			offset += width

			continue
		}

		id := rec.RecordID()
		if first, dup := seen[id]; dup {
			return recordErr(fmt.Errorf("%w: lines %d and %d", ErrDuplicateID, first, lineNo), id, lineNo)
		}

		seen[id] = lineNo

		fields, err := fieldsOf(s.opts.Codec, rec)
		if err != nil {
			return recordErr(fmt.Errorf("%w: %w", ErrParse, err), id, lineNo)
		}

		pos := Position{Offset: offset, Partition: s.opts.Partition}
		for _, k := range s.keysFor(fields, id) {
			res.built.set(k, pos)
		}

		if stale {
			res.migrate[id] = struct{}{}
		}

		res.records++
		offset += width
	}

	if res.mixed || res.truncated {
		if s.opts.DisableRepair || !allowRepair {
			return fmt.Errorf("%w: mixed=%t truncated=%t", ErrCorrupt, res.mixed, res.truncated)
		}

		if err := s.repairLayout(ctx, res); err != nil {
			return err
		}

		return s.scan(ctx, w, false)
	}

	slotSize := res.width
	if slotSize == 0 {
		slotSize = s.opts.SlotSize
	}

	w.Restore(res.built)
	e.state = fileState{
		slotSize:    slotSize,
		size:        int64(res.lines) * res.width,
		hasDeleted:  res.gaps > 0 || res.skipped > 0,
		initialized: true,
		migrate:     res.migrate,
	}
	e.width.Store(slotSize)

	s.log.LogInitialize(ctx, res.records, res.gaps, res.skipped, slotSize, time.Since(start))

	if e.state.hasDeleted && !s.opts.DisableAutoCompact {
		return s.compact(ctx, w)
	}

	if res.records == 0 {
		return nil
	}

	if narrow := shrinkSize(slotSize, res.maxLine, s.opts.MaxSlotSize); narrow < slotSize {
		return s.realloc(ctx, w, narrow)
	}

	return nil
}

func (s *Store[T]) fileSize() (int64, error) {
	info, err := s.entry.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat data file: %w", err)
	}

	return info.Size(), nil
}

// repairLayout rewrites the file with one slot width: the first line's
// width, or wider if some line needs it. A truncated last line is kept when
// it decodes and dropped otherwise.
func (s *Store[T]) repairLayout(ctx context.Context, res scanResult) error {
	e := s.entry

	size, err := s.fileSize()
	if err != nil {
		return err
	}

	target := res.width
	if target == 0 {
		target = s.opts.SlotSize
	}

	if res.maxLine > target {
		target, err = growSize(res.maxLine, s.opts.MaxSlotSize)
		if err != nil {
			return err
		}
	}

	// The truncated tail is not part of maxLine yet.
	tail, err := s.truncatedTail(size, res.truncated)
	if err != nil {
		return err
	}

	if tail != nil && int64(len(tail))+1 > target {
		target, err = growSize(int64(len(tail))+1, s.opts.MaxSlotSize)
		if err != nil {
			return err
		}
	}

	reason := "mixed slot widths"
	if !res.mixed {
		reason = "truncated last line"
	}

	s.log.LogRepair(ctx, reason, res.width, target)

	err = s.atomic.Replace(e.path, s.writeOptions(), func(dst io.Writer) error {
		br := bufio.NewReaderSize(io.NewSectionReader(e.file, 0, size), 64<<10)
		buf := make([]byte, target)

		for {
			line, err := br.ReadBytes('\n')
			if len(line) == 0 && errors.Is(err, io.EOF) {
				return nil
			}

			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}

			if line[len(line)-1] != '\n' {
				break
			}

			fillLine(buf, payloadOf(line))

			if _, err := dst.Write(buf); err != nil {
				return err
			}
		}

		if tail == nil {
			return nil
		}

		fillLine(buf, tail)
		_, err := dst.Write(buf)

		return err
	})
	if err != nil {
		return fmt.Errorf("repair: %w", err)
	}

	return s.reopen()
}

// truncatedTail returns the payload of an unterminated last line when it
// decodes, nil otherwise.
func (s *Store[T]) truncatedTail(size int64, truncated bool) ([]byte, error) {
	if !truncated {
		return nil, nil
	}

	br := bufio.NewReaderSize(io.NewSectionReader(s.entry.file, 0, size), 64<<10)

	var last []byte

	for {
		line, err := br.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, err
			}

			last = line

			break
		}
	}

	payload := payloadOf(last)
	if len(payload) == 0 {
		return nil, nil
	}

	if _, _, err := s.lines.decode(payload); err != nil {
		return nil, nil
	}

	return payload, nil
}

func (s *Store[T]) writeOptions() fs.ReplaceOptions {
	var opts fs.ReplaceOptions

	if s.entry.file != nil {
		if info, err := s.entry.file.Stat(); err == nil {
			opts.Perm = info.Mode().Perm()
		}
	}

	return opts
}
