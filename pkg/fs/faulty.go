package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrInjected is the default error returned by [Faulty] when a [Fault] has no
// explicit Err.
var ErrInjected = errors.New("injected fault")

// Fault describes a failure [Faulty] injects for paths matching a rule.
type Fault struct {
	// FailOpen makes Open and OpenFile fail.
	FailOpen bool

	// FailWrite makes every write to an opened file fail.
	FailWrite bool

	// FailAfterBytes fails writes once this many bytes have been written to a
	// single opened file. Zero disables the limit.
	FailAfterBytes int64

	// FailSync makes File.Sync fail.
	FailSync bool

	// FailRename makes Rename fail when either path matches.
	FailRename bool

	// FailRemove makes Remove fail.
	FailRemove bool

	// Err is returned by the injected failure. Defaults to [ErrInjected].
	Err error
}

func (f Fault) err() error {
	if f.Err != nil {
		return f.Err
	}

	return ErrInjected
}

// Faulty wraps an [FS] and injects failures for paths that contain a rule's
// pattern. Rules can be added and cleared while the FS is in use, which lets a
// test break only a specific step (for example, the restore rename of a
// rollback).
//
// Faulty is safe for concurrent use.
type Faulty struct {
	fs FS

	mu    sync.Mutex
	rules map[string]Fault
}

// NewFaulty wraps fsys. A nil fsys wraps [OS].
func NewFaulty(fsys FS) *Faulty {
	if fsys == nil {
		fsys = NewOS()
	}

	return &Faulty{
		fs:    fsys,
		rules: make(map[string]Fault),
	}
}

// AddRule injects fault for every path containing pattern. A later rule for the
// same pattern replaces the earlier one.
func (f *Faulty) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rules[pattern] = fault
}

// ClearRules removes all rules.
func (f *Faulty) ClearRules() {
	f.mu.Lock()
	defer f.mu.Unlock()

	clear(f.rules)
}

// match merges every rule whose pattern occurs in path.
func (f *Faulty) match(paths ...string) (Fault, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var merged Fault
	found := false

	for pattern, rule := range f.rules {
		for _, p := range paths {
			if !strings.Contains(p, pattern) {
				continue
			}

			found = true
			merged.FailOpen = merged.FailOpen || rule.FailOpen
			merged.FailWrite = merged.FailWrite || rule.FailWrite
			merged.FailSync = merged.FailSync || rule.FailSync
			merged.FailRename = merged.FailRename || rule.FailRename
			merged.FailRemove = merged.FailRemove || rule.FailRemove

			if rule.FailAfterBytes > 0 && (merged.FailAfterBytes == 0 || rule.FailAfterBytes < merged.FailAfterBytes) {
				merged.FailAfterBytes = rule.FailAfterBytes
			}

			if rule.Err != nil {
				merged.Err = rule.Err
			}
		}
	}

	return merged, found
}

func (f *Faulty) wrap(path string, file File, err error) (File, error) {
	if err != nil {
		return nil, err
	}

	fault, ok := f.match(path)
	if !ok {
		return file, nil
	}

	return &faultyFile{File: file, fault: fault}, nil
}

func (f *Faulty) Open(path string) (File, error) {
	if fault, ok := f.match(path); ok && fault.FailOpen {
		return nil, &os.PathError{Op: "open", Path: path, Err: fault.err()}
	}

	file, err := f.fs.Open(path)

	return f.wrap(path, file, err)
}

func (f *Faulty) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if fault, ok := f.match(path); ok && fault.FailOpen {
		return nil, &os.PathError{Op: "open", Path: path, Err: fault.err()}
	}

	file, err := f.fs.OpenFile(path, flag, perm)

	return f.wrap(path, file, err)
}

func (f *Faulty) MkdirAll(path string, perm os.FileMode) error {
	return f.fs.MkdirAll(path, perm)
}

func (f *Faulty) Stat(path string) (os.FileInfo, error) {
	return f.fs.Stat(path)
}

func (f *Faulty) Remove(path string) error {
	if fault, ok := f.match(path); ok && fault.FailRemove {
		return &os.PathError{Op: "remove", Path: path, Err: fault.err()}
	}

	return f.fs.Remove(path)
}

func (f *Faulty) Rename(oldpath, newpath string) error {
	if fault, ok := f.match(oldpath, newpath); ok && fault.FailRename {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: fault.err()}
	}

	return f.fs.Rename(oldpath, newpath)
}

var _ FS = (*Faulty)(nil)

type faultyFile struct {
	File

	fault Fault

	mu      sync.Mutex
	written int64
}

func (ff *faultyFile) allow(n int) error {
	if ff.fault.FailWrite {
		return ff.fault.err()
	}

	if ff.fault.FailAfterBytes == 0 {
		return nil
	}

	ff.mu.Lock()
	defer ff.mu.Unlock()

	if ff.written+int64(n) > ff.fault.FailAfterBytes {
		return ff.fault.err()
	}

	ff.written += int64(n)

	return nil
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	if err := ff.allow(len(p)); err != nil {
		return 0, err
	}

	return ff.File.Write(p)
}

func (ff *faultyFile) WriteAt(p []byte, off int64) (int, error) {
	if err := ff.allow(len(p)); err != nil {
		return 0, err
	}

	return ff.File.WriteAt(p, off)
}

func (ff *faultyFile) Sync() error {
	if ff.fault.FailSync {
		return ff.fault.err()
	}

	return ff.File.Sync()
}
