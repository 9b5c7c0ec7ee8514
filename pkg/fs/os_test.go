package fs_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/slotdb/pkg/fs"
)

func Test_OS_Open_Returns_Untyped_Nil_File_When_Path_Missing(t *testing.T) {
	t.Parallel()

	f, err := fs.NewOS().Open(filepath.Join(t.TempDir(), "missing.db"))

	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err=%v, want os.ErrNotExist", err)
	}

	if f != nil {
		t.Fatalf("file=%#v, want nil interface", f)
	}
}

func Test_OS_OpenFile_Supports_Positional_Slot_IO(t *testing.T) {
	t.Parallel()

	fsys := fs.NewOS()
	path := filepath.Join(t.TempDir(), "nested", "data.db")

	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	defer func() { _ = f.Close() }()

	// Two 8-byte slots, second written first.
	if _, err := f.WriteAt([]byte("bbbbbbb\n"), 8); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if _, err := f.WriteAt([]byte("aaaaaaa\n"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	buf := make([]byte, 8)
	if _, err := f.ReadAt(buf, 8); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	if !bytes.Equal(buf, []byte("bbbbbbb\n")) {
		t.Fatalf("slot 1=%q", buf)
	}

	info, err := fsys.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	if got, want := info.Size(), int64(16); got != want {
		t.Fatalf("size=%d, want=%d", got, want)
	}
}

func Test_OS_Rename_Replaces_Target_And_Remove_Deletes_It(t *testing.T) {
	t.Parallel()

	fsys := fs.NewOS()
	dir := t.TempDir()
	src := filepath.Join(dir, "data.db.bak")
	dst := filepath.Join(dir, "data.db")

	if err := os.WriteFile(src, []byte("backup"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := os.WriteFile(dst, []byte("broken"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := fsys.Rename(src, dst); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != "backup" {
		t.Fatalf("content=%q, want %q", got, "backup")
	}

	if _, err := fsys.Stat(src); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Stat(src) err=%v, want os.ErrNotExist", err)
	}

	if err := fsys.Remove(dst); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, err := fsys.Stat(dst); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Stat(dst) err=%v, want os.ErrNotExist", err)
	}
}
