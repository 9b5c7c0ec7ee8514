package fs

import "os"

// OS is the [FS] backed by the operating system. It adds nothing on top of
// the [os] calls it forwards to, so error values match os exactly.
type OS struct{}

// NewOS returns the operating system filesystem.
func NewOS() *OS {
	return &OS{}
}

func (*OS) Open(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	return f, nil
}

func (*OS) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return f, nil
}

func (*OS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }

func (*OS) Stat(path string) (os.FileInfo, error) { return os.Stat(path) }

func (*OS) Remove(path string) error { return os.Remove(path) }

func (*OS) Rename(oldpath, newpath string) error { return os.Rename(oldpath, newpath) }

var _ FS = (*OS)(nil)
