package cli

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calvinalkan/slotdb/internal/config"
)

// Harness runs slotdb in-process against a private working directory.
// Env starts empty so the user's global config and key never leak in.
type Harness struct {
	t   *testing.T
	Dir string
	Env map[string]string
}

// NewHarness returns a Harness rooted in a fresh temp dir.
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	return &Harness{t: t, Dir: t.TempDir(), Env: map[string]string{}}
}

func (h *Harness) exec(stdin io.Reader, args []string) (stdout, stderr string, code int) {
	var out, errOut bytes.Buffer

	argv := make([]string, 0, len(args)+3)
	argv = append(argv, "slotdb", "-C", h.Dir)
	argv = append(argv, args...)

	code = Run(stdin, &out, &errOut, argv, h.Env, nil)

	return out.String(), errOut.String(), code
}

// Run runs one command with no stdin.
func (h *Harness) Run(args ...string) (stdout, stderr string, code int) {
	return h.exec(nil, args)
}

// RunWithInput runs one command reading stdin from input.
func (h *Harness) RunWithInput(input string, args ...string) (stdout, stderr string, code int) {
	return h.exec(strings.NewReader(input), args)
}

// MustRun fails the test on a non-zero exit and returns trimmed stdout.
func (h *Harness) MustRun(args ...string) string {
	h.t.Helper()

	stdout, stderr, code := h.exec(nil, args)
	if code != 0 {
		h.t.Fatalf("slotdb %s: exit %d\nstderr:\n%s", strings.Join(args, " "), code, stderr)
	}

	return strings.TrimSpace(stdout)
}

// MustFail fails the test unless the command exits non-zero with nothing on
// stdout, and returns trimmed stderr.
func (h *Harness) MustFail(args ...string) string {
	h.t.Helper()

	stdout, stderr, code := h.exec(nil, args)

	switch {
	case code == 0:
		h.t.Fatalf("slotdb %s: succeeded, want failure\nstdout:\n%s", strings.Join(args, " "), stdout)
	case stdout != "":
		h.t.Fatalf("slotdb %s: failed but wrote stdout:\n%s", strings.Join(args, " "), stdout)
	}

	return strings.TrimSpace(stderr)
}

// DataPath is the data file used when no config overrides path.
func (h *Harness) DataPath() string {
	return filepath.Join(h.Dir, config.DefaultConfig().Path)
}

// ReadData returns the data file bytes as a string.
func (h *Harness) ReadData() string {
	h.t.Helper()

	data, err := os.ReadFile(h.DataPath())
	if err != nil {
		h.t.Fatalf("read data file: %v", err)
	}

	return string(data)
}

// WriteFile creates name under Dir.
func (h *Harness) WriteFile(name, content string) {
	h.t.Helper()

	if err := os.WriteFile(filepath.Join(h.Dir, name), []byte(content), 0o600); err != nil {
		h.t.Fatalf("write %s: %v", name, err)
	}
}

// AssertContains reports an error when substr is missing from content.
func AssertContains(t *testing.T, content, substr string) {
	t.Helper()

	if !strings.Contains(content, substr) {
		t.Errorf("missing %q in:\n%s", substr, content)
	}
}

// AssertNotContains reports an error when substr occurs in content.
func AssertNotContains(t *testing.T, content, substr string) {
	t.Helper()

	if strings.Contains(content, substr) {
		t.Errorf("unexpected %q in:\n%s", substr, content)
	}
}
