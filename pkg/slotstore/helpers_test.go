package slotstore_test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/slotdb/pkg/slotstore"
)

// note is a typed record used next to the schema-less Doc.
type note struct {
	ID   string `json:"id"`
	User string `json:"user"`
	Body string `json:"body"`
}

func (n note) RecordID() string { return n.ID }

// account is a typed record with a numeric id.
type account struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func (a account) RecordID() string { return strconv.FormatInt(a.ID, 10) }

func dataPath(t *testing.T) string {
	t.Helper()

	return filepath.Join(t.TempDir(), "data.db")
}

// openStore opens and initializes a store with a private registry unless opts
// names one.
func openStore[T slotstore.Record](t *testing.T, path string, opts slotstore.Options[T]) *slotstore.Store[T] {
	t.Helper()

	if opts.Registry == nil {
		opts.Registry = slotstore.NewRegistry()
	}

	s, err := slotstore.Open(path, opts)
	require.NoError(t, err, "Open")

	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Initialize(context.Background(), false), "Initialize")

	return s
}

// openUninitialized opens a Doc store without initializing it.
func openUninitialized(t *testing.T, path string, opts slotstore.Options[slotstore.Doc]) *slotstore.Store[slotstore.Doc] {
	t.Helper()

	if opts.Registry == nil {
		opts.Registry = slotstore.NewRegistry()
	}

	s, err := slotstore.Open(path, opts)
	require.NoError(t, err, "Open")

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func doc(id string, kv ...any) slotstore.Doc {
	d := slotstore.Doc{"id": id}

	for i := 0; i+1 < len(kv); i += 2 {
		d[kv[i].(string)] = kv[i+1]
	}

	return d
}

func writeDocs(t *testing.T, s *slotstore.Store[slotstore.Doc], docs ...slotstore.Doc) {
	t.Helper()

	require.NoError(t, s.Write(context.Background(), docs...), "Write")
}

func ids(docs []slotstore.Doc) []string {
	out := make([]string, 0, len(docs))

	for _, d := range docs {
		out = append(out, d.RecordID())
	}

	return out
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	return data
}

// requireLayout checks that the file is a sequence of slots of width size,
// each padded with spaces and ending in a newline.
func requireLayout(t *testing.T, path string, size int64) {
	t.Helper()

	data := readFile(t, path)
	require.Zero(t, int64(len(data))%size, "file length %d is not a multiple of slot size %d", len(data), size)

	for i := int64(0); i < int64(len(data)); i += size {
		slot := string(data[i : i+size])
		require.True(t, strings.HasSuffix(slot, "\n"), "slot at %d does not end in newline", i)
		require.NotContains(t, slot[:len(slot)-1], "\n", "slot at %d contains a newline", i)
	}
}

// padded renders lines as a raw data file of the given slot width.
func padded(size int, lines ...string) string {
	var b strings.Builder

	for _, l := range lines {
		b.WriteString(l)
		b.WriteString(strings.Repeat(" ", size-1-len(l)))
		b.WriteString("\n")
	}

	return b.String()
}

func writeRaw(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func backups(t *testing.T, path string) []string {
	t.Helper()

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".*.bak-*"))
	require.NoError(t, err)

	return matches
}
