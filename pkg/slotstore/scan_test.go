package slotstore_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/slotdb/pkg/slotstore"
)

func Test_Initialize_Creates_Empty_File_With_Configured_Slot_Size(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := dataPath(t)
	s := openStore(t, path, slotstore.Options[slotstore.Doc]{SlotSize: 128})

	require.Empty(t, readFile(t, path))
	require.Equal(t, int64(128), s.SlotSize())

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, slotstore.Stats{SlotSize: 128}, st)
}

func Test_Initialize_Takes_Slot_Size_From_Existing_File(t *testing.T) {
	t.Parallel()

	path := dataPath(t)
	writeRaw(t, path, padded(32, `{"id":"1"}`, `{"id":"2"}`))

	s := openStore(t, path, slotstore.Options[slotstore.Doc]{})

	require.Equal(t, int64(32), s.SlotSize())
	require.Equal(t, []slotstore.Position{{Offset: 32}}, s.Index().Get("byId:2"))
}

func Test_Initialize_Narrows_Slots_When_Records_Are_Small(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := dataPath(t)
	writeRaw(t, path, padded(256, `{"id":"1","name":"ada"}`, `{"id":"2"}`))

	s := openStore(t, path, slotstore.Options[slotstore.Doc]{})

	require.Equal(t, int64(64), s.SlotSize())
	requireLayout(t, path, 64)

	got, err := s.Read(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, ids(got))
}

func Test_Initialize_Compacts_When_File_Has_Gaps(t *testing.T) {
	t.Parallel()

	path := dataPath(t)
	writeRaw(t, path, padded(32, `{"id":"1"}`, ``, `{"id":"3"}`))

	var logs bytes.Buffer

	s := openStore(t, path, slotstore.Options[slotstore.Doc]{
		Logger: slotstore.NewJSONLogger(&logs, -4),
	})

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, st.Slots)
	require.Zero(t, st.Dead)
	require.Equal(t, int64(32), st.SlotSize)
	require.Equal(t, []slotstore.Position{{Offset: 32}}, s.Index().Get("byId:3"))
	require.Equal(t, padded(32, `{"id":"1"}`, `{"id":"3"}`), string(readFile(t, path)))

	require.Contains(t, logs.String(), `"msg":"initialized"`)
	require.Contains(t, logs.String(), `"msg":"compacted"`)
	require.Contains(t, logs.String(), `"path":"`+path+`"`)
}

func Test_Initialize_Keeps_Gaps_When_AutoCompact_Disabled(t *testing.T) {
	t.Parallel()

	path := dataPath(t)
	content := padded(32, `{"id":"1"}`, ``, `{"id":"3"}`)
	writeRaw(t, path, content)

	s := openStore(t, path, slotstore.Options[slotstore.Doc]{DisableAutoCompact: true})

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, st.Slots)
	require.Equal(t, 1, st.Dead)
	require.True(t, st.HasDeleted)
	require.Equal(t, []slotstore.Position{{Offset: 64}}, s.Index().Get("byId:3"))
	require.Equal(t, content, string(readFile(t, path)))
}

func Test_Initialize_Returns_ErrParse_With_Line_When_Line_Invalid(t *testing.T) {
	t.Parallel()

	path := dataPath(t)
	content := padded(32, `{"id":"1"}`, `not json`, `{"id":"3"}`)
	writeRaw(t, path, content)

	s := openUninitialized(t, path, slotstore.Options[slotstore.Doc]{})

	err := s.Initialize(context.Background(), false)
	require.ErrorIs(t, err, slotstore.ErrParse)

	var sErr *slotstore.Error
	require.ErrorAs(t, err, &sErr)
	require.Equal(t, 2, sErr.Line)
	require.Contains(t, err.Error(), "line=2")

	require.Equal(t, content, string(readFile(t, path)), "failed initialize must not touch the file")

	_, err = s.Read(context.Background(), nil)
	require.ErrorIs(t, err, slotstore.ErrUninitialized)
}

func Test_Initialize_Returns_ErrParse_When_Record_Has_No_ID(t *testing.T) {
	t.Parallel()

	path := dataPath(t)
	writeRaw(t, path, padded(32, `{"name":"x"}`))

	s := openUninitialized(t, path, slotstore.Options[slotstore.Doc]{})
	require.ErrorIs(t, s.Initialize(context.Background(), false), slotstore.ErrParse)
}

func Test_Initialize_Skips_Invalid_Lines_When_Configured(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := dataPath(t)
	writeRaw(t, path, padded(32, `{"id":"1"}`, `not json`, `{"id":"3"}`))

	var logs bytes.Buffer

	s := openStore(t, path, slotstore.Options[slotstore.Doc]{
		SkipInvalidLines: true,
		Logger:           slotstore.NewTextLogger(&logs, 0),
	})

	got, err := s.Read(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "3"}, ids(got))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, st.Slots, "skipped line is compacted away")
	require.NotContains(t, string(readFile(t, path)), "not json")
	require.Contains(t, logs.String(), "skipping invalid line")
}

func Test_Initialize_Returns_ErrDuplicateID_Naming_Both_Lines(t *testing.T) {
	t.Parallel()

	path := dataPath(t)
	writeRaw(t, path, padded(32, `{"id":"1"}`, `{"id":"2"}`, `{"id":"1","x":1}`))

	s := openUninitialized(t, path, slotstore.Options[slotstore.Doc]{})

	err := s.Initialize(context.Background(), false)
	require.ErrorIs(t, err, slotstore.ErrDuplicateID)
	require.Contains(t, err.Error(), "lines 1 and 3")

	var sErr *slotstore.Error
	require.ErrorAs(t, err, &sErr)
	require.Equal(t, "1", sErr.ID)
}

func Test_Initialize_Repairs_Mixed_Slot_Widths(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := dataPath(t)
	writeRaw(t, path, padded(32, `{"id":"1"}`)+padded(40, `{"id":"2"}`)+padded(32, `{"id":"3"}`))

	s := openStore(t, path, slotstore.Options[slotstore.Doc]{})

	require.Equal(t, int64(32), s.SlotSize())
	require.Equal(t, padded(32, `{"id":"1"}`, `{"id":"2"}`, `{"id":"3"}`), string(readFile(t, path)))

	got, err := s.Read(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2", "3"}, ids(got))
}

func Test_Initialize_Widens_Slots_When_Repairing_Overlong_Line(t *testing.T) {
	t.Parallel()

	path := dataPath(t)
	long := `{"id":"2","note":"` + strings.Repeat("x", 40) + `"}`
	writeRaw(t, path, padded(32, `{"id":"1"}`)+long+"\n")

	s := openStore(t, path, slotstore.Options[slotstore.Doc]{})

	// The long line is 61 bytes with its newline; 64 would leave no headroom.
	require.Equal(t, int64(128), s.SlotSize())
	requireLayout(t, path, 128)
}

func Test_Initialize_Keeps_Truncated_Tail_When_It_Decodes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := dataPath(t)
	writeRaw(t, path, padded(32, `{"id":"1"}`)+`{"id":"2"}   `)

	s := openStore(t, path, slotstore.Options[slotstore.Doc]{})

	require.Equal(t, padded(32, `{"id":"1"}`, `{"id":"2"}`), string(readFile(t, path)))

	got, err := s.Read(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, ids(got))
}

func Test_Initialize_Drops_Truncated_Tail_When_It_Does_Not_Decode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := dataPath(t)
	writeRaw(t, path, padded(32, `{"id":"1"}`)+`{"id":"2","na`)

	s := openStore(t, path, slotstore.Options[slotstore.Doc]{})

	require.Equal(t, padded(32, `{"id":"1"}`), string(readFile(t, path)))

	got, err := s.Read(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"1"}, ids(got))
}

func Test_Initialize_Returns_ErrCorrupt_When_Repair_Disabled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{name: "MixedWidths", content: padded(32, `{"id":"1"}`) + padded(40, `{"id":"2"}`)},
		{name: "TruncatedTail", content: padded(32, `{"id":"1"}`) + `{"id":"2"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := dataPath(t)
			writeRaw(t, path, tt.content)

			s := openUninitialized(t, path, slotstore.Options[slotstore.Doc]{DisableRepair: true})

			require.ErrorIs(t, s.Initialize(context.Background(), false), slotstore.ErrCorrupt)
			require.Equal(t, tt.content, string(readFile(t, path)))
		})
	}
}

func Test_Initialize_Is_Noop_When_Already_Initialized(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := dataPath(t)
	s := openStore(t, path, slotstore.Options[slotstore.Doc]{})
	writeDocs(t, s, doc("1"))

	// A line appended behind the store's back is not seen without force.
	size := s.SlotSize()
	raw := readFile(t, path)
	writeRaw(t, path, string(raw)+padded(int(size), `{"id":"2"}`))

	require.NoError(t, s.Initialize(ctx, false))

	_, ok, err := s.Get(ctx, "2")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Initialize(ctx, true))

	_, ok, err = s.Get(ctx, "2")
	require.NoError(t, err)
	require.True(t, ok)
}
