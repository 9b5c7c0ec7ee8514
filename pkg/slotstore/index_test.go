package slotstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func Test_PositionIndex_Set_Ignores_Identical_Position(t *testing.T) {
	t.Parallel()

	x := NewPositionIndex()
	x.Set("byId:1", Position{Offset: 0})
	x.Set("byId:1", Position{Offset: 0})
	x.Set("byId:1", Position{Offset: 0, Partition: "p"})

	require.Equal(t, []Position{{Offset: 0}, {Offset: 0, Partition: "p"}}, x.Get("byId:1"))
	require.Equal(t, 1, x.Len())
}

func Test_PositionIndex_Get_Returns_Copy(t *testing.T) {
	t.Parallel()

	x := NewPositionIndex()
	x.Set("k", Position{Offset: 64})

	got := x.Get("k")
	got[0].Offset = 999

	require.Equal(t, []Position{{Offset: 64}}, x.Get("k"))
}

func Test_PositionIndex_Replace_Substitutes_Across_Keys_And_Dedupes(t *testing.T) {
	t.Parallel()

	x := NewPositionIndex()
	x.Set("byId:1", Position{Offset: 0})
	x.Set("byUser:ann", Position{Offset: 0})
	x.Set("byUser:ann", tombstone(""))
	x.Set("byUser:ann", Position{Offset: 128})

	n := x.Replace(Position{Offset: 0}, tombstone(""))
	require.Equal(t, 2, n)

	want := map[string][]Position{
		"byId:1":     {tombstone("")},
		"byUser:ann": {tombstone(""), {Offset: 128}},
	}

	if diff := cmp.Diff(want, x.Snapshot()); diff != "" {
		t.Fatalf("Replace mismatch (-want +got):\n%s", diff)
	}
}

func Test_PositionIndex_Remove_Drops_Key_When_Empty(t *testing.T) {
	t.Parallel()

	x := NewPositionIndex()
	x.Set("k", Position{Offset: 0})
	x.Set("k", Position{Offset: 64})

	require.True(t, x.Remove("k", 0))
	require.Equal(t, []Position{{Offset: 64}}, x.Get("k"))

	require.False(t, x.Remove("k", 0))
	require.False(t, x.Remove("missing", 0))

	require.True(t, x.Remove("k", 64))
	require.Zero(t, x.Len())
}

func Test_PositionIndex_Recalculate_Rescales_Live_Offsets(t *testing.T) {
	t.Parallel()

	x := NewPositionIndex()
	x.Set("a", Position{Offset: 0})
	x.Set("b", Position{Offset: 64})
	x.Set("c", tombstone(""))
	x.Set("d", Position{Offset: 192, Partition: "p"})

	require.NoError(t, x.Recalculate(64, 256))

	want := map[string][]Position{
		"a": {{Offset: 0}},
		"b": {{Offset: 256}},
		"c": {tombstone("")},
		"d": {{Offset: 768, Partition: "p"}},
	}

	if diff := cmp.Diff(want, x.Snapshot()); diff != "" {
		t.Fatalf("Recalculate mismatch (-want +got):\n%s", diff)
	}
}

func Test_PositionIndex_Recalculate_Returns_ErrCorrupt_When_Offset_Misaligned(t *testing.T) {
	t.Parallel()

	x := NewPositionIndex()
	x.Set("a", Position{Offset: 64})
	x.Set("b", Position{Offset: 100})

	before := x.Snapshot()

	require.ErrorIs(t, x.Recalculate(64, 128), ErrCorrupt)
	require.Equal(t, before, x.Snapshot(), "index must be unchanged")

	require.ErrorIs(t, x.Recalculate(0, 128), ErrInvalidInput)
}

func Test_PositionIndex_Restore_Copies_Snapshot(t *testing.T) {
	t.Parallel()

	x := NewPositionIndex()
	x.Set("a", Position{Offset: 0})

	snap := x.Snapshot()
	x.Set("b", Position{Offset: 64})
	x.Restore(snap)

	snap["a"][0].Offset = 999

	require.Equal(t, []Position{{Offset: 0}}, x.Get("a"))
	require.Empty(t, x.Get("b"))
}

func Test_PositionIndex_Lock_Returns_ErrLockTimeout_When_Held(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	x := NewPositionIndex()

	w, err := x.Lock(ctx, time.Second)
	require.NoError(t, err)

	_, err = x.Lock(ctx, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrLockTimeout)

	_, err = x.RLock(ctx, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrLockTimeout)

	w.Release()

	r, err := x.RLock(ctx, 10*time.Millisecond)
	require.NoError(t, err)

	// Readers share.
	r2, err := x.RLock(ctx, 10*time.Millisecond)
	require.NoError(t, err)

	_, err = x.Lock(ctx, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrLockTimeout)

	r.Release()
	r2.Release()
}

func Test_PositionIndex_Lock_Returns_Context_Error_When_Canceled(t *testing.T) {
	t.Parallel()

	x := NewPositionIndex()

	w, err := x.Lock(context.Background(), 0)
	require.NoError(t, err)

	defer w.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = x.Lock(ctx, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func Test_PositionIndex_Lock_Waits_Until_Released(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	x := NewPositionIndex()

	w, err := x.Lock(ctx, 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		w.Set("k", Position{Offset: 0})
		w.Release()
	}()

	r, err := x.RLock(ctx, time.Second)
	require.NoError(t, err)

	defer r.Release()

	require.Equal(t, []Position{{Offset: 0}}, r.Get("k"))
}

func Test_IndexReader_Release_Is_Idempotent_And_Use_After_Panics(t *testing.T) {
	t.Parallel()

	x := NewPositionIndex()

	w, err := x.Lock(context.Background(), 0)
	require.NoError(t, err)

	w.Release()
	w.Release()

	require.Panics(t, func() { w.Set("k", Position{}) })
	require.Panics(t, func() { _ = w.Get("k") })

	// The lock was released exactly once.
	x.Set("k", Position{Offset: 0})
	require.Equal(t, 1, x.Len())
}

func Test_IndexWriter_Mutations_Match_Locked_Methods(t *testing.T) {
	t.Parallel()

	x := NewPositionIndex()

	w, err := x.Lock(context.Background(), 0)
	require.NoError(t, err)

	w.Set("byId:1", Position{Offset: 0})
	w.Set("byId:2", Position{Offset: 32})
	w.Replace(Position{Offset: 0}, tombstone(""))
	w.Remove("byId:2", 32)
	require.NoError(t, w.Recalculate(32, 64))

	keys := 0
	w.Range(func(string, []Position) bool {
		keys++

		return true
	})

	require.Equal(t, 1, keys)
	require.Equal(t, []Position{tombstone("")}, w.Get("byId:1"))

	w.Clear()
	require.Zero(t, w.Len())

	w.Release()
}
