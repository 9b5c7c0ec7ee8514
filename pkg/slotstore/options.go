package slotstore

import (
	"fmt"
	"time"

	"github.com/calvinalkan/slotdb/pkg/fs"
)

const (
	// MinSlotSize is where the slot width search starts.
	MinSlotSize int64 = 64

	// DefaultSlotSize is the width of a new, empty data file.
	DefaultSlotSize int64 = 256

	// DefaultMaxSlotSize caps slot growth.
	DefaultMaxSlotSize int64 = 16 << 20

	// DefaultLockTimeout bounds lock acquisition.
	DefaultLockTimeout = 10 * time.Second

	// growThreshold is the share of a slot a line may use before the store
	// widens every slot.
	growThreshold = 0.8

	// growHeadroom is the slack a new width leaves over the line that
	// triggered it.
	growHeadroom = 1.2

	// shrinkMargin is how far below half a slot the widest line must stay
	// before the store narrows slots.
	shrinkMargin = 0.2
)

// Options configures a [Store].
type Options[T Record] struct {
	// Registry shares state between handles on the same path.
	//
	// Default is [DefaultRegistry].
	Registry *Registry

	// FS is the filesystem used for the data file, backups and temp files.
	//
	// Default is [fs.OS]. Only the first handle opened on a path decides
	// the filesystem of that path.
	FS fs.FS

	// Logger receives scan, repair, compaction and rollback events.
	//
	// Default discards everything.
	Logger *Logger

	// Codec serializes records. Default is [GoJSON].
	Codec Codec

	// Cipher enciphers lines. Required when Key or DecryptOnlyKey is set.
	Cipher Cipher

	// Key enciphers new lines and deciphers existing ones.
	Key string

	// DecryptOnlyKey deciphers existing lines but writes plaintext. Use it to
	// migrate an enciphered file back to plaintext. Mutually exclusive with
	// Key.
	DecryptOnlyKey string

	// MigratePlaintext lets a store with Key read plaintext lines. Such lines
	// are rewritten enciphered on the next mutating call.
	MigratePlaintext bool

	// SkipInvalidLines drops lines that fail to decode instead of failing.
	// Dropped lines are logged and removed by the next compaction.
	SkipInvalidLines bool

	// DisableRepair makes layout anomalies found by Initialize (mixed slot
	// widths, a truncated last line) fail with [ErrCorrupt] instead of being
	// rewritten.
	DisableRepair bool

	// DisableAutoCompact skips the compaction Initialize runs when the file
	// has gaps.
	DisableAutoCompact bool

	// SlotSize is the slot width of a new, empty file.
	//
	// Default is [DefaultSlotSize]. Existing files keep their width.
	SlotSize int64

	// MaxSlotSize caps slot growth. Records that need more fail with
	// [ErrRecordTooLarge].
	//
	// Default is [DefaultMaxSlotSize].
	MaxSlotSize int64

	// KeyFunc derives secondary index keys. The canonical key is always
	// added. Default is [DefaultKeys].
	KeyFunc KeyFunc

	// Partition tags every position this handle writes.
	Partition string

	// LockTimeout bounds file lock acquisition. Negative waits forever.
	//
	// Default is [DefaultLockTimeout].
	LockTimeout time.Duration

	// ProcessLock additionally takes an flock on Path+".lock" for mutations
	// and transactions, excluding other processes.
	ProcessLock bool
}

func (o Options[T]) withDefaults() Options[T] {
	if o.Registry == nil {
		o.Registry = DefaultRegistry
	}

	if o.FS == nil {
		o.FS = fs.NewOS()
	}

	if o.Logger == nil {
		o.Logger = NoopLogger()
	}

	if o.Codec == nil {
		o.Codec = GoJSON{}
	}

	if o.SlotSize == 0 {
		o.SlotSize = DefaultSlotSize
	}

	if o.MaxSlotSize == 0 {
		o.MaxSlotSize = DefaultMaxSlotSize
	}

	if o.KeyFunc == nil {
		o.KeyFunc = DefaultKeys
	}

	if o.LockTimeout == 0 {
		o.LockTimeout = DefaultLockTimeout
	}

	return o
}

func (o Options[T]) validate() error {
	if o.Key != "" && o.DecryptOnlyKey != "" {
		return fmt.Errorf("%w: Key and DecryptOnlyKey are mutually exclusive", ErrInvalidInput)
	}

	if (o.Key != "" || o.DecryptOnlyKey != "") && o.Cipher == nil {
		return fmt.Errorf("%w: a key requires a Cipher", ErrInvalidInput)
	}

	if o.SlotSize < 2 {
		return fmt.Errorf("%w: slot size must be >= 2, got %d", ErrInvalidInput, o.SlotSize)
	}

	if o.MaxSlotSize < o.SlotSize {
		return fmt.Errorf("%w: max slot size %d is below slot size %d", ErrInvalidInput, o.MaxSlotSize, o.SlotSize)
	}

	return nil
}

func (o Options[T]) lineCodec() *lineCodec[T] {
	lc := &lineCodec[T]{codec: o.Codec, cipher: o.Cipher}

	switch {
	case o.Key != "":
		lc.writeKey = o.Key
		lc.readKey = o.Key
		lc.plainFallback = o.MigratePlaintext
	case o.DecryptOnlyKey != "":
		lc.readKey = o.DecryptOnlyKey
		lc.plainFallback = true
	}

	return lc
}

// growSize returns the slot width for a line of need bytes (newline
// included): start at MinSlotSize and double until the width leaves
// growHeadroom over need, capped at maxSize.
func growSize(need, maxSize int64) (int64, error) {
	if need > maxSize {
		return 0, fmt.Errorf("%w: need %d bytes, max slot size %d", ErrRecordTooLarge, need, maxSize)
	}

	size := MinSlotSize
	for float64(size) < growHeadroom*float64(need) {
		size *= 2
	}

	return min(size, maxSize), nil
}

// shrinkSize returns the narrower width for a file whose widest line is
// maxLine bytes, or slotSize when the file should keep its width. Slots
// shrink when maxLine is below half a slot by more than shrinkMargin of that
// half.
func shrinkSize(slotSize, maxLine, maxSize int64) int64 {
	half := slotSize / 2
	if maxLine >= half || float64(half-maxLine) <= shrinkMargin*float64(half) {
		return slotSize
	}

	size, err := growSize(max(maxLine, 1), maxSize)
	if err != nil {
		return slotSize
	}

	return min(size, slotSize)
}
