// Package slotstore is an embedded, single-file record store with
// fixed-width slots.
//
// Every record occupies one line of the data file, padded with spaces to the
// file-wide slot width:
//
//	{"id":"1","name":"ada"}                                   \n
//	{"id":"2","name":"grace"}                                 \n
//	                                                          \n   <- tombstone
//
// Fixed widths make records addressable by offset: an update rewrites one
// slot in place, a delete blanks it, an insert appends. When a record would
// use more than 80% of a slot, every slot is widened (doubling from 64 bytes
// until the record leaves 20% headroom) and all offsets are rescaled.
// Compaction drops blank slots and narrows slots again when records got
// smaller.
//
// # Index
//
// A [PositionIndex] maps index keys to slot positions. Every record is
// indexed under "byId:"+id; [Options.KeyFunc] adds secondary keys.
// Positions live in memory only and are rebuilt by [Store.Initialize].
//
// # Sharing and locking
//
// All [Store] handles on one path share a [Registry] entry: the index, the
// slot width and the open file. The index lock is the file lock. Reads
// share it; writes, deletes, compaction and transactions hold it
// exclusively. [Options.ProcessLock] adds an flock for other processes.
//
// # Transactions
//
// [Store.WithTransaction] runs a body under the write lock. With rollback
// enabled it first copies the file aside and snapshots the index; if the
// body fails both are restored. Inside the body, work goes through the
// [Tx] capability (and [Store.Join] for other handles on the same file);
// calling the locking Store methods would wait for the transaction itself.
//
// # Encryption
//
// With [Options.Key] every line is enciphered by the injected [Cipher] and
// stored base64-encoded. [Options.MigratePlaintext] and
// [Options.DecryptOnlyKey] migrate files between plaintext and ciphertext
// one record at a time.
//
// # Basic usage
//
//	users, err := slotstore.Open("users.db", slotstore.Options[slotstore.Doc]{})
//	if err != nil {
//	    return err
//	}
//	defer users.Close()
//
//	if err := users.Initialize(ctx, false); err != nil {
//	    return err
//	}
//
//	err = users.Write(ctx, slotstore.Doc{"id": "1", "name": "ada"})
//	found, err := users.ReadByIndex(ctx, slotstore.Fields{"name": "ad"})
package slotstore
