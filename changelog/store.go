// Package changelog is the append-only durable log of single-cell edits.
// Entries are absolute value assignments keyed by monotonic ULIDs, so replay
// is idempotent and prefix iteration yields timestamp order.
package changelog

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"
)

// CounterKey is the special key used to store the total pending entry count
const CounterKey = "__edit_count__"

// entryPrefix namespaces edit entries away from bookkeeping keys.
const entryPrefix = "cl/"

// Entry is one recorded cell edit. OldValue/NewValue are absolute
// assignments, not deltas; applying the same entry twice yields the same
// result.
type Entry struct {
	TableID   string    `json:"tableId"`
	Timestamp time.Time `json:"timestamp"`
	RowID     int64     `json:"rowId"`
	Column    string    `json:"column"`
	OldValue  any       `json:"oldValue"`
	NewValue  any       `json:"newValue"`
}

// --- Monotonic ULID Generator ---

var (
	// ulidGenerator is a single, shared monotonic entropy source protected by a mutex.
	// This ensures that even if multiple goroutines call for a new ID in the same
	// millisecond, each call will produce a unique and strictly increasing ULID.
	ulidGenerator = struct {
		sync.Mutex
		*ulid.MonotonicEntropy
	}{
		MonotonicEntropy: ulid.Monotonic(rand.Reader, 0),
	}
)

// newULID generates a new, monotonic ULID in a thread-safe manner.
func newULID() (ulid.ULID, error) {
	ulidGenerator.Lock()
	defer ulidGenerator.Unlock()
	return ulid.New(ulid.Timestamp(time.Now()), &ulidGenerator)
}

// --- Store Implementation ---

// Store provides the append-only changelog on a BadgerDB instance.
type Store struct {
	db *badger.DB
}

// Open initializes the changelog database at the specified path.
// It also performs an initial counter reconciliation.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	slog.Info("changelog opened", slog.String("path", path))

	store := &Store{db: db}

	if err := store.ReconcileCount(); err != nil {
		slog.Warn("initial changelog counter reconciliation failed", slog.Any("error", err))
	}

	return store, nil
}

// Close safely closes the changelog database.
func (s *Store) Close() error {
	slog.Info("closing changelog")
	return s.db.Close()
}

// Sync flushes all pending writes to disk.
func (s *Store) Sync() error {
	return s.db.Sync()
}

func entryKey(tableID string, id ulid.ULID) []byte {
	return []byte(entryPrefix + tableID + "/" + id.String())
}

func tablePrefix(tableID string) []byte {
	return []byte(entryPrefix + tableID + "/")
}

// Append durably records a single edit. The key is a monotonic ULID so
// chronological order is the key order. The edit is assumed to already be
// applied in the live engine; an append failure here is logged by callers and
// is not fatal to the interactive session.
func (s *Store) Append(entry Entry) error {
	return s.AppendBatch([]Entry{entry})
}

// AppendBatch durably records a batch of edits in one transaction.
func (s *Store) AppendBatch(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for i := range entries {
			entry := entries[i]
			key, err := newULID()
			if err != nil {
				return err
			}
			if entry.Timestamp.IsZero() {
				entry.Timestamp = time.UnixMilli(int64(key.Time())).UTC()
			}
			data, err := json.Marshal(&entry)
			if err != nil {
				return fmt.Errorf("failed to encode changelog entry: %w", err)
			}
			if err := txn.Set(entryKey(entry.TableID, key), data); err != nil {
				return err
			}
		}
		return s.addCounterInTxn(txn, int64(len(entries)))
	})
}

// ForTable returns all entries for one table in timestamp order.
func (s *Store) ForTable(tableID string) ([]Entry, error) {
	entries, _, err := s.scan(tablePrefix(tableID))
	return entries, err
}

// ForTableBounded returns a table's entries plus the key of the newest entry
// seen, for use as the bound of a later ClearThrough. Entries appended after
// this call sort above the bound and survive the clear.
func (s *Store) ForTableBounded(tableID string) ([]Entry, string, error) {
	return s.scan(tablePrefix(tableID))
}

// All returns every pending entry, grouped by table in timestamp order
// within each table.
func (s *Store) All() ([]Entry, error) {
	entries, _, err := s.scan([]byte(entryPrefix))
	return entries, err
}

// Pending describes one table's changelog backlog at a point in time.
type Pending struct {
	Count     int
	HighWater string // key of the newest entry seen
}

// PendingByTable returns, per table, the pending entry count and the newest
// entry key, captured in one consistent view.
func (s *Store) PendingByTable() (map[string]Pending, error) {
	byTable := make(map[string]Pending)
	prefix := []byte(entryPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			rest := key[len(entryPrefix):]
			slash := strings.IndexByte(rest, '/')
			if slash < 0 {
				continue
			}
			tableID := rest[:slash]
			p := byTable[tableID]
			p.Count++
			p.HighWater = key // keys iterate in ascending order
			byTable[tableID] = p
		}
		return nil
	})
	return byTable, err
}

func (s *Store) scan(prefix []byte) ([]Entry, string, error) {
	var entries []Entry
	var lastKey string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			lastKey = string(item.Key())
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			var entry Entry
			if err := json.Unmarshal(val, &entry); err != nil {
				// Skip corrupted entries rather than aborting the read
				slog.Warn("error decoding changelog entry",
					slog.String("key", string(item.Key())),
					slog.Any("error", err))
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, lastKey, err
}

// Clear removes all entries for one table, for use when the table itself is
// deleted. Compaction and freeze paths must use ClearThrough instead so an
// edit appended during their export window is not destroyed unexported.
func (s *Store) Clear(tableID string) error {
	return s.clearUpTo(tableID, "")
}

// ClearThrough removes entries for one table whose keys sort at or below
// highWater, as returned by ForTableBounded or PendingByTable. An empty
// bound clears nothing.
func (s *Store) ClearThrough(tableID, highWater string) error {
	if highWater == "" {
		return nil
	}
	return s.clearUpTo(tableID, highWater)
}

func (s *Store) clearUpTo(tableID, highWater string) error {
	prefix := tablePrefix(tableID)

	// Collect keys first; Badger disallows deleting under a live iterator.
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			// ULID key suffixes are time-ordered, so a byte comparison
			// bounds the delete to entries seen by the caller's listing.
			if highWater != "" && string(key) > highWater {
				break
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	// Delete in bounded batches to stay under the transaction size limit.
	const batch = 1000
	for start := 0; start < len(keys); start += batch {
		end := start + batch
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]
		err := s.db.Update(func(txn *badger.Txn) error {
			for _, k := range chunk {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return s.addCounterInTxn(txn, -int64(len(chunk)))
		})
		if err != nil {
			return err
		}
	}

	slog.Debug("changelog cleared",
		slog.String("table_id", tableID),
		slog.Int("entries", len(keys)))
	return nil
}

// TotalCount returns the total pending entry count across all tables.
func (s *Store) TotalCount() (int64, error) {
	var count int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(CounterKey))
		if err == badger.ErrKeyNotFound {
			return nil // Count is 0
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			count = int64(binary.BigEndian.Uint64(val))
			return nil
		})
	})
	return count, err
}

// HasPending reports whether any entry awaits compaction.
func (s *Store) HasPending() (bool, error) {
	count, err := s.TotalCount()
	return count > 0, err
}

// addCounterInTxn adjusts the entry counter by delta within an existing transaction.
func (s *Store) addCounterInTxn(txn *badger.Txn, delta int64) error {
	item, err := txn.Get([]byte(CounterKey))
	var count int64
	if err == badger.ErrKeyNotFound {
		count = 0
	} else if err != nil {
		return err
	} else {
		err = item.Value(func(val []byte) error {
			count = int64(binary.BigEndian.Uint64(val))
			return nil
		})
		if err != nil {
			return err
		}
	}

	count += delta
	if count < 0 {
		slog.Warn("changelog counter underflow prevented", slog.Int64("count", count))
		count = 0
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(count))
	return txn.Set([]byte(CounterKey), buf)
}

// ReconcileCount counts actual entries and corrects the counter if drift is
// detected, e.g. after an interrupted clear.
func (s *Store) ReconcileCount() error {
	actualCount := int64(0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false // Only need keys for counting
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			if !bytes.Equal(key, []byte(CounterKey)) {
				actualCount++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	storedCount, err := s.TotalCount()
	if err != nil {
		return err
	}

	if actualCount != storedCount {
		slog.Warn("changelog counter drift detected during reconciliation",
			slog.Int64("actual_count", actualCount),
			slog.Int64("stored_count", storedCount))

		return s.db.Update(func(txn *badger.Txn) error {
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, uint64(actualCount))
			return txn.Set([]byte(CounterKey), buf)
		})
	}

	return nil
}
