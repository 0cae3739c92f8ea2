package storage

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

const (
	// DefaultTreeOrder is the degree passed to the backing btree,
	// matching the teacher's own default.
	DefaultTreeOrder = 3

	// DefaultMemtableSize is the byte bound used when a Config doesn't
	// override it.
	DefaultMemtableSize = 4 << 20 // 4 MiB
)

// Memtable is the in-memory ordered write buffer. A single key has at
// most one live entry; later writes replace earlier ones in place.
// Safe for concurrent use: Get takes a read lock, Put/Delete/Clear take
// the write lock only for the duration of the mutation itself.
type Memtable struct {
	mu      sync.RWMutex
	tree    *btree.BTreeG[Entry]
	index   map[string]Entry
	size    uint64
	maxSize uint64
	frozen  bool
	seq     uint64 // internal sequence counter for standalone Put/Delete
}

func entryLess(a, b Entry) bool {
	return bytes.Compare(a.Key, b.Key) < 0
}

// NewMemtable creates an empty memtable bounded at maxSize bytes.
func NewMemtable(maxSize uint64) *Memtable {
	if maxSize == 0 {
		maxSize = DefaultMemtableSize
	}
	return &Memtable{
		tree:    btree.NewG(DefaultTreeOrder, entryLess),
		index:   make(map[string]Entry),
		maxSize: maxSize,
	}
}

// Get returns the current lookup result for key: Missing if absent,
// PresentTombstone if the most recent write was a delete, or Present
// with the stored value otherwise.
func (m *Memtable) Get(key []byte) Lookup {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.index[string(key)]
	if !ok {
		return Missing()
	}
	if e.Tombstone {
		return PresentTombstone()
	}
	return Present(e.Value)
}

// Put validates key and value, assigns the memtable's own next
// sequence number, and inserts or replaces the entry for key. This is
// the standalone entry point used by callers exercising the memtable
// on its own (tests, or anything not going through Engine/WAL); Engine
// instead calls PutEntry with an entry it has already sequenced and
// logged.
func (m *Memtable) Put(key, value []byte, timestamp uint64) (Entry, error) {
	if err := validateEntry(key, value); err != nil {
		return Entry{}, err
	}
	e := Entry{
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
		Timestamp: timestamp,
		Sequence:  atomic.AddUint64(&m.seq, 1),
	}
	if err := m.PutEntry(e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Delete validates key, assigns the memtable's own next sequence
// number, and inserts a tombstone for key. See Put for the
// standalone-vs-engine-mediated distinction.
func (m *Memtable) Delete(key []byte, timestamp uint64) (Entry, error) {
	if len(key) == 0 {
		return Entry{}, ErrKeyEmpty
	}
	if len(key) > MaxKeySize {
		return Entry{}, ErrKeyTooLarge
	}
	e := Entry{
		Key:       append([]byte(nil), key...),
		Tombstone: true,
		Timestamp: timestamp,
		Sequence:  atomic.AddUint64(&m.seq, 1),
	}
	if err := m.PutEntry(e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// PutEntry inserts e verbatim, replacing any existing entry for the
// same key and updating size accounting to reflect the replacement
// (subtract the old entry's size, add the new one's). Used by the
// engine for WAL-mediated writes and by WAL recovery.
func (m *Memtable) PutEntry(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frozen {
		return ErrMemtableFrozen
	}

	k := string(e.Key)
	if old, ok := m.index[k]; ok {
		m.tree.Delete(old)
		m.size -= old.sizeBytes()
	}

	m.index[k] = e
	m.tree.ReplaceOrInsert(e)
	m.size += e.sizeBytes()

	if e.Sequence > m.seq {
		atomic.StoreUint64(&m.seq, e.Sequence)
	}

	return nil
}

// IsFull reports whether the memtable has reached its byte bound.
func (m *Memtable) IsFull() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size >= m.maxSize
}

// SizeBytes returns the current accounted size.
func (m *Memtable) SizeBytes() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// Len returns the number of live entries (including tombstones).
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.index)
}

// Entries returns every entry in ascending key order, for flushing to
// an SSTable.
func (m *Memtable) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, m.tree.Len())
	m.tree.Ascend(func(e Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Freeze marks the memtable read-only; subsequent writes fail with
// ErrMemtableFrozen. Used by the engine while a flush is in flight so
// no writer can race the snapshot taken by Entries().
func (m *Memtable) Freeze() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen = true
}

// Unfreeze reverses Freeze. Used by the engine when a flush attempt
// fails after freezing, so a retry can still write through it.
func (m *Memtable) Unfreeze() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen = false
}

// Clear drops all entries and resets size accounting. The sequence
// counter is left untouched: sequence numbers must keep increasing
// across a flush, per §8 invariant 3.
func (m *Memtable) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.Clear(false)
	m.index = make(map[string]Entry)
	m.size = 0
	m.frozen = false
}
