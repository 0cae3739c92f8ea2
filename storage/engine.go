package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	walPrefix = "wal_"
	walSuffix = ".log"
	sstPrefix = "sst_"
	sstSuffix = ".sst"

	// DefaultMaxLevels is the advisory cap used when a Config doesn't
	// override it. No structural mechanism consumes it in v0.1.
	DefaultMaxLevels = 7
)

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Config holds the options an Engine is opened with. There is no
// file-format loader here -- reading a config from disk, an
// environment, or flags is a collaborator outside this package's
// scope -- just the shape of the value itself.
type Config struct {
	// DataDir holds the WAL and SST files. Created if absent.
	DataDir string
	// MemtableSize is the byte bound that triggers a flush. Zero means
	// DefaultMemtableSize.
	MemtableSize uint64
	// Compression selects the codec new SSTs are built with. Existing
	// SSTs are always read back with the codec recorded in their own
	// header, regardless of this setting.
	Compression CompressionType
	// MaxLevels is advisory in v0.1; no structural mechanism consumes
	// it yet.
	MaxLevels uint16
	// Logger receives structured Info/Warn events at significant state
	// transitions (flush, compaction, recovery, rotation). A nil
	// Logger means silence.
	Logger *zap.Logger
}

// DefaultConfig returns a Config with every option at its default,
// rooted at dataDir.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:      dataDir,
		MemtableSize: DefaultMemtableSize,
		Compression:  CompressionNone,
		MaxLevels:    DefaultMaxLevels,
	}
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// Engine orchestrates the memtable, WAL, SSTs and compaction behind a
// single Put/Get/Delete/Close API. Reads take the sst list's read
// lock; flush and compaction take its write lock only to splice in
// results, never for the duration of the I/O itself.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	mtMu     sync.RWMutex
	memtable *Memtable

	walMu sync.Mutex
	wal   *WAL

	sstMu sync.RWMutex
	ssts  []*SSTable // oldest first; newest at the back

	seq uint64
}

// Open creates the data directory if absent, replays every WAL file
// (oldest first) into a fresh memtable, loads every SST in creation
// order, and opens a new current WAL named by the current millisecond
// timestamp.
func Open(cfg Config) (*Engine, error) {
	if cfg.MemtableSize == 0 {
		cfg.MemtableSize = DefaultMemtableSize
	}
	logger := cfg.logger()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir %q: %w", cfg.DataDir, err)
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		memtable: NewMemtable(cfg.MemtableSize),
	}

	walPaths, err := discoverFiles(cfg.DataDir, walPrefix, walSuffix)
	if err != nil {
		return nil, err
	}
	var recovered int
	for _, p := range walPaths {
		highest, err := RecoverWAL(p, e.memtable)
		if err != nil {
			return nil, fmt.Errorf("recover wal %q: %w", p, err)
		}
		if highest > e.seq {
			e.seq = highest
		}
		recovered++
	}
	logger.Info("wal recovery complete",
		zap.Int("wal_files", recovered),
		zap.Uint64("highest_sequence", e.seq),
		zap.Int("entries_recovered", e.memtable.Len()),
	)

	sstPaths, err := discoverFiles(cfg.DataDir, sstPrefix, sstSuffix)
	if err != nil {
		return nil, err
	}
	for _, p := range sstPaths {
		tbl, err := OpenSSTable(p)
		if err != nil {
			return nil, fmt.Errorf("open sstable %q: %w", p, err)
		}
		e.ssts = append(e.ssts, tbl)
	}

	walPath := filepath.Join(cfg.DataDir, walFileName())
	wal, err := CreateWAL(walPath)
	if err != nil {
		return nil, err
	}
	e.wal = wal

	return e, nil
}

// discoverFiles lists files in dir matching prefix/suffix, sorted
// lexicographically -- chronological order for WAL files, creation
// order for SST files, per their respective naming schemes.
func discoverFiles(dir, prefix, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list data dir %q: %w", dir, err)
	}
	var names []string
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}
	return paths, nil
}

func walFileName() string {
	return fmt.Sprintf("%s%016x%s", walPrefix, nowMillis(), walSuffix)
}

func sstFileName() string {
	return fmt.Sprintf("%s%s%s", sstPrefix, NewFileID(), sstSuffix)
}

// Put validates key/value, assigns the next sequence number, makes the
// mutation durable in the WAL, then applies it to the memtable. If the
// memtable is now full, it is flushed before Put returns.
func (e *Engine) Put(key, value []byte) error {
	return e.apply(Entry{Key: key, Value: value})
}

// Delete is Put with a tombstone in place of a value.
func (e *Engine) Delete(key []byte) error {
	return e.apply(Entry{Key: key, Tombstone: true})
}

func (e *Engine) apply(partial Entry) error {
	if err := validateEntry(partial.Key, partial.Value); err != nil {
		return err
	}

	entry := Entry{
		Key:       append([]byte(nil), partial.Key...),
		Tombstone: partial.Tombstone,
		Timestamp: nowMillis(),
		Sequence:  atomic.AddUint64(&e.seq, 1),
	}
	if !entry.Tombstone {
		entry.Value = append([]byte(nil), partial.Value...)
	}

	e.walMu.Lock()
	err := e.wal.Append(entry)
	e.walMu.Unlock()
	if err != nil {
		return fmt.Errorf("wal append: %w", err)
	}

	mt := e.currentMemtable()
	if err := mt.PutEntry(entry); err != nil {
		return err
	}

	if mt.IsFull() {
		if err := e.flush(); err != nil {
			return fmt.Errorf("flush after full memtable: %w", err)
		}
	}
	return nil
}

// currentMemtable returns the memtable currently accepting writes.
// Synchronized against flush's pointer swap; the returned memtable's
// own lock still guards its internal state.
func (e *Engine) currentMemtable() *Memtable {
	e.mtMu.RLock()
	defer e.mtMu.RUnlock()
	return e.memtable
}

// Get probes the memtable first, then the live SSTs from newest to
// oldest. The first hit, including a tombstone, wins.
func (e *Engine) Get(key []byte) (Lookup, error) {
	if got := e.currentMemtable().Get(key); got.Found {
		return got, nil
	}

	e.sstMu.RLock()
	defer e.sstMu.RUnlock()

	for i := len(e.ssts) - 1; i >= 0; i-- {
		tbl := e.ssts[i]
		if !tbl.MayContain(key) {
			continue
		}
		got, err := tbl.Get(key)
		if err != nil {
			return Lookup{}, fmt.Errorf("read sstable %q: %w", tbl.Path(), err)
		}
		if got.Found {
			return got, nil
		}
	}
	return Missing(), nil
}

// ForceFlush flushes the current memtable even if it isn't full.
func (e *Engine) ForceFlush() error {
	if e.currentMemtable().Len() == 0 {
		return nil
	}
	return e.flush()
}

// flush freezes the current memtable, builds a new SST from its
// entries, appends it to the live list, replaces the memtable with an
// empty one, and rotates the WAL. The obsolete WAL is only removed
// after the new SST has closed successfully, so a crash mid-flush
// leaves either the old WAL (safe to re-replay) or the new SST (and
// the old WAL, also safe to re-replay and simply redundant).
func (e *Engine) flush() error {
	e.mtMu.Lock()
	defer e.mtMu.Unlock()

	old := e.memtable
	old.Freeze()
	entries := old.Entries()
	if len(entries) == 0 {
		old.Clear()
		return nil
	}

	sstPath := filepath.Join(e.cfg.DataDir, sstFileName())
	tbl, err := BuildSSTable(sstPath, entries, e.cfg.Compression)
	if err != nil {
		old.Unfreeze()
		return fmt.Errorf("build sstable: %w", err)
	}

	e.sstMu.Lock()
	e.ssts = append(e.ssts, tbl)
	e.sstMu.Unlock()

	e.memtable = NewMemtable(e.cfg.MemtableSize)

	e.walMu.Lock()
	oldWALPath := e.wal.Path()
	if err := e.wal.Close(); err != nil {
		e.walMu.Unlock()
		return fmt.Errorf("close wal before rotation: %w", err)
	}
	newWALPath := filepath.Join(e.cfg.DataDir, walFileName())
	for newWALPath == oldWALPath {
		// Same millisecond as the old WAL's name: wait for the next one so
		// removing the obsolete file can't remove the new one.
		newWALPath = filepath.Join(e.cfg.DataDir, walFileName())
	}
	newWAL, err := CreateWAL(newWALPath)
	if err != nil {
		e.walMu.Unlock()
		return fmt.Errorf("create rotated wal: %w", err)
	}
	e.wal = newWAL
	e.walMu.Unlock()

	if err := os.Remove(oldWALPath); err != nil && !os.IsNotExist(err) {
		e.logger.Warn("failed to remove obsolete wal after flush", zap.String("path", oldWALPath), zap.Error(err))
	}

	e.logger.Info("flush complete",
		zap.String("sstable", sstPath),
		zap.Int("entries", len(entries)),
	)
	return nil
}

// Compact merges the engine's entire live SST list into one new SST,
// replacing them, per the v0.1 policy of always compacting the full
// live set (see Compact in compaction.go for why that makes dropping
// tombstones safe). A live set of zero or one SST is a no-op.
func (e *Engine) Compact() error {
	e.sstMu.RLock()
	if len(e.ssts) < 2 {
		e.sstMu.RUnlock()
		return nil
	}
	inputs := make([]*SSTable, len(e.ssts))
	copy(inputs, e.ssts)
	e.sstMu.RUnlock()

	path := filepath.Join(e.cfg.DataDir, sstFileName())
	merged, err := Compact(path, inputs, e.cfg.Compression)
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}

	e.sstMu.Lock()
	e.ssts = []*SSTable{merged}
	e.sstMu.Unlock()

	for _, tbl := range inputs {
		if err := tbl.DeleteFile(); err != nil {
			e.logger.Warn("failed to remove superseded sstable", zap.String("path", tbl.Path()), zap.Error(err))
		}
	}

	e.logger.Info("compaction complete",
		zap.Int("inputs", len(inputs)),
		zap.Int("survivors", merged.EntryCount()),
	)
	return nil
}

// Close flushes any pending writes and releases every open file
// handle. The engine must not be used afterward.
func (e *Engine) Close() error {
	if err := e.ForceFlush(); err != nil {
		return fmt.Errorf("flush on close: %w", err)
	}

	e.walMu.Lock()
	walErr := e.wal.Close()
	e.walMu.Unlock()

	e.sstMu.Lock()
	var sstErr error
	for _, tbl := range e.ssts {
		if err := tbl.Close(); err != nil && sstErr == nil {
			sstErr = err
		}
	}
	e.sstMu.Unlock()

	if walErr != nil {
		return walErr
	}
	return sstErr
}

