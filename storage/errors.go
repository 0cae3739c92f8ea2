package storage

import "errors"

var (
	// ErrKeyEmpty is returned when a caller supplies an empty key.
	ErrKeyEmpty = errors.New("key must not be empty")
	// ErrKeyTooLarge is returned when a key exceeds MaxKeySize.
	ErrKeyTooLarge = errors.New("key exceeds maximum size")
	// ErrValueTooLarge is returned when a value exceeds MaxValueSize.
	ErrValueTooLarge = errors.New("value exceeds maximum size")

	// ErrMemtableFrozen is returned when a write targets a memtable that
	// has already been frozen for flushing.
	ErrMemtableFrozen = errors.New("memtable is frozen")

	// ErrWALCorrupt is returned when a record's declared key or value
	// length fails its size sanity checks. A body that cannot be read in
	// full is reported as io.ErrUnexpectedEOF instead.
	ErrWALCorrupt = errors.New("wal record is corrupt")

	// ErrSSTEmptyBuild is returned when an SST is built from zero entries.
	ErrSSTEmptyBuild = errors.New("cannot build an sstable from zero entries")
	// ErrSSTBadMagic is returned when an SST file's header magic doesn't match.
	ErrSSTBadMagic = errors.New("sstable header has invalid magic")
	// ErrSSTBadVersion is returned when an SST file's version is unsupported.
	ErrSSTBadVersion = errors.New("sstable header has unsupported version")
	// ErrSSTCorrupt is returned when an SST file's sections are internally
	// inconsistent (bad offsets, truncated sections, key mismatch).
	ErrSSTCorrupt = errors.New("sstable file is corrupt")
	// ErrSSTKeysUnordered is returned when a builder receives a key that
	// is not strictly greater than the previously added key.
	ErrSSTKeysUnordered = errors.New("sstable keys must be added in strictly increasing order")
	// ErrSSTCountMismatch is returned when a builder receives more or
	// fewer entries than the count it was constructed with.
	ErrSSTCountMismatch = errors.New("sstable builder received a different entry count than declared")

	// ErrCompactionEmpty is returned when compaction input yields no
	// surviving entries.
	ErrCompactionEmpty = errors.New("compaction produced no surviving entries")
	// ErrCompactionNoInputs is returned when Compact is called with no
	// source tables.
	ErrCompactionNoInputs = errors.New("compaction requires at least one input table")

	// ErrUnknownCompression is returned when an SST header names a
	// compression code this build doesn't recognize.
	ErrUnknownCompression = errors.New("unknown compression code")
)
