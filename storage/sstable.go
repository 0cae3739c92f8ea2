package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

const (
	sstMagic      = "RUSTEDGE"
	sstVersion    = 1
	sstHeaderSize = 64
	sstFooterSize = 32
)

// sstHeader is the fixed 64-byte region at the start of every SST file.
// index_offset, bloom_filter_offset and data_offset are absolute file
// positions; the offsets *within* the index section are relative to
// data_offset (see indexEntry).
type sstHeader struct {
	version           uint32
	entryCount        uint32
	indexOffset       uint64
	bloomFilterOffset uint64
	dataOffset        uint64
	compressionType   CompressionType
}

func encodeSSTHeader(h sstHeader) []byte {
	buf := make([]byte, sstHeaderSize)
	copy(buf[0:8], sstMagic)
	binary.LittleEndian.PutUint32(buf[8:12], h.version)
	binary.LittleEndian.PutUint32(buf[12:16], h.entryCount)
	binary.LittleEndian.PutUint64(buf[16:24], h.indexOffset)
	binary.LittleEndian.PutUint64(buf[24:32], h.bloomFilterOffset)
	binary.LittleEndian.PutUint64(buf[32:40], h.dataOffset)
	buf[40] = byte(h.compressionType)
	// buf[41:64] is reserved and stays zero.
	return buf
}

func decodeSSTHeader(buf []byte) (sstHeader, error) {
	var h sstHeader
	if string(buf[0:8]) != sstMagic {
		return h, ErrSSTBadMagic
	}
	h.version = binary.LittleEndian.Uint32(buf[8:12])
	if h.version != sstVersion {
		return h, ErrSSTBadVersion
	}
	h.entryCount = binary.LittleEndian.Uint32(buf[12:16])
	h.indexOffset = binary.LittleEndian.Uint64(buf[16:24])
	h.bloomFilterOffset = binary.LittleEndian.Uint64(buf[24:32])
	h.dataOffset = binary.LittleEndian.Uint64(buf[32:40])
	h.compressionType = CompressionType(buf[40])
	return h, nil
}

func encodeSSTFooter(dataSize, indexSize uint64) []byte {
	buf := make([]byte, sstFooterSize)
	// buf[0:8] is the reserved checksum field; unused in v0.1.
	binary.LittleEndian.PutUint64(buf[8:16], dataSize)
	binary.LittleEndian.PutUint64(buf[16:24], indexSize)
	// buf[24:32] is reserved padding.
	return buf
}

// indexEntry is one record of an SST's index section: the key it
// describes, that key's data-section entry relative offset, and the
// key/value sizes of that entry (so a reader can sanity-check a hit
// without first reading the data entry's own header).
type indexEntry struct {
	key        []byte
	relOffset  uint64
	keySize    uint32
	valueSize  uint32
}

func encodeIndexEntry(ie indexEntry) []byte {
	buf := make([]byte, 4+8+4+4+len(ie.key))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(ie.key)))
	binary.LittleEndian.PutUint64(buf[4:12], ie.relOffset)
	binary.LittleEndian.PutUint32(buf[12:16], ie.keySize)
	binary.LittleEndian.PutUint32(buf[16:20], ie.valueSize)
	copy(buf[20:], ie.key)
	return buf
}

func decodeIndexEntry(r io.Reader) (indexEntry, error) {
	var head [20]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return indexEntry{}, err
	}
	keyLen := binary.LittleEndian.Uint32(head[0:4])
	if keyLen == 0 || keyLen > MaxKeySize {
		return indexEntry{}, ErrSSTCorrupt
	}
	ie := indexEntry{
		relOffset: binary.LittleEndian.Uint64(head[4:12]),
		keySize:   binary.LittleEndian.Uint32(head[12:16]),
		valueSize: binary.LittleEndian.Uint32(head[16:20]),
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return indexEntry{}, err
	}
	ie.key = key
	return ie, nil
}

// SSTBuilder builds one SST file from a sorted stream of entries fed to
// it one at a time via Add. The caller must know the exact entry count
// up front (NewSSTBuilder takes it) so the bloom filter's bit count -- which
// must be known before the data section is written -- matches what
// Open will later derive from entry_count alone.
type SSTBuilder struct {
	path        string
	compression CompressionType
	compressor  compressor

	file *os.File
	w    *bufio.Writer

	wantCount  int
	bf         *bloomFilter
	dataOffset uint64
	pos        uint64 // bytes written into the data section so far

	index   []indexEntry
	lastKey []byte
	hasLast bool
	written int
}

// NewSSTBuilder opens path for writing and reserves the header and
// bloom filter regions. count must equal the number of times Add will
// be called.
func NewSSTBuilder(path string, count int, compression CompressionType) (*SSTBuilder, error) {
	if count <= 0 {
		return nil, ErrSSTEmptyBuild
	}
	compr, err := compressorFor(compression)
	if err != nil {
		return nil, err
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create sstable %q: %w", path, err)
	}

	bf := newBloomFilter(count)
	bloomByteLen := bf.byteLen()

	// Reserve the header and bloom regions now, as zero bytes; both get
	// patched with their true contents in Finish.
	reserved := make([]byte, sstHeaderSize+bloomByteLen)
	if _, err := f.Write(reserved); err != nil {
		f.Close()
		return nil, fmt.Errorf("reserve sstable header/bloom: %w", err)
	}

	return &SSTBuilder{
		path:        path,
		compression: compression,
		compressor:  compr,
		file:        f,
		w:           bufio.NewWriter(f),
		wantCount:   count,
		bf:          bf,
		dataOffset:  uint64(sstHeaderSize + bloomByteLen),
	}, nil
}

// Add appends the next entry. Entries must be added in strictly
// increasing key order.
func (b *SSTBuilder) Add(e Entry) error {
	if err := validateEntry(e.Key, e.Value); err != nil {
		return err
	}
	if b.hasLast && bytes.Compare(e.Key, b.lastKey) <= 0 {
		return ErrSSTKeysUnordered
	}
	if b.written >= b.wantCount {
		return ErrSSTCountMismatch
	}

	b.bf.add(e.Key)

	valueLen := uint32(tombstoneLen)
	var payload []byte
	if !e.Tombstone {
		payload = b.compressor.compress(e.Value)
		valueLen = uint32(len(payload))
	}

	var header [entryHeaderSize]byte
	encodeEntryHeader(header[:], uint32(len(e.Key)), valueLen, e.Timestamp, e.Sequence)

	if _, err := b.w.Write(header[:]); err != nil {
		return fmt.Errorf("write sstable entry header: %w", err)
	}
	if _, err := b.w.Write(e.Key); err != nil {
		return fmt.Errorf("write sstable entry key: %w", err)
	}
	if !e.Tombstone {
		if _, err := b.w.Write(payload); err != nil {
			return fmt.Errorf("write sstable entry value: %w", err)
		}
	}

	ie := indexEntry{
		key:       append([]byte(nil), e.Key...),
		relOffset: b.pos,
		keySize:   uint32(len(e.Key)),
		valueSize: valueLen,
	}
	b.index = append(b.index, ie)

	b.pos += uint64(entryHeaderSize+len(e.Key)) + uint64(len(payload))
	b.lastKey = ie.key
	b.hasLast = true
	b.written++
	return nil
}

// Finish writes the index and footer, patches the header and bloom
// regions with their true contents, and reopens the file for reading.
func (b *SSTBuilder) Finish() (*SSTable, error) {
	if b.written != b.wantCount {
		b.file.Close()
		return nil, ErrSSTCountMismatch
	}

	dataSize := b.pos
	for _, ie := range b.index {
		if _, err := b.w.Write(encodeIndexEntry(ie)); err != nil {
			b.file.Close()
			return nil, fmt.Errorf("write sstable index entry: %w", err)
		}
	}
	if err := b.w.Flush(); err != nil {
		b.file.Close()
		return nil, fmt.Errorf("flush sstable index: %w", err)
	}

	indexOffsetAbs := b.dataOffset + dataSize
	indexEnd, err := b.file.Seek(0, io.SeekCurrent)
	if err != nil {
		b.file.Close()
		return nil, err
	}
	indexSize := uint64(indexEnd) - indexOffsetAbs

	footer := encodeSSTFooter(dataSize, indexSize)
	if _, err := b.file.Write(footer); err != nil {
		b.file.Close()
		return nil, fmt.Errorf("write sstable footer: %w", err)
	}

	header := encodeSSTHeader(sstHeader{
		version:           sstVersion,
		entryCount:        uint32(b.written),
		indexOffset:       indexOffsetAbs,
		bloomFilterOffset: sstHeaderSize,
		dataOffset:        b.dataOffset,
		compressionType:   b.compression,
	})
	if _, err := b.file.WriteAt(header, 0); err != nil {
		b.file.Close()
		return nil, fmt.Errorf("patch sstable header: %w", err)
	}
	if _, err := b.file.WriteAt(b.bf.bytes(), sstHeaderSize); err != nil {
		b.file.Close()
		return nil, fmt.Errorf("patch sstable bloom filter: %w", err)
	}
	if err := b.file.Sync(); err != nil {
		b.file.Close()
		return nil, fmt.Errorf("sync sstable: %w", err)
	}
	if err := b.file.Close(); err != nil {
		return nil, fmt.Errorf("close sstable after build: %w", err)
	}

	return OpenSSTable(b.path)
}

// SSTable is an immutable, sorted, on-disk table with a bloom filter
// and an in-memory index. Safe for concurrent Get/MayContain calls;
// Close is exclusive.
type SSTable struct {
	mu sync.Mutex

	path       string
	file       *os.File
	header     sstHeader
	bloom      *bloomFilter
	compressor compressor
	index      []indexEntry
}

// Path returns the file path this table was opened from.
func (t *SSTable) Path() string { return t.path }

// EntryCount returns the number of entries in the table, tombstones
// included.
func (t *SSTable) EntryCount() int { return int(t.header.entryCount) }

// OpenSSTable opens an existing SST file, validating its header and
// loading its bloom filter and index into memory.
func OpenSSTable(path string) (*SSTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sstable %q: %w", path, err)
	}

	var headerBuf [sstHeaderSize]byte
	if _, err := io.ReadFull(f, headerBuf[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("read sstable header: %w", err)
	}
	header, err := decodeSSTHeader(headerBuf[:])
	if err != nil {
		f.Close()
		return nil, err
	}

	nbits := bloomNBits(int(header.entryCount))
	bloomByteLen := int(header.dataOffset - header.bloomFilterOffset)
	raw := make([]byte, bloomByteLen)
	if _, err := f.ReadAt(raw, int64(header.bloomFilterOffset)); err != nil {
		f.Close()
		return nil, fmt.Errorf("read sstable bloom filter: %w", err)
	}
	bf := bloomFilterFromBits(raw, nbits)

	compr, err := compressorFor(header.compressionType)
	if err != nil {
		f.Close()
		return nil, err
	}

	if _, err := f.Seek(int64(header.indexOffset), io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	index := make([]indexEntry, 0, header.entryCount)
	br := bufio.NewReader(f)
	for i := uint32(0); i < header.entryCount; i++ {
		ie, err := decodeIndexEntry(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("read sstable index: %w", ErrSSTCorrupt)
		}
		index = append(index, ie)
	}

	return &SSTable{
		path:       path,
		file:       f,
		header:     header,
		bloom:      bf,
		compressor: compr,
		index:      index,
	}, nil
}

// MayContain consults the bloom filter. A false result is
// authoritative; a true result may be a false positive.
func (t *SSTable) MayContain(key []byte) bool {
	return t.bloom.mayContain(key)
}

// AllEntries reads every entry from the data section sequentially, in
// key order, decompressing values as needed. Used by compaction, which
// needs a full scan rather than point lookups.
func (t *SSTable) AllEntries() ([]Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.file.Seek(int64(t.header.dataOffset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to sstable data section: %w", err)
	}
	r := bufio.NewReader(t.file)

	out := make([]Entry, 0, t.header.entryCount)
	for i := uint32(0); i < t.header.entryCount; i++ {
		e, err := readEntry(r)
		if err != nil {
			return nil, fmt.Errorf("read sstable entry %d: %w", i, err)
		}
		if !e.Tombstone {
			value, err := t.compressor.decompress(e.Value)
			if err != nil {
				return nil, fmt.Errorf("decompress sstable entry value: %w", err)
			}
			e.Value = value
		}
		out = append(out, e)
	}
	return out, nil
}

// Get looks up key: Missing if the bloom filter rejects it or the
// index has no matching entry, Present/PresentTombstone on a hit.
func (t *SSTable) Get(key []byte) (Lookup, error) {
	if !t.bloom.mayContain(key) {
		return Missing(), nil
	}

	i := sort.Search(len(t.index), func(i int) bool {
		return bytes.Compare(t.index[i].key, key) >= 0
	})
	if i >= len(t.index) || !bytes.Equal(t.index[i].key, key) {
		return Missing(), nil
	}
	ie := t.index[i]

	t.mu.Lock()
	defer t.mu.Unlock()

	absOffset := int64(t.header.dataOffset + ie.relOffset)
	var headerBuf [entryHeaderSize]byte
	if _, err := t.file.ReadAt(headerBuf[:], absOffset); err != nil {
		return Lookup{}, fmt.Errorf("read sstable entry header: %w", err)
	}
	keyLen, valueLen, _, _ := decodeEntryHeader(headerBuf[:])
	if keyLen != ie.keySize {
		return Lookup{}, ErrSSTCorrupt
	}

	body := make([]byte, keyLen)
	if valueLen != tombstoneLen {
		body = make([]byte, int(keyLen)+int(valueLen))
	}
	if _, err := t.file.ReadAt(body, absOffset+entryHeaderSize); err != nil {
		return Lookup{}, fmt.Errorf("read sstable entry body: %w", err)
	}
	if !bytes.Equal(body[:keyLen], key) {
		return Lookup{}, ErrSSTCorrupt
	}
	if valueLen == tombstoneLen {
		return PresentTombstone(), nil
	}

	value, err := t.compressor.decompress(body[keyLen:])
	if err != nil {
		return Lookup{}, fmt.Errorf("decompress sstable entry value: %w", err)
	}
	return Present(value), nil
}

// Close closes the table's file handle. The table must not be used
// afterward.
func (t *SSTable) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.file.Close()
}

// DeleteFile closes and removes the table's backing file, used once a
// compaction has produced a replacement.
func (t *SSTable) DeleteFile() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.file.Close(); err != nil {
		return err
	}
	return os.Remove(t.path)
}

// BuildSSTable builds a new SST at path from entries, which must
// already be sorted by key in strictly increasing order and non-empty.
// This is the convenience entry point used by flush and compaction,
// which both already hold a fully materialized, sorted entry slice.
func BuildSSTable(path string, entries []Entry, compression CompressionType) (*SSTable, error) {
	if len(entries) == 0 {
		return nil, ErrSSTEmptyBuild
	}
	b, err := NewSSTBuilder(path, len(entries), compression)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := b.Add(e); err != nil {
			b.file.Close()
			return nil, err
		}
	}
	return b.Finish()
}
