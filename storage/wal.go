package storage

import (
	"bufio"
	"fmt"
	"os"
)

// WAL is an append-only, length-prefixed record log. Every accepted
// mutation is appended and synced to storage before the engine applies
// it to the memtable, so a crash can never lose an acknowledged write.
type WAL struct {
	file *os.File
	w    *bufio.Writer
	path string
}

// CreateWAL opens path for appending, creating it if it doesn't exist.
// It does not read or recover anything from an existing file at path;
// use RecoverWAL for that.
func CreateWAL(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open wal %q: %w", path, err)
	}
	return &WAL{
		file: f,
		w:    bufio.NewWriter(f),
		path: path,
	}, nil
}

// Path returns the WAL's file path.
func (w *WAL) Path() string { return w.path }

// Append serializes e and durably persists it: the buffered write is
// flushed to the OS and the file is fsync'd before Append returns. Any
// failure here is fatal to the mutation -- the caller must not apply e
// to the memtable.
func (w *WAL) Append(e Entry) error {
	if err := writeEntry(w.w, e); err != nil {
		return fmt.Errorf("wal append: %w", err)
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("wal flush: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal sync: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (w *WAL) Close() error {
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// recordBodyLen validates a decoded header's declared lengths against
// the §6.1 limits and returns the number of bytes that should follow
// the header (key, plus value unless it's a tombstone).
func recordBodyLen(keyLen, valueLen uint32) (int, bool) {
	if keyLen == 0 || keyLen > MaxKeySize {
		return 0, false
	}
	if valueLen == tombstoneLen {
		return int(keyLen), true
	}
	if valueLen > MaxValueSize {
		return 0, false
	}
	return int(keyLen) + int(valueLen), true
}

// decodeEntryAt builds the Entry described by the header at data[off:]
// once recordBodyLen has confirmed the body fits within data.
func decodeEntryAt(data []byte, off int, keyLen, valueLen uint32, timestamp, sequence uint64) Entry {
	pos := off + entryHeaderSize
	key := append([]byte(nil), data[pos:pos+int(keyLen)]...)
	pos += int(keyLen)

	e := Entry{Key: key, Timestamp: timestamp, Sequence: sequence}
	if valueLen == tombstoneLen {
		e.Tombstone = true
	} else {
		e.Value = append([]byte(nil), data[pos:pos+int(valueLen)]...)
	}
	return e
}

// RecoverWAL reads every record from the WAL file at path, applying
// each to memtable via PutEntry, and returns the highest sequence
// number observed. A missing file recovers zero records successfully.
//
// Corruption -- a header whose lengths fail the §6.1 limits, or whose
// declared body runs past the end of the file -- triggers a forward
// byte-by-byte resynchronization scan for the next position that both
// looks like a valid header and carries a sequence number strictly
// greater than anything seen so far (the extra sequence check is what
// keeps the scan from locking onto garbage bytes that merely happen to
// decode to in-range lengths). If no such position exists before the
// file ends, recovery stops and returns successfully with the records
// read so far -- an unrecoverable tail is not a recovery failure.
func RecoverWAL(path string, memtable *Memtable) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read wal %q: %w", path, err)
	}

	var highest uint64
	offset := 0

	for offset+entryHeaderSize <= len(data) {
		keyLen, valueLen, timestamp, sequence := decodeEntryHeader(data[offset : offset+entryHeaderSize])
		bodyLen, ok := recordBodyLen(keyLen, valueLen)

		if ok && offset+entryHeaderSize+bodyLen <= len(data) {
			e := decodeEntryAt(data, offset, keyLen, valueLen, timestamp, sequence)
			if err := memtable.PutEntry(e); err != nil {
				return highest, fmt.Errorf("wal replay: %w", err)
			}
			if sequence > highest {
				highest = sequence
			}
			offset += entryHeaderSize + bodyLen
			continue
		}

		next := resyncOffset(data, offset+1, highest)
		if next < 0 {
			break
		}
		offset = next
	}

	return highest, nil
}

// resyncOffset scans data starting at from for the next byte position
// that decodes to a plausible header (lengths within limits, body fits
// in data, sequence strictly greater than highestSeen). Returns -1 if
// none is found before the end of data.
func resyncOffset(data []byte, from int, highestSeen uint64) int {
	for pos := from; pos+entryHeaderSize <= len(data); pos++ {
		keyLen, valueLen, _, sequence := decodeEntryHeader(data[pos : pos+entryHeaderSize])
		bodyLen, ok := recordBodyLen(keyLen, valueLen)
		if !ok || sequence <= highestSeen {
			continue
		}
		if pos+entryHeaderSize+bodyLen > len(data) {
			continue
		}
		return pos
	}
	return -1
}
