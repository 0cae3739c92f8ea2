package storage

import (
	"encoding/binary"
	"io"
)

// entryHeaderSize is the size, in bytes, of the fixed-width header that
// precedes every entry's key (and value, when present) in both the WAL
// and an SST's data section. The two formats share this exact layout.
const entryHeaderSize = 24

// encodeEntryHeader writes key_len/value_len/timestamp/sequence in the
// 24-byte layout shared by WAL records and SST data entries.
// value_len is tombstoneLen when the entry is a deletion.
func encodeEntryHeader(buf []byte, keyLen, valueLen uint32, timestamp, sequence uint64) {
	binary.LittleEndian.PutUint32(buf[0:4], keyLen)
	binary.LittleEndian.PutUint32(buf[4:8], valueLen)
	binary.LittleEndian.PutUint64(buf[8:16], timestamp)
	binary.LittleEndian.PutUint64(buf[16:24], sequence)
}

// decodeEntryHeader parses a 24-byte header previously written by
// encodeEntryHeader.
func decodeEntryHeader(buf []byte) (keyLen, valueLen uint32, timestamp, sequence uint64) {
	keyLen = binary.LittleEndian.Uint32(buf[0:4])
	valueLen = binary.LittleEndian.Uint32(buf[4:8])
	timestamp = binary.LittleEndian.Uint64(buf[8:16])
	sequence = binary.LittleEndian.Uint64(buf[16:24])
	return
}

// writeEntry serializes e in the shared header+key+value wire format to w.
func writeEntry(w io.Writer, e Entry) error {
	valueLen := uint32(len(e.Value))
	if e.Tombstone {
		valueLen = tombstoneLen
	}

	var header [entryHeaderSize]byte
	encodeEntryHeader(header[:], uint32(len(e.Key)), valueLen, e.Timestamp, e.Sequence)

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.Write(e.Key); err != nil {
		return err
	}
	if !e.Tombstone {
		if _, err := w.Write(e.Value); err != nil {
			return err
		}
	}
	return nil
}

// readEntry reads one header+key+value record from r. io.EOF is
// returned (unwrapped) when r is exhausted exactly at a record
// boundary; any other failure to fill the header or body is reported
// via ErrWALCorrupt-style handling by the caller, which readEntry
// signals by returning io.ErrUnexpectedEOF or the validation error.
func readEntry(r io.Reader) (Entry, error) {
	var header [entryHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Entry{}, err
	}

	keyLen, valueLen, timestamp, sequence := decodeEntryHeader(header[:])

	if keyLen == 0 || keyLen > MaxKeySize {
		return Entry{}, ErrWALCorrupt
	}
	if valueLen != tombstoneLen && valueLen > MaxValueSize {
		return Entry{}, ErrWALCorrupt
	}

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Entry{}, err
	}

	e := Entry{
		Key:       key,
		Timestamp: timestamp,
		Sequence:  sequence,
	}
	if valueLen == tombstoneLen {
		e.Tombstone = true
	} else {
		value := make([]byte, valueLen)
		if _, err := io.ReadFull(r, value); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return Entry{}, err
		}
		e.Value = value
	}
	return e, nil
}
