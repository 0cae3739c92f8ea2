package storage

import "github.com/golang/snappy"

// CompressionType identifies the codec used for the value bytes within
// each SST data entry. Only values are compressed -- entry headers and
// keys stay uncompressed so an entry's on-disk size is still knowable
// from its header alone, and the index's per-entry relative offsets
// keep pointing at the right byte regardless of codec.
type CompressionType uint8

const (
	// CompressionNone stores values as-is. The only codec
	// §1 requires every implementation to support.
	CompressionNone CompressionType = 0
	// CompressionSnappy compresses each entry's value with Snappy.
	CompressionSnappy CompressionType = 1
)

// compressor encodes and decodes the value bytes of one SST data entry.
type compressor interface {
	compress(src []byte) []byte
	decompress(src []byte) ([]byte, error)
}

type noneCompressor struct{}

func (noneCompressor) compress(src []byte) []byte            { return src }
func (noneCompressor) decompress(src []byte) ([]byte, error) { return src, nil }

type snappyCompressor struct{}

func (snappyCompressor) compress(src []byte) []byte {
	return snappy.Encode(nil, src)
}

func (snappyCompressor) decompress(src []byte) ([]byte, error) {
	return snappy.Decode(nil, src)
}

// compressorFor resolves a CompressionType to its compressor.
func compressorFor(t CompressionType) (compressor, error) {
	switch t {
	case CompressionNone:
		return noneCompressor{}, nil
	case CompressionSnappy:
		return snappyCompressor{}, nil
	default:
		return nil, ErrUnknownCompression
	}
}
