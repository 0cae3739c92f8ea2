package storage

import (
	"fmt"
	"sync/atomic"
	"time"
)

// fileIDCounter disambiguates file IDs minted within the same
// millisecond, so that two IDs minted back-to-back still sort in
// creation order.
var fileIDCounter uint32

// NewFileID returns a 16-hex-digit identifier combining the current
// millisecond timestamp (high 44 bits) with a process-local counter
// (low 20 bits). IDs minted by this process are strictly increasing,
// and lexicographic order on the hex string matches creation order --
// the property the engine relies on to reconstruct "newest SST last"
// from nothing but a directory listing after a restart.
func NewFileID() string {
	millis := uint64(time.Now().UnixMilli()) & 0xFFFFFFFFFFF // 44 bits
	seq := uint64(atomic.AddUint32(&fileIDCounter, 1)) & 0xFFFFF // 20 bits
	id := (millis << 20) | seq
	return fmt.Sprintf("%016x", id)
}
