package storage

import (
	"bytes"
	"fmt"
	"sort"
)

// taggedEntry carries a compaction source entry alongside the index of
// the input table it came from, for diagnostics only -- it plays no
// role in the merge decision itself.
type taggedEntry struct {
	entry  Entry
	source int
}

// Compact merges inputs (oldest first) into a single new SST at path.
// Only the entry with the highest sequence number survives per key;
// surviving tombstones are dropped, since a v0.1 compaction always
// covers the full live set for every key it touches, so there is
// nothing older left for a tombstone to shadow. Compact rejects an
// empty input list and a survivor set that ends up empty.
func Compact(path string, inputs []*SSTable, compression CompressionType) (*SSTable, error) {
	if len(inputs) == 0 {
		return nil, ErrCompactionNoInputs
	}

	var tagged []taggedEntry
	for i, tbl := range inputs {
		entries, err := tbl.AllEntries()
		if err != nil {
			return nil, fmt.Errorf("read compaction input %d: %w", i, err)
		}
		for _, e := range entries {
			tagged = append(tagged, taggedEntry{entry: e, source: i})
		}
	}

	sort.SliceStable(tagged, func(i, j int) bool {
		if c := bytes.Compare(tagged[i].entry.Key, tagged[j].entry.Key); c != 0 {
			return c < 0
		}
		return tagged[i].entry.Sequence > tagged[j].entry.Sequence
	})

	survivors := make([]Entry, 0, len(tagged))
	var lastKey []byte
	haveLast := false
	for _, te := range tagged {
		if haveLast && bytes.Equal(te.entry.Key, lastKey) {
			continue // a later (higher-sequence) version of this key already survived
		}
		haveLast = true
		lastKey = te.entry.Key
		if te.entry.Tombstone {
			continue // nothing older remains for this tombstone to shadow
		}
		survivors = append(survivors, te.entry)
	}

	if len(survivors) == 0 {
		return nil, ErrCompactionEmpty
	}

	return BuildSSTable(path, survivors, compression)
}
