package storage

import (
	"bytes"
	"path/filepath"
	"testing"
)

func buildTestSST(t *testing.T, dir, name string, entries []Entry) *SSTable {
	t.Helper()
	path := filepath.Join(dir, name)
	tbl, err := BuildSSTable(path, entries, CompressionNone)
	if err != nil {
		t.Fatalf("build %s: %s", name, err)
	}
	return tbl
}

func TestCompactMergesAndDropsTombstones(t *testing.T) {
	dir := t.TempDir()

	older := buildTestSST(t, dir, "sst_a.sst", []Entry{
		{Key: []byte("apple"), Value: []byte("red"), Sequence: 1},
		{Key: []byte("banana"), Value: []byte("yellow"), Sequence: 2},
		{Key: []byte("cherry"), Value: []byte("dark-red"), Sequence: 3},
	})
	newer := buildTestSST(t, dir, "sst_b.sst", []Entry{
		{Key: []byte("apple"), Value: []byte("green"), Sequence: 4},
		{Key: []byte("banana"), Tombstone: true, Sequence: 5},
	})
	defer older.Close()
	defer newer.Close()

	out, err := Compact(filepath.Join(dir, "sst_merged.sst"), []*SSTable{older, newer}, CompressionNone)
	if err != nil {
		t.Fatalf("compact: %s", err)
	}
	defer out.Close()

	if out.EntryCount() != 2 {
		t.Fatalf("expected 2 surviving entries, got %d", out.EntryCount())
	}

	got, err := out.Get([]byte("apple"))
	if err != nil || !got.Found || got.Tombstone || !bytes.Equal(got.Value, []byte("green")) {
		t.Fatalf("expected apple=green (newest version), got %+v err=%v", got, err)
	}

	got, err = out.Get([]byte("banana"))
	if err != nil || got.Found {
		t.Fatalf("expected banana to be gone entirely (tombstone shadows oldest live version), got %+v err=%v", got, err)
	}

	got, err = out.Get([]byte("cherry"))
	if err != nil || !got.Found || !bytes.Equal(got.Value, []byte("dark-red")) {
		t.Fatalf("expected cherry to survive unchanged, got %+v err=%v", got, err)
	}
}

func TestCompactRejectsNoInputs(t *testing.T) {
	dir := t.TempDir()
	if _, err := Compact(filepath.Join(dir, "out.sst"), nil, CompressionNone); err != ErrCompactionNoInputs {
		t.Fatalf("expected ErrCompactionNoInputs, got %v", err)
	}
}

func TestCompactRejectsEmptySurvivorSet(t *testing.T) {
	dir := t.TempDir()

	only := buildTestSST(t, dir, "sst_only.sst", []Entry{
		{Key: []byte("a"), Tombstone: true, Sequence: 1},
	})
	defer only.Close()

	_, err := Compact(filepath.Join(dir, "out.sst"), []*SSTable{only}, CompressionNone)
	if err != ErrCompactionEmpty {
		t.Fatalf("expected ErrCompactionEmpty, got %v", err)
	}
}

func TestCompactOutputKeysStrictlyIncreasing(t *testing.T) {
	dir := t.TempDir()

	a := buildTestSST(t, dir, "sst_x.sst", []Entry{
		{Key: []byte("m"), Value: []byte("1"), Sequence: 1},
		{Key: []byte("z"), Value: []byte("2"), Sequence: 2},
	})
	b := buildTestSST(t, dir, "sst_y.sst", []Entry{
		{Key: []byte("a"), Value: []byte("3"), Sequence: 3},
		{Key: []byte("n"), Value: []byte("4"), Sequence: 4},
	})
	defer a.Close()
	defer b.Close()

	out, err := Compact(filepath.Join(dir, "sst_z.sst"), []*SSTable{a, b}, CompressionNone)
	if err != nil {
		t.Fatalf("compact: %s", err)
	}
	defer out.Close()

	if out.EntryCount() != 4 {
		t.Fatalf("expected 4 surviving entries, got %d", out.EntryCount())
	}
	for _, k := range []string{"a", "m", "n", "z"} {
		got, err := out.Get([]byte(k))
		if err != nil || !got.Found {
			t.Fatalf("expected %q to survive, got %+v err=%v", k, got, err)
		}
	}
}
