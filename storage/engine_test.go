package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func mustOpen(t *testing.T, dir string) *Engine {
	t.Helper()
	e, err := Open(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("open: %s", err)
	}
	return e
}

func mustGet(t *testing.T, e *Engine, key string) Lookup {
	t.Helper()
	got, err := e.Get([]byte(key))
	if err != nil {
		t.Fatalf("get %q: %s", key, err)
	}
	return got
}

func assertValue(t *testing.T, got Lookup, want string) {
	t.Helper()
	if !got.Found || got.Tombstone || !bytes.Equal(got.Value, []byte(want)) {
		t.Fatalf("expected %q, got %+v", want, got)
	}
}

func assertMissing(t *testing.T, got Lookup) {
	t.Helper()
	if got.Found && !got.Tombstone {
		t.Fatalf("expected missing, got %+v", got)
	}
}

// TestEnginePersistenceAcrossRestart is scenario E1.
func TestEnginePersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	e := mustOpen(t, dir)
	if err := e.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("put a: %s", err)
	}
	if err := e.Put([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("put b: %s", err)
	}
	if err := e.Delete([]byte("a")); err != nil {
		t.Fatalf("delete a: %s", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("close: %s", err)
	}

	e2 := mustOpen(t, dir)
	defer e2.Close()
	assertMissing(t, mustGet(t, e2, "a"))
	assertValue(t, mustGet(t, e2, "b"), "2")
}

// TestEngineForcedFlushThenReadFromSST is scenario E2.
func TestEngineForcedFlushThenReadFromSST(t *testing.T) {
	dir := t.TempDir()
	e := mustOpen(t, dir)
	defer e.Close()

	if err := e.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("put: %s", err)
	}
	if err := e.ForceFlush(); err != nil {
		t.Fatalf("force flush: %s", err)
	}
	assertValue(t, mustGet(t, e, "k"), "v")

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %s", err)
	}
	var sstCount, walCount int
	for _, de := range entries {
		switch {
		case strings.HasPrefix(de.Name(), sstPrefix):
			sstCount++
		case strings.HasPrefix(de.Name(), walPrefix):
			walCount++
		}
	}
	if sstCount != 1 {
		t.Fatalf("expected 1 sstable, got %d", sstCount)
	}
	if walCount != 1 {
		t.Fatalf("expected 1 (fresh) wal, got %d", walCount)
	}
}

// TestEngineNewestWinsAcrossSSTs is scenario E3.
func TestEngineNewestWinsAcrossSSTs(t *testing.T) {
	dir := t.TempDir()
	e := mustOpen(t, dir)
	defer e.Close()

	if err := e.Put([]byte("x"), []byte("1")); err != nil {
		t.Fatalf("put 1: %s", err)
	}
	if err := e.ForceFlush(); err != nil {
		t.Fatalf("flush 1: %s", err)
	}
	if err := e.Put([]byte("x"), []byte("2")); err != nil {
		t.Fatalf("put 2: %s", err)
	}
	if err := e.ForceFlush(); err != nil {
		t.Fatalf("flush 2: %s", err)
	}
	assertValue(t, mustGet(t, e, "x"), "2")
}

// TestEngineDeleteShadowsOlderSST is scenario E4.
func TestEngineDeleteShadowsOlderSST(t *testing.T) {
	dir := t.TempDir()
	e := mustOpen(t, dir)
	defer e.Close()

	if err := e.Put([]byte("x"), []byte("1")); err != nil {
		t.Fatalf("put: %s", err)
	}
	if err := e.ForceFlush(); err != nil {
		t.Fatalf("flush 1: %s", err)
	}
	if err := e.Delete([]byte("x")); err != nil {
		t.Fatalf("delete: %s", err)
	}
	if err := e.ForceFlush(); err != nil {
		t.Fatalf("flush 2: %s", err)
	}
	assertMissing(t, mustGet(t, e, "x"))
}

func TestEngineRejectsEmptyKey(t *testing.T) {
	dir := t.TempDir()
	e := mustOpen(t, dir)
	defer e.Close()

	if err := e.Put(nil, []byte("v")); err != ErrKeyEmpty {
		t.Fatalf("expected ErrKeyEmpty, got %v", err)
	}
}

func TestEngineFlushesWhenMemtableFull(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.MemtableSize = 64 // small enough that a couple of puts overflow it
	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %s", err)
	}
	defer e.Close()

	for i := 0; i < 10; i++ {
		k := []byte{byte('a' + i)}
		if err := e.Put(k, []byte("value")); err != nil {
			t.Fatalf("put %d: %s", i, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %s", err)
	}
	var sstCount int
	for _, de := range entries {
		if strings.HasPrefix(de.Name(), sstPrefix) {
			sstCount++
		}
	}
	if sstCount == 0 {
		t.Fatal("expected at least one sstable from automatic flushing")
	}

	for i := 0; i < 10; i++ {
		k := []byte{byte('a' + i)}
		assertValue(t, mustGet(t, e, string(k)), "value")
	}
}

func TestEngineCompactReducesLiveSSTCount(t *testing.T) {
	dir := t.TempDir()
	e := mustOpen(t, dir)
	defer e.Close()

	if err := e.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %s", err)
	}
	if err := e.ForceFlush(); err != nil {
		t.Fatalf("flush: %s", err)
	}
	if err := e.Put([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("put: %s", err)
	}
	if err := e.ForceFlush(); err != nil {
		t.Fatalf("flush: %s", err)
	}

	if err := e.Compact(); err != nil {
		t.Fatalf("compact: %s", err)
	}

	e.sstMu.RLock()
	liveCount := len(e.ssts)
	e.sstMu.RUnlock()
	if liveCount != 1 {
		t.Fatalf("expected 1 live sstable after compaction, got %d", liveCount)
	}

	assertValue(t, mustGet(t, e, "a"), "1")
	assertValue(t, mustGet(t, e, "b"), "2")
}

func TestEngineForceFlushOnEmptyMemtableIsNoOp(t *testing.T) {
	dir := t.TempDir()
	e := mustOpen(t, dir)
	defer e.Close()

	if err := e.ForceFlush(); err != nil {
		t.Fatalf("force flush on empty memtable: %s", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %s", err)
	}
	for _, de := range entries {
		if strings.HasPrefix(de.Name(), sstPrefix) {
			t.Fatalf("expected no sstable from flushing an empty memtable, found %s", de.Name())
		}
	}
}

func TestEngineDataDirIsCreatedIfAbsent(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "nested", "data")

	e, err := Open(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("open: %s", err)
	}
	defer e.Close()

	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected data dir to be created: %s", err)
	}
}
