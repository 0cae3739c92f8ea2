package storage

import "testing"

func TestBloomFilter(t *testing.T) {
	t.Run("contains added keys", func(t *testing.T) {
		f := newBloomFilter(2)
		f.add([]byte("key1"))
		f.add([]byte("key2"))

		if !f.mayContain([]byte("key1")) {
			t.Fatal("expected key1 to be present")
		}
		if !f.mayContain([]byte("key2")) {
			t.Fatal("expected key2 to be present")
		}
	})

	t.Run("round trips through serialized bytes", func(t *testing.T) {
		f := newBloomFilter(10)
		keys := [][]byte{[]byte("apple"), []byte("banana"), []byte("cherry")}
		for _, k := range keys {
			f.add(k)
		}

		raw := f.bytes()
		if len(raw) != f.byteLen() {
			t.Fatalf("expected %d bytes, got %d", f.byteLen(), len(raw))
		}

		reconstructed := bloomFilterFromBits(raw, f.nbits)
		for _, k := range keys {
			if !reconstructed.mayContain(k) {
				t.Fatalf("expected reconstructed filter to contain %q", k)
			}
		}
	})

	t.Run("small n still allocates at least one bit", func(t *testing.T) {
		f := newBloomFilter(0)
		if f.nbits != 1 {
			t.Fatalf("expected 1 bit for zero entries, got %d", f.nbits)
		}
	})
}
