package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/kushaljain0/rustedgedb/storage"
)

// rustedgedb-demo is a minimal exerciser for the storage engine, not a
// real CLI (that's out of scope for this package): open a data
// directory, apply a few mutations, print what comes back.
func main() {
	dataDir := flag.String("dir", "", "data directory (required)")
	flag.Parse()
	if *dataDir == "" {
		fmt.Fprintln(os.Stderr, "usage: rustedgedb-demo -dir <path>")
		os.Exit(2)
	}

	e, err := storage.Open(storage.DefaultConfig(*dataDir))
	if err != nil {
		panic(err)
	}
	defer e.Close()

	if err := e.Put([]byte("hello"), []byte("world")); err != nil {
		panic(err)
	}
	if err := e.ForceFlush(); err != nil {
		panic(err)
	}

	got, err := e.Get([]byte("hello"))
	if err != nil {
		panic(err)
	}
	fmt.Printf("hello -> found=%t tombstone=%t value=%q\n", got.Found, got.Tombstone, got.Value)
}
