// Command edit-loop is a demo workload for rabinvault: it writes a large
// state file, then keeps making small localized edits to it. Wrapped with
// `rabinvault --state-dir=<dir> -- edit-loop <dir>`, the stats subcommand
// shows almost every chunk deduplicating between versions.
package main

import (
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"
)

func main() {
	dir := "."
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}
	target := filepath.Join(dir, "state.dat")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	data := make([]byte, 4<<20)
	rng.Read(data)

	if err := os.WriteFile(target, data, 0o644); err != nil {
		log.Fatalf("initial write failed: %v", err)
	}
	log.Printf("wrote %d MB baseline to %s", len(data)>>20, target)

	for i := 1; ; i++ {
		time.Sleep(2 * time.Second)

		// Flip a handful of bytes at one random location, the access
		// pattern content-defined chunking handles best.
		off := rng.Intn(len(data) - 64)
		rng.Read(data[off : off+64])

		if err := os.WriteFile(target, data, 0o644); err != nil {
			log.Fatalf("edit %d failed: %v", i, err)
		}
		log.Printf("edit %d: rewrote 64 bytes at offset %d", i, off)
	}
}
