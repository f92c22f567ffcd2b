package chunk

import (
	"bytes"
	"testing"
)

func FuzzChunker(f *testing.F) {
	f.Add([]byte("content to be chunked into multiple pieces to verify re-assembly works correctly"), uint16(16), uint16(64))
	f.Add(make([]byte, 4096), uint16(128), uint16(512))

	f.Fuzz(func(t *testing.T, data []byte, min, max uint16) {
		c, err := New(data, int(min), int(max))
		if err != nil {
			// Invalid bound combinations are rejected at construction; not
			// a fuzzer finding.
			return
		}

		var reconstructed []byte
		for {
			chunk, ok := c.Next()
			if !ok {
				break
			}
			reconstructed = append(reconstructed, chunk...)
		}

		if !bytes.Equal(reconstructed, data) {
			t.Fatalf("reassembled chunks did not match input of length %d", len(data))
		}
	})
}
