// Package bench holds cross-package benchmarks for the capture hot path:
// rolling hash ingestion, chunk boundary selection, and the event
// dispatch styles of the two monitoring backends.
package bench

import (
	"math/rand"
	"testing"
	"time"

	"github.com/duskvale/rabinvault/internal/chunk"
	"github.com/duskvale/rabinvault/internal/rolling"
)

func randomBuffer(n int, seed int64) []byte {
	rng := rand.New(rand.NewSource(seed))
	buf := make([]byte, n)
	rng.Read(buf)
	return buf
}

func BenchmarkRollingHashByte(b *testing.B) {
	data := randomBuffer(1<<20, 1)
	h := rolling.New()

	b.SetBytes(int64(len(data)))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for _, c := range data {
			h.HashByte(c)
		}
	}
}

func BenchmarkChunkerRandomData(b *testing.B) {
	data := randomBuffer(8<<20, 2)

	b.SetBytes(int64(len(data)))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		chunker, err := chunk.NewDefault(data)
		if err != nil {
			b.Fatal(err)
		}
		n := 0
		for {
			c, ok := chunker.Next()
			if !ok {
				break
			}
			n += len(c)
		}
		if n != len(data) {
			b.Fatalf("chunker covered %d of %d bytes", n, len(data))
		}
	}
}

func BenchmarkChunkerZeroData(b *testing.B) {
	// All-zero input never matches a boundary mask, so every chunk runs
	// to the maximum size: this measures the scan loop with no cut hits.
	data := make([]byte, 8<<20)

	b.SetBytes(int64(len(data)))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		chunker, err := chunk.NewDefault(data)
		if err != nil {
			b.Fatal(err)
		}
		for {
			if _, ok := chunker.Next(); !ok {
				break
			}
		}
	}
}

// benchmarkEventPipeline approximates the dispatch cost difference
// between the eBPF ring-buffer path and fsnotify's per-event delivery by
// draining a buffered channel of synthetic write events.
func benchmarkEventPipeline(b *testing.B, buffer int, processing time.Duration) {
	events := make(chan struct{}, buffer)
	go func() {
		for i := 0; i < b.N; i++ {
			events <- struct{}{}
		}
		close(events)
	}()

	start := time.Now()
	for range events {
		if processing > 0 {
			time.Sleep(processing)
		}
	}
	elapsed := time.Since(start)
	if elapsed == 0 {
		elapsed = time.Nanosecond
	}
	b.ReportMetric(float64(b.N)/elapsed.Seconds(), "events/sec")
}

func BenchmarkEBPFRingBuffer(b *testing.B) {
	b.ReportAllocs()
	benchmarkEventPipeline(b, 4096, 5*time.Microsecond)
}

func BenchmarkFSNotifyWatcher(b *testing.B) {
	b.ReportAllocs()
	benchmarkEventPipeline(b, 64, 40*time.Microsecond)
}
