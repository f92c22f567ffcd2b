package chunk

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"io"
	"math/rand"
	"testing"
)

func drain(t *testing.T, c Chunker) []Chunk {
	t.Helper()
	var chunks []Chunk
	for {
		ch, err := c.Next()
		if errors.Is(err, io.EOF) {
			return chunks
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		chunks = append(chunks, ch)
	}
}

func TestFixedChunker(t *testing.T) {
	tests := []struct {
		name           string
		data           []byte
		size           int
		expectedChunks int
	}{
		{
			name:           "empty input",
			data:           []byte{},
			size:           100,
			expectedChunks: 0,
		},
		{
			name:           "input smaller than chunk size",
			data:           []byte("hello"),
			size:           100,
			expectedChunks: 1,
		},
		{
			name:           "input exactly chunk size",
			data:           bytes.Repeat([]byte("A"), 100),
			size:           100,
			expectedChunks: 1,
		},
		{
			name:           "input larger than chunk size",
			data:           bytes.Repeat([]byte("A"), 250),
			size:           100,
			expectedChunks: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := drain(t, NewFixedChunker(bytes.NewReader(tt.data), tt.size))

			if len(chunks) != tt.expectedChunks {
				t.Fatalf("got %d chunks, want %d", len(chunks), tt.expectedChunks)
			}

			var payloads [][]byte
			var offset uint64
			for i, ch := range chunks {
				if ch.Ref.Offset != offset {
					t.Errorf("chunk %d offset = %d, want %d", i, ch.Ref.Offset, offset)
				}
				if int(ch.Ref.Length) != len(ch.Data) {
					t.Errorf("chunk %d length = %d, want %d", i, ch.Ref.Length, len(ch.Data))
				}
				if want := sha256.Sum256(ch.Data); ch.Ref.Hash != want {
					t.Errorf("chunk %d hash doesn't match its data", i)
				}
				if i < len(chunks)-1 && len(ch.Data) != tt.size {
					t.Errorf("non-final chunk %d has %d bytes, want %d", i, len(ch.Data), tt.size)
				}
				offset += uint64(len(ch.Data))
				payloads = append(payloads, ch.Data)
			}

			if !bytes.Equal(Reassemble(payloads), tt.data) {
				t.Error("reassembled data doesn't match original")
			}
		})
	}
}

func TestFixedChunkerRejectsInvalidSize(t *testing.T) {
	c := NewFixedChunker(bytes.NewReader([]byte("data")), 0)
	if _, err := c.Next(); err == nil {
		t.Fatal("expected error for zero chunk size")
	}
}

func TestSplitFixed(t *testing.T) {
	if got := SplitFixed([]byte{}, 100); len(got) != 0 {
		t.Errorf("SplitFixed(empty) returned %d chunks, want 0", len(got))
	}
	if got := SplitFixed([]byte("hello"), -1); len(got) != 1 {
		t.Errorf("SplitFixed with invalid size returned %d chunks, want 1", len(got))
	}
	got := SplitFixed(bytes.Repeat([]byte("A"), 250), 100)
	if len(got) != 3 {
		t.Fatalf("SplitFixed returned %d chunks, want 3", len(got))
	}
	if len(got[2]) != 50 {
		t.Errorf("final chunk has %d bytes, want 50", len(got[2]))
	}
}

func TestRabinChunkerCoversInput(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	data := make([]byte, 256*1024)
	rng.Read(data)

	params := Params{MinSize: 1856, MaxSize: 11300}
	chunks := drain(t, NewRabinChunker(bytes.NewReader(data), params))

	var payloads [][]byte
	var offset uint64
	for i, ch := range chunks {
		if ch.Ref.Offset != offset {
			t.Fatalf("chunk %d offset = %d, want %d", i, ch.Ref.Offset, offset)
		}
		if i < len(chunks)-1 {
			if int(ch.Ref.Length) < params.MinSize || int(ch.Ref.Length) > params.MaxSize {
				t.Errorf("chunk %d length %d outside [%d, %d]", i, ch.Ref.Length, params.MinSize, params.MaxSize)
			}
		}
		if want := sha256.Sum256(ch.Data); ch.Ref.Hash != want {
			t.Errorf("chunk %d hash doesn't match its data", i)
		}
		offset += uint64(len(ch.Data))
		payloads = append(payloads, ch.Data)
	}

	if !bytes.Equal(Reassemble(payloads), data) {
		t.Error("reassembled data doesn't match original")
	}
}

func TestRabinChunkerDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	data := make([]byte, 128*1024)
	rng.Read(data)

	params := Params{MinSize: 1856, MaxSize: 11300}
	first := drain(t, NewRabinChunker(bytes.NewReader(data), params))
	second := drain(t, NewRabinChunker(bytes.NewReader(data), params))

	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Ref != second[i].Ref {
			t.Fatalf("chunk %d refs differ between runs", i)
		}
	}
}

func TestParamsNormalize(t *testing.T) {
	p := Params{}.normalize()
	if p.MinSize != 1856 || p.MaxSize != 11300 {
		t.Errorf("normalize() defaults = (%d, %d), want (1856, 11300)", p.MinSize, p.MaxSize)
	}

	p = Params{MinSize: 8192, MaxSize: 4096}.normalize()
	if p.MaxSize < p.MinSize {
		t.Errorf("normalize() left max %d below min %d", p.MaxSize, p.MinSize)
	}
}

func BenchmarkRabinChunker_1MB(b *testing.B) {
	rng := rand.New(rand.NewSource(3))
	data := make([]byte, 1024*1024)
	rng.Read(data)

	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c := NewRabinChunker(bytes.NewReader(data), Params{})
		for {
			if _, err := c.Next(); err != nil {
				break
			}
		}
	}
}

func BenchmarkFixedChunker_1MB(b *testing.B) {
	rng := rand.New(rand.NewSource(5))
	data := make([]byte, 1024*1024)
	rng.Read(data)

	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c := NewFixedChunker(bytes.NewReader(data), 4096)
		for {
			if _, err := c.Next(); err != nil {
				break
			}
		}
	}
}
