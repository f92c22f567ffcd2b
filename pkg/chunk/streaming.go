package chunk

import (
	"crypto/sha256"
	"errors"
	"io"

	"github.com/duskvale/rabinvault/internal/chunk"
)

// Params controls the content-defined chunker. Only the size bounds
// influence boundary selection: the underlying engine pins its window at
// 16 bytes and its boundary masks at 11/10 bits so that two callers with
// the same (MinSize, MaxSize) always agree on chunk boundaries, which is
// the bit-exact compatibility contract cross-vault dedup depends on.
type Params struct {
	MinSize int // Minimum chunk size in bytes
	MaxSize int // Hard maximum chunk size in bytes
}

// RabinChunker adapts internal/chunk's content-defined chunker to a
// byte-stream reader interface. Since the underlying engine operates on
// an in-memory buffer rather than a stream, the reader is drained in
// full on the first call to Next.
type RabinChunker struct {
	r      io.Reader
	params Params
	engine *chunk.Chunker
	err    error
	offset uint64
}

// NewRabinChunker builds a chunker that reads all of r on first use and
// segments it with internal/chunk's Rabin fingerprint engine.
func NewRabinChunker(r io.Reader, params Params) *RabinChunker {
	return &RabinChunker{r: r, params: params.normalize()}
}

func (c *RabinChunker) ensureEngine() error {
	if c.engine != nil || c.err != nil {
		return c.err
	}
	data, err := io.ReadAll(c.r)
	if err != nil {
		c.err = err
		return err
	}
	engine, err := chunk.New(data, c.params.MinSize, c.params.MaxSize)
	if err != nil {
		c.err = err
		return err
	}
	c.engine = engine
	return nil
}

// Next returns the next content-defined chunk or io.EOF when complete.
func (c *RabinChunker) Next() (Chunk, error) {
	if c == nil {
		return Chunk{}, errors.New("chunker not initialized")
	}
	if err := c.ensureEngine(); err != nil {
		return Chunk{}, err
	}

	data, ok := c.engine.Next()
	if !ok {
		return Chunk{}, io.EOF
	}

	sum := sha256.Sum256(data)
	ref := ChunkRef{
		Hash:   sum,
		Offset: c.offset,
		Length: uint32(len(data)),
	}
	c.offset += uint64(len(data))

	return Chunk{Ref: ref, Data: data}, nil
}

// normalize ensures sane defaults and bounds for chunking parameters,
// falling back to the package defaults tuned for ~4KiB average chunks.
func (p Params) normalize() Params {
	if p.MinSize <= 0 {
		p.MinSize = chunk.DefaultMinSize
	}
	if p.MaxSize <= 0 {
		p.MaxSize = chunk.DefaultMaxSize
	}
	if p.MinSize > p.MaxSize {
		p.MaxSize = p.MinSize
	}
	return p
}
