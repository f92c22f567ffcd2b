// Package chunk implements content-defined chunking over an in-memory
// byte buffer using a Rabin rolling hash to pick break points.
package chunk

import (
	"errors"

	"github.com/duskvale/rabinvault/internal/rolling"
)

// Two bitmasks let a 64-bit hash be tested for a run of low '1' bits using
// a single AND instead of a mod, which requires the divisor to be a power
// of two. Primary checks for 11 bits (~1-in-2048 average chunk density),
// secondary for 10 bits (~1-in-1024), used as a fallback when no primary
// boundary turns up before the max chunk size.
const (
	primaryBitmask   uint64 = 0x7FF // 2^11 - 1
	secondaryBitmask uint64 = 0x3FF // 2^10 - 1
)

// Default bounds, tuned for the deduplication workloads this package is
// built for (see manifest/vault callers for how they're threaded through).
const (
	DefaultMinSize = 1856
	DefaultMaxSize = 11300
)

// Chunker splits a byte slice into content-defined chunks, each between
// min and max bytes (except possibly the final chunk, and any input
// shorter than min, which is returned whole).
type Chunker struct {
	hasher *rolling.Hash
	mem    []byte
	min    int
	max    int
}

// New constructs a Chunker over mem with the given bounds. min must be
// greater than zero and no greater than max.
func New(mem []byte, min, max int) (*Chunker, error) {
	if min <= 0 {
		return nil, errors.New("chunk: min must be greater than zero")
	}
	if min > max {
		return nil, errors.New("chunk: min must not exceed max")
	}
	return &Chunker{
		hasher: rolling.New(),
		mem:    mem,
		min:    min,
		max:    max,
	}, nil
}

// NewDefault constructs a Chunker using DefaultMinSize/DefaultMaxSize.
func NewDefault(mem []byte) (*Chunker, error) {
	return New(mem, DefaultMinSize, DefaultMaxSize)
}

func (c *Chunker) popFront(n int) []byte {
	chunk := c.mem[:n]
	c.mem = c.mem[n:]
	return chunk
}

// Next returns the next chunk and true, or nil and false once the input
// is exhausted.
func (c *Chunker) Next() ([]byte, bool) {
	length := len(c.mem)
	if length == 0 {
		return nil, false
	}

	if length < c.min {
		chunk := c.mem
		c.mem = c.mem[:0]
		return chunk, true
	}

	c.hasher.Reset()
	c.hasher.HashBytes(c.mem[:c.min])

	secondary := 0
	max := c.max
	if max > length {
		max = length
	}
	for i := c.min; i < max; i++ {
		c.hasher.HashByte(c.mem[i])
		h := c.hasher.Sum()

		if h&primaryBitmask == primaryBitmask {
			return c.popFront(i), true
		}
		if h&secondaryBitmask == secondaryBitmask {
			secondary = i
		}
	}

	if secondary == 0 {
		secondary = c.max
	}
	if secondary > length {
		secondary = length
	}
	return c.popFront(secondary), true
}

// All drains the chunker into a slice of chunks, for callers that don't
// need the streaming Next() form.
func (c *Chunker) All() [][]byte {
	var chunks [][]byte
	for {
		chunk, ok := c.Next()
		if !ok {
			return chunks
		}
		chunks = append(chunks, chunk)
	}
}
