// Package digest computes content identifiers for chunks: full
// cryptographic hashes for content-addressed storage keys, and truncated
// variants for callers that want a smaller identity at the cost of a
// higher (but still statistically negligible) collision rate.
package digest

import (
	"crypto/sha256"

	"golang.org/x/crypto/sha3"
)

// SHA256 returns the full SHA-256 digest of chunk.
func SHA256(chunk []byte) [32]byte {
	return sha256.Sum256(chunk)
}

// Truncated identity sizes, named after the number of bits they retain.
const (
	Size112 = 14
	Size128 = 16
	Size144 = 18
	Size160 = 20
)

// Truncate256 hashes chunk with SHA3-256 and returns the first n bytes of
// the digest. n must be one of the Size constants above; any other value
// from 0 to 32 still truncates, and a value outside that range panics.
func Truncate256(chunk []byte, n int) []byte {
	sum := sha3.Sum256(chunk)
	out := make([]byte, n)
	copy(out, sum[:n])
	return out
}

// Chunk112/128/144/160 are convenience wrappers around Truncate256 for the
// four identity widths this system supports.
func Chunk112(chunk []byte) [Size112]byte {
	var out [Size112]byte
	copy(out[:], Truncate256(chunk, Size112))
	return out
}

func Chunk128(chunk []byte) [Size128]byte {
	var out [Size128]byte
	copy(out[:], Truncate256(chunk, Size128))
	return out
}

func Chunk144(chunk []byte) [Size144]byte {
	var out [Size144]byte
	copy(out[:], Truncate256(chunk, Size144))
	return out
}

func Chunk160(chunk []byte) [Size160]byte {
	var out [Size160]byte
	copy(out[:], Truncate256(chunk, Size160))
	return out
}
