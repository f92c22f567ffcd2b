// Package delta encodes a changed chunk as a binary patch against the
// previous version of the same chunk slot. Content-defined chunking
// already confines an edit to one or two chunks; delta encoding shrinks
// what is left of those chunks when the old and new bytes still overlap
// heavily.
package delta

import (
	"fmt"
)

// Codec computes and applies binary patches between two chunk payloads.
type Codec interface {
	// Encode computes the patch that transforms base into target.
	Encode(base, target []byte) ([]byte, error)

	// Apply reconstructs the target from base plus a patch produced by
	// Encode.
	Apply(base, patch []byte) ([]byte, error)

	// Name returns the codec's identifier as stored in manifests.
	Name() string
}

// NewCodec selects a codec by name.
func NewCodec(name string) (Codec, error) {
	switch name {
	case "bsdiff":
		return NewBsdiffCodec(), nil
	case "xdelta":
		return nil, fmt.Errorf("delta: xdelta support not yet implemented")
	default:
		return nil, fmt.Errorf("delta: unsupported codec: %s (must be 'bsdiff' or 'xdelta')", name)
	}
}

// Worthwhile reports whether storing patch instead of the full target
// actually saves space. Patches carry their own framing overhead, so a
// patch nearly as large as the chunk itself is not worth the extra CAS
// object and restore step.
func Worthwhile(patch, target []byte) bool {
	if len(target) == 0 {
		return false
	}
	return len(patch)*2 < len(target)
}
