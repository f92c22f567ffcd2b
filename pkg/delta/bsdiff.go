package delta

import (
	"fmt"

	"github.com/gabstv/go-bsdiff/pkg/bsdiff"
	"github.com/gabstv/go-bsdiff/pkg/bspatch"
)

// BsdiffCodec implements Codec using the bsdiff suffix-sorting algorithm.
type BsdiffCodec struct{}

// NewBsdiffCodec creates a bsdiff-backed codec.
func NewBsdiffCodec() *BsdiffCodec {
	return &BsdiffCodec{}
}

// Name returns the codec identifier.
func (c *BsdiffCodec) Name() string {
	return "bsdiff"
}

// Encode computes a bsdiff patch from base to target. An empty base has
// nothing to diff against, so the target bytes are returned as-is;
// Worthwhile rejects that case before anything stores it as a delta.
func (c *BsdiffCodec) Encode(base, target []byte) ([]byte, error) {
	if len(base) == 0 {
		return target, nil
	}

	patch, err := bsdiff.Bytes(base, target)
	if err != nil {
		return nil, fmt.Errorf("delta: bsdiff encode: %w", err)
	}
	return patch, nil
}

// Apply reconstructs the target chunk from base plus patch.
func (c *BsdiffCodec) Apply(base, patch []byte) ([]byte, error) {
	if len(base) == 0 {
		return patch, nil
	}

	target, err := bspatch.Bytes(base, patch)
	if err != nil {
		return nil, fmt.Errorf("delta: bspatch apply: %w", err)
	}
	return target, nil
}
