package rolling

// Hash keeps track of the bytes that have recently been added so the push
// and pop tables work correctly as bytes are added (which pushes the
// oldest byte off the back of the window).
//
// Hashing the same WindowSize bytes always produces the same value
// (deterministic), and hashing close to random data produces output that
// looks uniformly random over its 64 bits — useful for picking
// content-defined cut points without leaking information about the data.
// This is not a cryptographic hash and must never be used as one.
type Hash struct {
	hash   uint64
	window [WindowSize]byte
	next   int
}

// New returns a freshly reset Hash.
func New() *Hash {
	return &Hash{}
}

// Sum returns the current hash value.
func (h *Hash) Sum() uint64 {
	return h.hash
}

// Reset zeros the hash and its window. The circular write position is
// left as-is: it only ever determines which window slot gets overwritten
// next, not any externally visible value.
func (h *Hash) Reset() {
	h.hash = 0
	h.window = [WindowSize]byte{}
}

// HashByte folds one more byte into the hash, evicting the oldest byte in
// the window.
func (h *Hash) HashByte(b byte) {
	highByte := h.hash >> 56
	h.hash = ((h.hash << 8) | uint64(b)) ^ pushTable[highByte]

	oldByte := h.window[h.next]
	h.hash ^= popTable[oldByte]

	h.window[h.next] = b
	h.next = (h.next + 1) & windowMask
}

// HashBytes folds buf into the hash in order. If buf is longer than twice
// the window, only the trailing WindowSize bytes affect the result, so
// HashBytes resets and skips straight to them instead of hashing byte by
// byte the whole way through.
func (h *Hash) HashBytes(buf []byte) {
	if len(buf) > 2*WindowSize {
		h.Reset()
		buf = buf[len(buf)-WindowSize:]
	}
	for _, b := range buf {
		h.HashByte(b)
	}
}
