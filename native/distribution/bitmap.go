package distribution

// WordBits is the width of one claim-bitmap bucket. Buckets are stored lazily:
// a bucket that was never written reads as all-unclaimed.
const WordBits = 256

// ClaimWord is one bucket of a campaign's claim bitmap.
type ClaimWord [WordBits / 8]byte

// IsSet reports whether the given bit of the word is set.
func (w ClaimWord) IsSet(bit uint) bool {
	return w[bit/8]&(1<<(bit%8)) != 0
}

// Set marks the given bit. Setting an already-set bit is a no-op.
func (w *ClaimWord) Set(bit uint) {
	w[bit/8] |= 1 << (bit % 8)
}

func splitIndex(index uint64) (bucket uint64, bit uint) {
	return index / WordBits, uint(index % WordBits)
}
