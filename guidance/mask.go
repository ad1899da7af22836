package guidance

// MaskWords returns the number of uint32 words covering vocab bits.
func MaskWords(vocab int) int {
	return (vocab + 31) / 32
}

// NewMask returns an all-clear mask for vocab tokens.
func NewMask(vocab int) []uint32 {
	return make([]uint32, MaskWords(vocab))
}

// FullMask returns a mask allowing every token of vocab.
func FullMask(vocab int) []uint32 {
	m := NewMask(vocab)
	for i := 0; i < vocab; i++ {
		Allow(m, int32(i))
	}
	return m
}

// Allow sets bit id.
func Allow(mask []uint32, id int32) {
	mask[id/32] |= 1 << (uint32(id) % 32)
}

// Allowed reports whether bit id is set.
func Allowed(mask []uint32, id int32) bool {
	if id < 0 || int(id/32) >= len(mask) {
		return false
	}
	return mask[id/32]&(1<<(uint32(id)%32)) != 0
}

// CountAllowed returns the number of set bits below vocab.
func CountAllowed(mask []uint32, vocab int) int {
	n := 0
	for i := 0; i < vocab; i++ {
		if Allowed(mask, int32(i)) {
			n++
		}
	}
	return n
}
