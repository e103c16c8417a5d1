package hash

import "unicode/utf16"

const (
	// Bits is the size of the hash space in bits.
	Bits = 31

	// RingSize is 2^Bits, the number of distinct hash values.
	RingSize = 1 << Bits

	// MaxHash is the largest valid hash value (2^31 - 1).
	MaxHash = RingSize - 1

	// minKeyLen is the length a key is doubled up to before hashing.
	minKeyLen = 16

	seed = 0x37ace45d
)

// Hash maps a key to an integer in [0, 2^31).
// Every node must compute the same value for the same key, so the arithmetic
// below is fixed: short keys are doubled until they reach 16 characters, the
// bytes are consumed in sign-extended pairs and mixed into a wrapping 32-bit
// accumulator, and a negative result is folded back onto the ring.
func Hash(key string) uint32 {
	b := asciiBytes(doubled(key))

	h := int32(seed)
	for i := 0; i+1 < len(b); i += 2 {
		x := int32(int8(b[i]))<<8 | int32(int8(b[i+1]))
		h *= x

		u := uint32(h)
		top := u & 0xffff0000
		bot := u & 0xffff
		h = int32(top | (bot ^ (top>>16)&0xffff))
	}

	if h < 0 {
		h = -(h + 1)
	}
	return uint32(h)
}

// doubled repeats key until it is at least minKeyLen UTF-16 code units
// long. Characters outside the Basic Multilingual Plane count as two units
// but encode to a single '?'.
func doubled(key string) []rune {
	r := []rune(key)
	if len(r) == 0 {
		return r
	}
	for n := len(utf16.Encode(r)); n < minKeyLen; n *= 2 {
		r = append(r, r...)
	}
	return r
}

// asciiBytes encodes s as US-ASCII, replacing anything outside the range with '?'.
func asciiBytes(s []rune) []byte {
	b := make([]byte, 0, len(s))
	for _, r := range s {
		if r < 0x80 {
			b = append(b, byte(r))
		} else {
			b = append(b, '?')
		}
	}
	return b
}

// Distance computes the clockwise distance from a to b on the ring.
// Returns (b - a) mod 2^31.
func Distance(a, b uint32) uint32 {
	return (b - a) & MaxHash
}

// IsValid reports whether h lies in [0, 2^31).
func IsValid(h uint32) bool {
	return h <= MaxHash
}
