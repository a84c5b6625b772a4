// Key hashing for symbol tables, indexed string columns and the
// key-column uniqueness digest.
//
// boundedHash folds an xxh3 digest into a power-of-two key space with a
// fixed non-zero seed, so its output is stable across processes and
// bit-exact for tests.
package strata

import (
	"github.com/zeebo/xxh3"
)

// hashSeed is fixed so that on-disk index layouts are reproducible.
const hashSeed = 0xC6A4A7935BD1E995

// boundedHash maps s into [0, mask] where mask = keySpace-1 and
// keySpace is a power of two.
func boundedHash(s string, mask int) int {
	h := xxh3.HashStringSeed(s, hashSeed)
	// Fold the high half in before masking; low bits alone are weak for
	// short keys.
	return int((h ^ h>>32) & uint64(mask))
}

// boundedIntKey maps an indexed INT value into the key space.
func boundedIntKey(v int32, mask int) int {
	return int(uint32(v)) & mask
}

// chainHash extends a running uniqueness digest with the next key-column
// value. The previous digest seeds the next round, so the result pins
// both values and order.
func chainHash(prev uint64, s string) uint64 {
	return xxh3.HashStringSeed(s, prev^hashSeed)
}

// isPowerOfTwo reports whether n is a positive power of two.
func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// ceilPowerOfTwo rounds n up to the next power of two with the given
// floor.
func ceilPowerOfTwo(n, floor int) int {
	if n < floor {
		n = floor
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
