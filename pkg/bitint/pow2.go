// Package bitint provides power-of-2 helpers used for FFT window and buffer
// sizing. All operations are O(1), allocation free and safe to call from the
// streaming hot path.
package bitint

import "math/bits"

// NextPowerOfTwo returns the next power of 2 >= size.
// Powers of 2 are returned unchanged; zero and negative values yield 1.
// The size-1 subtraction is what keeps exact powers of 2 from doubling.
func NextPowerOfTwo(size int) int {
	if size <= 0 {
		return 1
	}
	return 1 << bits.Len64(uint64(size-1))
}

// IsPowerOfTwo reports whether n is a positive power of 2.
// Powers of 2 have exactly one bit set, so n&(n-1) clears to zero
// only for them.
func IsPowerOfTwo(n int) bool {
	return n > 0 && (n&(n-1)) == 0
}
