package internal

import (
	"crypto/rand"
	"encoding/hex"
	"runtime"
)

// MemClr takes a buffer and wipes it with zeroes.
func MemClr(buf []byte) {
	clear(buf)
}

// FillRandom takes a buffer and overwrites it with cryptographically-secure random bytes.
func FillRandom(buf []byte) {
	fillRandom(buf, rand.Read)
}

func fillRandom(buf []byte, r func([]byte) (int, error)) {
	if _, err := r(buf); err != nil {
		panic(err)
	}

	// Prevent dead store elimination in case a caller wants the backing array randomized even if no longer used.
	runtime.KeepAlive(buf)
}

// GetRandBytes returns a slice of a specified length, filled with cryptographically-secure random bytes.
func GetRandBytes(n int) []byte {
	buf := make([]byte, n)
	FillRandom(buf)

	return buf
}

// RandomHex returns the lowercase hex encoding of n random bytes.
func RandomHex(n int) string {
	return hex.EncodeToString(GetRandBytes(n))
}

// RandomIndex returns a uniformly distributed index in [0, n). It panics if n <= 0.
func RandomIndex(n int) int {
	if n <= 0 {
		panic("internal: RandomIndex called with non-positive bound")
	}

	// Rejection sampling over 32 bits keeps the distribution uniform.
	bound := uint32(n)
	limit := ^uint32(0) - (^uint32(0) % bound)

	for {
		b := GetRandBytes(4)
		v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])

		if v < limit {
			return int(v % bound)
		}
	}
}
