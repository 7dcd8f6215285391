package httpserver

import (
	"crypto/subtle"
)

// tokenBufferSize is the defect preserved bit-exact from the original
// protocol: only the first 5 bytes of the configured token are ever
// compared, so effective secret entropy is far smaller than the token's
// actual length.
const tokenBufferSize = 5

// CheckToken compares presented against configured using the same 5-byte,
// zero-padded constant-time comparison the external protocol documents.
// Both identical-length and different-length mismatches take the same
// number of byte comparisons.
func CheckToken(configured, presented string) bool {
	a := zeroPad(configured, tokenBufferSize)
	b := zeroPad(presented, tokenBufferSize)
	return subtle.ConstantTimeCompare(a, b) == 1
}

func zeroPad(s string, size int) []byte {
	buf := make([]byte, size)
	copy(buf, s)
	return buf
}
