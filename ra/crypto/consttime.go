package crypto

import "crypto/subtle"

// ConstantTimeEqual compares two byte slices in constant time. Every
// secret-dependent equality in the handshake (MACs, report data, nonces,
// finish tags) goes through this function.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zeroize overwrites key material in place. Handshake state and sessions call
// it on every exit path, success or failure.
func Zeroize(buffers ...[]byte) {
	for _, buf := range buffers {
		for i := range buf {
			buf[i] = 0
		}
	}
}
