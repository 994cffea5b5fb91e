package crypto

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
)

// ConstructNonce draws random bytes from the given entropy source and encodes
// them as base64 so the result is exactly size characters. The nonce is
// echoed back inside the signed attestation report and binds the report to
// this handshake.
func ConstructNonce(rand io.Reader, size int) (string, error) {
	raw := make([]byte, size/4*3)
	if _, err := io.ReadFull(rand, raw); err != nil {
		return "", fmt.Errorf("drawing nonce bytes: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// RandUint64 draws a random 64-bit integer from the given entropy source.
func RandUint64(rand io.Reader) (uint64, error) {
	var raw [8]byte
	if _, err := io.ReadFull(rand, raw[:]); err != nil {
		return 0, fmt.Errorf("drawing random integer: %w", err)
	}
	return binary.LittleEndian.Uint64(raw[:]), nil
}
