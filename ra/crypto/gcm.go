package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/teeguard/go-sgx-ra/ra/types"
)

// Sealed frame layout: iv [12] || tag [16] || ct_len u32 || ct.
const (
	// GCMIVSize is the nonce length of a sealed frame.
	GCMIVSize = 12
	// GCMTagSize is the authentication tag length of a sealed frame.
	GCMTagSize = 16
	// FrameOverhead is the fixed part of a sealed frame.
	FrameOverhead = GCMIVSize + GCMTagSize + 4
)

// MaskCounter derives the AAD for a frame counter by encrypting it as a
// single AES block under the masking key. The counter itself never appears on
// the wire, and a network observer cannot predict the AAD sequence.
func MaskCounter(maskKey types.SubKey128, counter uint64) ([16]byte, error) {
	block, err := aes.NewCipher(maskKey[:])
	if err != nil {
		return [16]byte{}, fmt.Errorf("creating AES cipher: %w", err)
	}

	var in, out [16]byte
	binary.LittleEndian.PutUint64(in[0:8], counter)
	block.Encrypt(out[:], in[:])
	return out, nil
}

// SealFrame encrypts a payload under the session key, binding it to the given
// counter via the masked AAD, and returns the complete frame.
func SealFrame(rand io.Reader, key, maskKey types.SubKey128, counter uint64, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	aad, err := MaskCounter(maskKey, counter)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, FrameOverhead, FrameOverhead+len(plaintext))
	if _, err := io.ReadFull(rand, frame[0:GCMIVSize]); err != nil {
		return nil, fmt.Errorf("drawing frame IV: %w", err)
	}

	sealed := aead.Seal(nil, frame[0:GCMIVSize], plaintext, aad[:])
	ct := sealed[:len(sealed)-GCMTagSize]
	tag := sealed[len(sealed)-GCMTagSize:]

	copy(frame[GCMIVSize:GCMIVSize+GCMTagSize], tag)
	binary.LittleEndian.PutUint32(frame[GCMIVSize+GCMTagSize:FrameOverhead], uint32(len(ct)))
	return append(frame, ct...), nil
}

// ErrGCMOpen is returned when a frame fails authentication.
var ErrGCMOpen = errors.New("failed to authenticate sealed frame")

// OpenFrame authenticates and decrypts a frame against the given counter.
// A tag failure returns ErrGCMOpen.
func OpenFrame(key, maskKey types.SubKey128, counter uint64, frame []byte) ([]byte, error) {
	if len(frame) < FrameOverhead {
		return nil, fmt.Errorf("sealed frame is too short to be parsed (received: %d bytes)", len(frame))
	}

	iv := frame[0:GCMIVSize]
	tag := frame[GCMIVSize : GCMIVSize+GCMTagSize]
	ctLen := binary.LittleEndian.Uint32(frame[GCMIVSize+GCMTagSize : FrameOverhead])
	if uint64(ctLen) != uint64(len(frame)-FrameOverhead) {
		return nil, fmt.Errorf("sealed frame length field is either incorrect or data is truncated (field: %d bytes, payload: %d bytes)", ctLen, len(frame)-FrameOverhead)
	}
	ct := frame[FrameOverhead:]

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	aad, err := MaskCounter(maskKey, counter)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ct)+GCMTagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(make([]byte, 0, len(ct)), iv, sealed, aad[:])
	if err != nil {
		return nil, ErrGCMOpen
	}
	return plaintext, nil
}

func newGCM(key types.SubKey128) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating AES-GCM: %w", err)
	}
	return aead, nil
}
