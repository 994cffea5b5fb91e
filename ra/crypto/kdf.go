package crypto

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/aead/cmac"
	"golang.org/x/crypto/hkdf"

	"github.com/teeguard/go-sgx-ra/ra/types"
)

// Subkey derivation labels of the EPID key exchange.
const (
	LabelSMK = "SMK"
	LabelMK  = "MK"
	LabelSK  = "SK"
	LabelVK  = "VK"
)

// CKDF derives a 128-bit subkey from an ECDH shared secret using the
// AES-128-CMAC construction of the SGX key exchange: the shared secret is
// first CMACed under an all-zero key to form the key derivation key, which
// then CMACs the counter-framed label.
func CKDF(shared types.SharedSecret256, label string) (types.SubKey128, error) {
	var zero types.SharedSecret256
	if shared == zero {
		return types.SubKey128{}, errors.New("shared secret is all-zero")
	}

	kdk, err := cmacSum(make([]byte, 16), shared[:])
	if err != nil {
		return types.SubKey128{}, fmt.Errorf("deriving key derivation key: %w", err)
	}

	// 0x01 || label || 0x00 || output length in bits (0x0080, little-endian)
	derivation := make([]byte, 0, len(label)+4)
	derivation = append(derivation, 0x01)
	derivation = append(derivation, label...)
	derivation = append(derivation, 0x00, 0x80, 0x00)

	subkey, err := cmacSum(kdk, derivation)
	if err != nil {
		return types.SubKey128{}, fmt.Errorf("deriving subkey %q: %w", label, err)
	}
	return types.SubKey128(subkey), nil
}

// CMAC computes AES-128-CMAC over data.
func CMAC(key types.SubKey128, data []byte) ([16]byte, error) {
	mac, err := cmacSum(key[:], data)
	if err != nil {
		return [16]byte{}, err
	}
	return [16]byte(mac), nil
}

func cmacSum(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	mac, err := cmac.Sum(data, block, block.BlockSize())
	if err != nil {
		return nil, fmt.Errorf("computing AES-CMAC: %w", err)
	}
	return mac, nil
}

// HKDF derives a fresh 128-bit key from an existing one using
// HKDF-SHA256 with the given salt and info label. The resume exchange uses it
// to rederive per-session keys from a saved session.
func HKDF(ikm types.SubKey128, salt []byte, info string) (types.SubKey128, error) {
	reader := hkdf.New(sha256.New, ikm[:], salt, []byte(info))

	var out types.SubKey128
	if _, err := io.ReadFull(reader, out[:]); err != nil {
		return types.SubKey128{}, fmt.Errorf("deriving key via HKDF: %w", err)
	}
	return out, nil
}

// TLSPRF computes the TLS 1.2 pseudo-random function (P_SHA256) over the
// given secret, label, and seed, producing outLen bytes.
func TLSPRF(secret types.SubKey128, label string, seed []byte, outLen int) []byte {
	labelAndSeed := make([]byte, 0, len(label)+len(seed))
	labelAndSeed = append(labelAndSeed, label...)
	labelAndSeed = append(labelAndSeed, seed...)

	out := make([]byte, 0, outLen)
	a := labelAndSeed
	for len(out) < outLen {
		a = hmacSHA256(secret[:], a)
		msg := make([]byte, 0, len(a)+len(labelAndSeed))
		msg = append(msg, a...)
		msg = append(msg, labelAndSeed...)
		out = append(out, hmacSHA256(secret[:], msg)...)
	}
	return out[:outLen]
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
