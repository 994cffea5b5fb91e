/*
# SGX EPID Remote Attestation Data Types

This package contains the data types and parsing functions used by the EPID
remote attestation handshake: the fixed-layout wire messages (msg0s through
msg4), the EPID quote structure, and the attestation report returned by the
reporting service.

All multi-byte integers on the wire are little-endian, and every layout is
packed; offsets below are byte-exact and must not change.
*/
package types

import (
	"encoding/binary"
	"fmt"
)

const (
	// KDFIDAESCMAC is the key derivation function id for the AES-128-CMAC KDF.
	// It is the only KDF this implementation supports.
	KDFIDAESCMAC = 0x0001

	// QuoteTypeUnlinkable requests unlinkable EPID signatures.
	QuoteTypeUnlinkable = 0

	// QuoteTypeLinkable requests linkable EPID signatures.
	QuoteTypeLinkable = 1

	// ExtendedGroupIDDefault is the only extended EPID group id served by Intel.
	ExtendedGroupIDDefault = 0

	// NonceSize is the length of the base64 nonce sent with a report request.
	NonceSize = 32
)

// Ec256PublicKey is a NIST P-256 public key as two raw 32-byte coordinates.
type Ec256PublicKey struct {
	X [32]byte
	Y [32]byte
}

// Marshal serializes the public key into its 64-byte wire representation.
func (k *Ec256PublicKey) Marshal() [64]byte {
	var result [64]byte
	copy(result[0:32], k.X[:])
	copy(result[32:64], k.Y[:])
	return result
}

// ParseEc256PublicKey parses a public key from its 64-byte wire representation.
func ParseEc256PublicKey(raw []byte) (Ec256PublicKey, error) {
	if len(raw) < 64 {
		return Ec256PublicKey{}, fmt.Errorf("EC public key is too short to be parsed (received: %d bytes)", len(raw))
	}
	return Ec256PublicKey{
		X: [32]byte(raw[0:32]),
		Y: [32]byte(raw[32:64]),
	}, nil
}

// Ec256Signature is a raw ECDSA P-256 signature, r and s as 32-byte scalars.
type Ec256Signature struct {
	R [32]byte
	S [32]byte
}

// Marshal serializes the signature into its 64-byte wire representation.
func (s *Ec256Signature) Marshal() [64]byte {
	var result [64]byte
	copy(result[0:32], s.R[:])
	copy(result[32:64], s.S[:])
	return result
}

// ParseEc256Signature parses a signature from its 64-byte wire representation.
func ParseEc256Signature(raw []byte) (Ec256Signature, error) {
	if len(raw) < 64 {
		return Ec256Signature{}, fmt.Errorf("EC signature is too short to be parsed (received: %d bytes)", len(raw))
	}
	return Ec256Signature{
		R: [32]byte(raw[0:32]),
		S: [32]byte(raw[32:64]),
	}, nil
}

// SubKey128 is one of the four 128-bit session subkeys (SMK, MK, SK, VK)
// derived from the ECDH shared secret.
type SubKey128 [16]byte

// SharedSecret256 is the x-coordinate of an ECDH shared point on P-256.
type SharedSecret256 [32]byte

// RaConfigSize is the packed size of RaConfig on the wire.
const RaConfigSize = 12

// RaConfig carries the attestation parameters the service provider announces
// in msg0r. It is immutable for the lifetime of a session.
type RaConfig struct {
	LinkableSign      bool
	EnablePSE         bool
	AllowOutOfDate    bool
	AllowConfigNeeded bool
	CKDFID            uint16
	QuoteVersion      uint16
	ReportVersion     uint16
	Reserved          uint16
}

// Validate checks the config against the values this implementation supports.
func (c *RaConfig) Validate() error {
	if c.CKDFID != KDFIDAESCMAC {
		return fmt.Errorf("unsupported key derivation function id %#04x", c.CKDFID)
	}
	return nil
}

// QuoteType returns the EPID signature type requested by the config.
func (c *RaConfig) QuoteType() uint16 {
	if c.LinkableSign {
		return QuoteTypeLinkable
	}
	return QuoteTypeUnlinkable
}

// Marshal serializes the config into its 12-byte wire representation.
func (c *RaConfig) Marshal() [RaConfigSize]byte {
	var result [RaConfigSize]byte
	result[0] = boolByte(c.LinkableSign)
	result[1] = boolByte(c.EnablePSE)
	result[2] = boolByte(c.AllowOutOfDate)
	result[3] = boolByte(c.AllowConfigNeeded)
	binary.LittleEndian.PutUint16(result[4:6], c.CKDFID)
	binary.LittleEndian.PutUint16(result[6:8], c.QuoteVersion)
	binary.LittleEndian.PutUint16(result[8:10], c.ReportVersion)
	binary.LittleEndian.PutUint16(result[10:12], c.Reserved)
	return result
}

// ParseRaConfig parses a config from its 12-byte wire representation.
func ParseRaConfig(raw []byte) (RaConfig, error) {
	if len(raw) < RaConfigSize {
		return RaConfig{}, fmt.Errorf("RA config is too short to be parsed (received: %d bytes)", len(raw))
	}
	return RaConfig{
		LinkableSign:      raw[0] != 0,
		EnablePSE:         raw[1] != 0,
		AllowOutOfDate:    raw[2] != 0,
		AllowConfigNeeded: raw[3] != 0,
		CKDFID:            binary.LittleEndian.Uint16(raw[4:6]),
		QuoteVersion:      binary.LittleEndian.Uint16(raw[6:8]),
		ReportVersion:     binary.LittleEndian.Uint16(raw[8:10]),
		Reserved:          binary.LittleEndian.Uint16(raw[10:12]),
	}, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
