// Package crypto implements the cryptographic operations of the EPID remote
// attestation handshake: P-256 key handling, the AES-CMAC key derivation of
// the session subkeys, the TLS PRF used by the resume finish tags, and
// constant-time comparison helpers.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/teeguard/go-sgx-ra/ra/types"
)

// GenerateKeyPair creates a fresh P-256 key pair from the given entropy
// source. It is used for both the ephemeral ECDH keys of a handshake and
// long-term signing keys in tests.
func GenerateKeyPair(rand io.Reader) (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand)
	if err != nil {
		return nil, fmt.Errorf("generating P-256 key: %w", err)
	}
	return key, nil
}

// PublicKeyBytes converts an ECDSA public key into its raw coordinate form.
func PublicKeyBytes(key *ecdsa.PublicKey) types.Ec256PublicKey {
	var result types.Ec256PublicKey
	key.X.FillBytes(result.X[:])
	key.Y.FillBytes(result.Y[:])
	return result
}

// BuildECDSAPublicKey builds an ECDSA public key from raw coordinates.
func BuildECDSAPublicKey(raw types.Ec256PublicKey) *ecdsa.PublicKey {
	key := new(ecdsa.PublicKey)
	key.Curve = elliptic.P256()
	key.X = new(big.Int).SetBytes(raw.X[:])
	key.Y = new(big.Int).SetBytes(raw.Y[:])
	return key
}

// DeriveSharedSecret runs ECDH between the local private key and the peer's
// public coordinates and returns the x-coordinate of the shared point.
// An all-zero result means the peer key was invalid and is rejected.
func DeriveSharedSecret(priv *ecdsa.PrivateKey, peer types.Ec256PublicKey) (types.SharedSecret256, error) {
	peerKey := BuildECDSAPublicKey(peer)
	if !peerKey.Curve.IsOnCurve(peerKey.X, peerKey.Y) {
		return types.SharedSecret256{}, errors.New("peer ECDH public key is not on the P-256 curve")
	}

	x, _ := peerKey.Curve.ScalarMult(peerKey.X, peerKey.Y, priv.D.Bytes())
	if x == nil || x.Sign() == 0 {
		return types.SharedSecret256{}, errors.New("ECDH produced an invalid shared point")
	}

	var shared types.SharedSecret256
	x.FillBytes(shared[:])
	return shared, nil
}

// Sign signs SHA256(data) with the given key and returns the signature as raw
// r and s scalars.
func Sign(rand io.Reader, key *ecdsa.PrivateKey, data []byte) (types.Ec256Signature, error) {
	digest := sha256.Sum256(data)
	r, s, err := ecdsa.Sign(rand, key, digest[:])
	if err != nil {
		return types.Ec256Signature{}, fmt.Errorf("signing with ECDSA key: %w", err)
	}

	var sig types.Ec256Signature
	r.FillBytes(sig.R[:])
	s.FillBytes(sig.S[:])
	return sig, nil
}

// Verify checks a raw r,s signature over SHA256(data) against the given
// public coordinates.
func Verify(pub types.Ec256PublicKey, data []byte, sig types.Ec256Signature) error {
	r := new(big.Int).SetBytes(sig.R[:])
	s := new(big.Int).SetBytes(sig.S[:])

	digest := sha256.Sum256(data)
	if !ecdsa.Verify(BuildECDSAPublicKey(pub), digest[:], r, s) {
		return errors.New("failed to verify signature using ECDSA public key")
	}
	return nil
}

// VerifyRSASignature verifies an RSA PKCS#1 v1.5 signature over SHA256(data)
// using the public key of the provided signing certificate. This is the
// scheme the attestation reporting service signs its reports with.
func VerifyRSASignature(cert *x509.Certificate, data, signature []byte) error {
	if err := cert.CheckSignature(x509.SHA256WithRSA, data, signature); err != nil {
		return fmt.Errorf("verifying report signature: %w", err)
	}
	return nil
}

// ParsePEMCertificateChain parses a certificate chain from a PEM-encoded byte slice.
func ParsePEMCertificateChain(certChainPEM []byte) ([]*x509.Certificate, error) {
	var signingChain []*x509.Certificate
	for block, rest := pem.Decode(certChainPEM); block != nil; block, rest = pem.Decode(rest) {
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate from PEM: %w", err)
		}

		signingChain = append(signingChain, cert)
	}
	return signingChain, nil
}

// MustParsePEMCertificate parses a single certificate from a PEM-encoded byte
// slice. It panics if the certificate is invalid or the PEM data contains no
// certificates.
func MustParsePEMCertificate(certPEM []byte) *x509.Certificate {
	certs, err := ParsePEMCertificateChain(certPEM)
	if err != nil {
		panic(err)
	}
	if len(certs) == 0 {
		panic("expected at least one certificate")
	}
	return certs[0]
}
