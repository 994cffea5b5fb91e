// Package ratest provides fixtures for exercising the attestation handshake
// in tests: a throwaway report-signing certificate hierarchy, a fake quoting
// source, and a fake reporting service that echoes submitted quotes into
// signed reports.
package ratest

import (
	"context"
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/teeguard/go-sgx-ra/ra/ias"
	"github.com/teeguard/go-sgx-ra/ra/types"
)

// ReportSigner is a report-signing hierarchy standing in for the reporting
// service's certificate chain.
type ReportSigner struct {
	RootPEM  []byte
	ChainPEM []byte
	LeafKey  *rsa.PrivateKey
}

// NewReportSigner generates a fresh root CA and report-signing leaf.
func NewReportSigner() (*ReportSigner, error) {
	rootKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	notBefore := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	notAfter := time.Date(2040, 1, 1, 0, 0, 0, 0, time.UTC)

	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Report Signing CA"},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	if err != nil {
		return nil, err
	}
	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, err
	}

	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Test Report Signing"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, rootCert, &leafKey.PublicKey, rootKey)
	if err != nil {
		return nil, err
	}

	rootPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: rootDER})
	leafPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER})

	return &ReportSigner{
		RootPEM:  rootPEM,
		ChainPEM: append(append([]byte{}, leafPEM...), rootPEM...),
		LeafKey:  leafKey,
	}, nil
}

// Sign produces the report signature the service would attach.
func (s *ReportSigner) Sign(reportJSON []byte) ([]byte, error) {
	digest := sha256.Sum256(reportJSON)
	return rsa.SignPKCS1v15(rand.Reader, s.LeafKey, stdcrypto.SHA256, digest[:])
}

// QuoteSource produces syntactically valid EPID quotes carrying the requested
// report data.
type QuoteSource struct {
	GID [4]byte
}

// GroupID returns the fixture's EPID group id.
func (s *QuoteSource) GroupID(context.Context) ([4]byte, error) {
	return s.GID, nil
}

// GetQuote builds a quote over the report data with a dummy EPID signature.
func (s *QuoteSource) GetQuote(_ context.Context, reportData [64]byte, _ [16]byte, quoteType uint16, _ []byte) ([]byte, error) {
	quote := types.Quote{
		Body: types.QuoteBody{
			Version:  2,
			SignType: quoteType,
			GroupID:  s.GID,
			Report:   types.ReportBody{ReportData: reportData},
		},
		SignatureLen: 8,
		Signature:    []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	return quote.Marshal(), nil
}

// IASClient answers revocation list and report requests the way a recorded
// reporting service would: it echoes the submitted quote body into a signed
// report. The mutation fields let tests corrupt individual report fields.
type IASClient struct {
	Signer *ReportSigner

	// Status overrides the quote status; empty means OK.
	Status types.QuoteStatus
	// SubstituteNonce replaces the request nonce in the report.
	SubstituteNonce string
	// PSEStatus and PSEHash fill the platform services fields when the
	// request asks for them.
	PSEStatus types.PSEStatus
	PSEHash   []byte
}

// GetSigRL returns an empty revocation list.
func (c *IASClient) GetSigRL(context.Context, [4]byte) (string, error) {
	return "", nil
}

// GetQuoteReport builds and signs a report echoing the submitted quote.
func (c *IASClient) GetQuoteReport(_ context.Context, quote []byte, nonce string, enablePSE bool) (ias.QuoteReport, error) {
	if len(quote) < types.QuoteBodySize {
		return ias.QuoteReport{}, fmt.Errorf("submitted quote is too short (%d bytes)", len(quote))
	}
	if c.SubstituteNonce != "" {
		nonce = c.SubstituteNonce
	}
	status := c.Status
	if status == "" {
		status = types.QuoteOK
	}

	doc := map[string]any{
		"id":                    "42",
		"timestamp":             "2026-08-06T10:15:00.123456",
		"version":               4,
		"isvEnclaveQuoteStatus": string(status),
		"isvEnclaveQuoteBody":   base64.StdEncoding.EncodeToString(quote[:types.QuoteBodySize]),
		"nonce":                 nonce,
	}
	if enablePSE {
		doc["pseManifestStatus"] = string(c.PSEStatus)
		doc["pseManifestHash"] = hex.EncodeToString(c.PSEHash)
	}

	reportJSON, err := json.Marshal(doc)
	if err != nil {
		return ias.QuoteReport{}, err
	}

	signature, err := c.Signer.Sign(reportJSON)
	if err != nil {
		return ias.QuoteReport{}, err
	}

	return ias.QuoteReport{
		Report:    reportJSON,
		Signature: signature,
		CertChain: c.Signer.ChainPEM,
	}, nil
}

// RaConfig is the config fixture the tests hand both peers.
func RaConfig() types.RaConfig {
	return types.RaConfig{
		LinkableSign:  true,
		CKDFID:        types.KDFIDAESCMAC,
		QuoteVersion:  2,
		ReportVersion: 4,
	}
}
