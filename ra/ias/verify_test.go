package ias

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/teeguard/go-sgx-ra/ra/types"
)

// testPKI is a report-signing hierarchy for tests: a root CA and a leaf
// report-signing certificate, mirroring the chain the reporting service
// attaches to its responses.
type testPKI struct {
	rootPEM  []byte
	chainPEM []byte
	leafKey  *rsa.PrivateKey
}

func newTestPKI(t *testing.T) testPKI {
	t.Helper()
	require := require.New(t)

	rootKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(err)
	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(err)

	notBefore := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	notAfter := time.Date(2040, 1, 1, 0, 0, 0, 0, time.UTC)

	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Report Signing CA"},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	require.NoError(err)
	rootCert, err := x509.ParseCertificate(rootDER)
	require.NoError(err)

	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Test Report Signing"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, rootCert, &leafKey.PublicKey, rootKey)
	require.NoError(err)

	rootPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: rootDER})
	leafPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER})

	return testPKI{
		rootPEM:  rootPEM,
		chainPEM: append(append([]byte{}, leafPEM...), rootPEM...),
		leafKey:  leafKey,
	}
}

func (p testPKI) sign(t *testing.T, reportJSON []byte) []byte {
	t.Helper()

	digest := sha256.Sum256(reportJSON)
	signature, err := rsa.SignPKCS1v15(rand.Reader, p.leafKey, crypto.SHA256, digest[:])
	require.NoError(t, err)
	return signature
}

// reportDoc is a mutable report under construction.
type reportDoc map[string]any

func newReportDoc(quote [types.QuoteBodySize]byte, nonce string) reportDoc {
	return reportDoc{
		"id":                    "42",
		"timestamp":             "2026-08-06T10:15:00.123456",
		"version":               4,
		"isvEnclaveQuoteStatus": "OK",
		"isvEnclaveQuoteBody":   base64.StdEncoding.EncodeToString(quote[:]),
		"nonce":                 nonce,
	}
}

func (d reportDoc) bytes(t *testing.T) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any(d))
	require.NoError(t, err)
	return raw
}

func testQuoteBody() [types.QuoteBodySize]byte {
	body := types.QuoteBody{
		Version:  2,
		SignType: types.QuoteTypeLinkable,
		GroupID:  [4]byte{0x0b},
	}
	return body.Marshal()
}

func testRaConfig() types.RaConfig {
	return types.RaConfig{
		LinkableSign:  true,
		CKDFID:        types.KDFIDAESCMAC,
		QuoteVersion:  2,
		ReportVersion: 4,
	}
}

func TestVerifyReport(t *testing.T) {
	pki := newTestPKI(t)
	const nonce = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

	testCases := map[string]struct {
		mutateDoc  func(doc reportDoc)
		mutateCfg  func(cfg *types.RaConfig)
		predicate  QuotePredicate
		wantReason Reason
	}{
		"success": {},
		"nonce mismatch": {
			mutateDoc:  func(doc reportDoc) { doc["nonce"] = "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB" },
			wantReason: ReasonNonce,
		},
		"version mismatch": {
			mutateDoc:  func(doc reportDoc) { doc["version"] = 3 },
			wantReason: ReasonSchema,
		},
		"status not allowed": {
			mutateDoc:  func(doc reportDoc) { doc["isvEnclaveQuoteStatus"] = "GROUP_REVOKED" },
			wantReason: ReasonStatus,
		},
		"out of date rejected by default": {
			mutateDoc:  func(doc reportDoc) { doc["isvEnclaveQuoteStatus"] = "GROUP_OUT_OF_DATE" },
			wantReason: ReasonStatus,
		},
		"out of date allowed by config": {
			mutateDoc: func(doc reportDoc) { doc["isvEnclaveQuoteStatus"] = "GROUP_OUT_OF_DATE" },
			mutateCfg: func(cfg *types.RaConfig) { cfg.AllowOutOfDate = true },
		},
		"pse requested but missing": {
			mutateCfg:  func(cfg *types.RaConfig) { cfg.EnablePSE = true },
			wantReason: ReasonStatus,
		},
		"predicate rejects": {
			predicate:  func(types.QuoteBody) error { return errors.New("bad measurement") },
			wantReason: ReasonQuote,
		},
		"chain without pinned root": {
			wantReason: ReasonCertChain,
		},
	}

	foreignPKI := newTestPKI(t)

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			validator, err := NewValidator(pki.rootPEM)
			require.NoError(err)

			cfg := testRaConfig()
			if tc.mutateCfg != nil {
				tc.mutateCfg(&cfg)
			}

			doc := newReportDoc(testQuoteBody(), nonce)
			if tc.mutateDoc != nil {
				tc.mutateDoc(doc)
			}
			reportJSON := doc.bytes(t)

			signingPKI := pki
			chain := pki.chainPEM
			if name == "chain without pinned root" {
				signingPKI = foreignPKI
				chain = foreignPKI.chainPEM
			}
			signature := signingPKI.sign(t, reportJSON)

			report, err := validator.Verify(reportJSON, chain, signature, nonce, cfg, tc.predicate)
			if tc.wantReason != 0 {
				var verifyErr *VerifyError
				require.ErrorAs(err, &verifyErr)
				assert.Equal(tc.wantReason, verifyErr.Reason)
				return
			}
			require.NoError(err)
			assert.Equal(testQuoteBody(), report.RawQuoteBody)
			assert.Equal(nonce, report.Nonce)
		})
	}
}

func TestVerifyReportSignatureTamper(t *testing.T) {
	require := require.New(t)

	pki := newTestPKI(t)
	validator, err := NewValidator(pki.rootPEM)
	require.NoError(err)

	doc := newReportDoc(testQuoteBody(), "nonce")
	reportJSON := doc.bytes(t)
	signature := pki.sign(t, reportJSON)

	tampered := append([]byte{}, reportJSON...)
	tampered[len(tampered)-2] ^= 1

	_, err = validator.Verify(tampered, pki.chainPEM, signature, "nonce", testRaConfig(), nil)
	var verifyErr *VerifyError
	require.ErrorAs(err, &verifyErr)
	require.Equal(ReasonSignature, verifyErr.Reason)
}

func TestVerifyReportFreshness(t *testing.T) {
	require := require.New(t)

	pki := newTestPKI(t)
	issued, err := time.Parse(timestampLayout, "2026-08-06T10:15:00.123456")
	require.NoError(err)

	validator, err := NewValidator(pki.rootPEM,
		WithFreshness(time.Hour),
		WithClock(testclock.NewFakePassiveClock(issued.Add(2*time.Hour))),
	)
	require.NoError(err)

	doc := newReportDoc(testQuoteBody(), "nonce")
	reportJSON := doc.bytes(t)
	signature := pki.sign(t, reportJSON)

	_, err = validator.Verify(reportJSON, pki.chainPEM, signature, "nonce", testRaConfig(), nil)
	var verifyErr *VerifyError
	require.ErrorAs(err, &verifyErr)
	require.Equal(ReasonTimestamp, verifyErr.Reason)
}

func TestVerifyReportIsIdempotent(t *testing.T) {
	require := require.New(t)

	pki := newTestPKI(t)
	validator, err := NewValidator(pki.rootPEM)
	require.NoError(err)

	doc := newReportDoc(testQuoteBody(), "nonce")
	reportJSON := doc.bytes(t)
	signature := pki.sign(t, reportJSON)

	first, err := validator.Verify(reportJSON, pki.chainPEM, signature, "nonce", testRaConfig(), nil)
	require.NoError(err)
	second, err := validator.Verify(reportJSON, pki.chainPEM, signature, "nonce", testRaConfig(), nil)
	require.NoError(err)
	require.Equal(first, second)
}
