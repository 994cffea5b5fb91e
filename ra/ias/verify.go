package ias

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/teeguard/go-sgx-ra/ra/crypto"
	"github.com/teeguard/go-sgx-ra/ra/types"
)

// timestampLayout is the layout of report timestamps; the service reports
// UTC without a zone designator.
const timestampLayout = "2006-01-02T15:04:05.999999"

// Reason says which validation step a report failed.
type Reason int

// Validation failure reasons.
const (
	ReasonCertChain Reason = iota + 1
	ReasonSignature
	ReasonSchema
	ReasonNonce
	ReasonQuote
	ReasonStatus
	ReasonTimestamp
)

func (r Reason) String() string {
	switch r {
	case ReasonCertChain:
		return "certificate chain"
	case ReasonSignature:
		return "report signature"
	case ReasonSchema:
		return "report schema"
	case ReasonNonce:
		return "nonce"
	case ReasonQuote:
		return "quote"
	case ReasonStatus:
		return "status"
	case ReasonTimestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}

// VerifyError is returned when a report fails validation; Reason tells which
// step rejected it.
type VerifyError struct {
	Reason Reason
	Err    error
}

func (e *VerifyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("report %s check failed: %s", e.Reason, e.Err)
	}
	return fmt.Sprintf("report %s check failed", e.Reason)
}

func (e *VerifyError) Unwrap() error { return e.Err }

// QuotePredicate inspects the quote body embedded in a validated report.
// The prover supplies a predicate that matches the report data against the
// handshake transcript and applies the caller's platform policy.
type QuotePredicate func(quote types.QuoteBody) error

// Validator checks attestation verification reports against a pinned
// report-signing root certificate.
type Validator struct {
	root      *x509.Certificate
	clock     clock.PassiveClock
	freshness time.Duration
}

// ValidatorOption adjusts a Validator.
type ValidatorOption func(*Validator)

// WithClock replaces the clock used for certificate and timestamp checks.
func WithClock(c clock.PassiveClock) ValidatorOption {
	return func(v *Validator) { v.clock = c }
}

// WithFreshness bounds the age of accepted reports. Zero disables the check.
func WithFreshness(d time.Duration) ValidatorOption {
	return func(v *Validator) { v.freshness = d }
}

// NewValidator returns a Validator pinning the given PEM-encoded
// report-signing root CA certificate.
func NewValidator(rootPEM []byte, opts ...ValidatorOption) (*Validator, error) {
	roots, err := crypto.ParsePEMCertificateChain(rootPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing report-signing root CA: %w", err)
	}
	if len(roots) != 1 {
		return nil, fmt.Errorf("expected exactly one root CA certificate, got %d", len(roots))
	}

	v := &Validator{
		root:  roots[0],
		clock: clock.RealClock{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify runs the full report validation sequence and returns the parsed
// report. All inputs come from a QuoteReport; nonce and cfg come from the
// handshake; the predicate binds the quote to the transcript.
func (v *Validator) Verify(reportJSON, certChainPEM, signature []byte, nonce string, cfg types.RaConfig, predicate QuotePredicate) (types.IASReport, error) {
	leaf, err := v.verifyCertChain(certChainPEM)
	if err != nil {
		return types.IASReport{}, &VerifyError{Reason: ReasonCertChain, Err: err}
	}

	if err := crypto.VerifyRSASignature(leaf, reportJSON, signature); err != nil {
		return types.IASReport{}, &VerifyError{Reason: ReasonSignature, Err: err}
	}

	var report types.IASReport
	if err := json.Unmarshal(reportJSON, &report); err != nil {
		return types.IASReport{}, &VerifyError{Reason: ReasonSchema, Err: err}
	}
	if report.Version != cfg.ReportVersion {
		return types.IASReport{}, &VerifyError{
			Reason: ReasonSchema,
			Err:    fmt.Errorf("report version %d does not match expected version %d", report.Version, cfg.ReportVersion),
		}
	}

	if !crypto.ConstantTimeEqual([]byte(report.Nonce), []byte(nonce)) {
		return types.IASReport{}, &VerifyError{Reason: ReasonNonce, Err: fmt.Errorf("report nonce does not match request nonce")}
	}

	if err := v.verifyTimestamp(report.Timestamp); err != nil {
		return types.IASReport{}, &VerifyError{Reason: ReasonTimestamp, Err: err}
	}

	if predicate != nil {
		if err := predicate(report.Quote); err != nil {
			return types.IASReport{}, &VerifyError{Reason: ReasonQuote, Err: err}
		}
	}

	if err := ClassifyStatus(&report, cfg); err != nil {
		return types.IASReport{}, &VerifyError{Reason: ReasonStatus, Err: err}
	}

	return report, nil
}

// verifyCertChain parses the PEM chain, shrinks it to terminate at the pinned
// root, verifies it cryptographically, and returns the leaf certificate.
func (v *Validator) verifyCertChain(certChainPEM []byte) (*x509.Certificate, error) {
	chain, err := crypto.ParsePEMCertificateChain(certChainPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing report-signing certificate chain: %w", err)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("report-signing certificate chain is empty")
	}

	// Shrink the chain at the pinned root; anything the service appended
	// beyond it is ignored.
	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		if cert.Equal(v.root) {
			break
		}
		intermediates.AddCert(cert)
	}

	roots := x509.NewCertPool()
	roots.AddCert(v.root)

	if _, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   v.clock.Now(),
	}); err != nil {
		return nil, fmt.Errorf("verifying report-signing certificate: %w", err)
	}

	return chain[0], nil
}

func (v *Validator) verifyTimestamp(timestamp string) error {
	if v.freshness == 0 {
		return nil
	}
	issued, err := time.Parse(timestampLayout, timestamp)
	if err != nil {
		return fmt.Errorf("parsing report timestamp: %w", err)
	}
	age := v.clock.Now().UTC().Sub(issued)
	if age > v.freshness {
		return fmt.Errorf("report is too old (issued %s ago)", age)
	}
	return nil
}

// ClassifyStatus applies the config's allow-sets to the quote and platform
// services statuses. The verifier reuses it on the report echoed in msg4.
func ClassifyStatus(report *types.IASReport, cfg types.RaConfig) error {
	switch report.ISVStatus {
	case types.QuoteOK:
	case types.QuoteGroupOutOfDate, types.QuoteSWHardeningNeeded:
		if !cfg.AllowOutOfDate {
			return fmt.Errorf("quote status %q is not allowed", report.ISVStatus)
		}
	case types.QuoteConfigurationNeeded:
		if !cfg.AllowConfigNeeded {
			return fmt.Errorf("quote status %q is not allowed", report.ISVStatus)
		}
	case types.QuoteConfigAndSWHardeningNeeded:
		if !cfg.AllowOutOfDate || !cfg.AllowConfigNeeded {
			return fmt.Errorf("quote status %q is not allowed", report.ISVStatus)
		}
	default:
		return fmt.Errorf("quote status %q is not allowed (revocation reason %d)", report.ISVStatus, report.RevocationReason)
	}

	if cfg.EnablePSE {
		switch report.PSEStatus {
		case types.PSEOK:
		case types.PSEOutOfDate:
			if !cfg.AllowOutOfDate {
				return fmt.Errorf("platform services status %q is not allowed", report.PSEStatus)
			}
		default:
			return fmt.Errorf("platform services status %q is not allowed", report.PSEStatus)
		}
		if report.PSEHash == nil {
			return fmt.Errorf("platform services were requested but the report carries no manifest hash")
		}
	}

	return nil
}
