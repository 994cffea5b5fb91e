/*
Package ra implements both ends of the EPID remote attestation handshake: the
Prover run by the enclave-hosted service provider and the Verifier run by the
client. The message flow is

	verifier                          prover
	   | ------------ msg0s ------------> |
	   | <----------- msg0r ------------- |
	   | ------------ msg1 -------------> |
	   | <----------- msg2 -------------- |
	   | ------------ msg3 -------------> |
	   | <----------- msg4 (sealed) ----- |

after which both sides hold the same SK and MK subkeys and an attestation
verdict. Message layouts live in ra/types, the report validation in ra/ias,
and the key derivation in ra/crypto.
*/
package ra

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/teeguard/go-sgx-ra/ra/crypto"
	"github.com/teeguard/go-sgx-ra/ra/ias"
	"github.com/teeguard/go-sgx-ra/ra/types"
)

// Session is the outcome of a successful handshake: the two subkeys the
// session envelope runs on and the attestation report that vouches for the
// peer.
type Session struct {
	SecretKey  types.SubKey128
	MaskingKey types.SubKey128
	Report     types.IASReport
}

// Msg4Counter is the frame counter msg4 is sealed with. The session envelope
// established after the handshake starts its own counters at one.
const Msg4Counter = 0

type proverState int

const (
	proverInit proverState = iota
	proverMsg0Seen
	proverMsg1Seen
	proverDone
)

// QuotePolicy lets the caller apply platform policy (measurements, SVNs,
// attributes) to a quote whose report data already matched the transcript.
type QuotePolicy func(quote types.QuoteBody) error

// Prover is the service-provider side of the handshake.
type Prover struct {
	cfg       types.RaConfig
	spid      [16]byte
	signKey   *ecdsa.PrivateKey
	client    ias.Client
	validator *ias.Validator
	rand      io.Reader
	policy    QuotePolicy

	state    proverState
	ephKey   *ecdsa.PrivateKey
	myPub    types.Ec256PublicKey
	peerPub  types.Ec256PublicKey
	nonce    string
	smk      types.SubKey128
	mk       types.SubKey128
	sk       types.SubKey128
	vk       types.SubKey128
	attested bool
	report   types.IASReport

	// raw report material, kept for callers that persist the evidence
	reportJSON []byte
	certChain  []byte
	signature  []byte
}

// ProverOption adjusts a Prover.
type ProverOption func(*Prover)

// WithProverRand replaces the entropy source used for the ephemeral key,
// nonce, signatures, and frame IVs.
func WithProverRand(r io.Reader) ProverOption {
	return func(p *Prover) { p.rand = r }
}

// WithQuotePolicy installs a platform policy check on the attested quote.
func WithQuotePolicy(policy QuotePolicy) ProverOption {
	return func(p *Prover) { p.policy = policy }
}

// NewProver creates a prover with a fresh ephemeral ECDH key and report
// nonce. The signing key is the provider's long-term key whose public half
// the verifier pins.
func NewProver(cfg types.RaConfig, spid [16]byte, signKey *ecdsa.PrivateKey, client ias.Client, validator *ias.Validator, opts ...ProverOption) (*Prover, error) {
	if err := cfg.Validate(); err != nil {
		return nil, Errorf(PolicyViolation, "validating RA config: %w", err)
	}
	if signKey == nil {
		return nil, Errorf(PolicyViolation, "no signing key given")
	}

	p := &Prover{
		cfg:       cfg,
		spid:      spid,
		signKey:   signKey,
		client:    client,
		validator: validator,
		rand:      rand.Reader,
	}
	for _, opt := range opts {
		opt(p)
	}

	ephKey, err := crypto.GenerateKeyPair(p.rand)
	if err != nil {
		return nil, Errorf(CryptoFailure, "generating ephemeral ECDH key: %w", err)
	}
	p.ephKey = ephKey
	p.myPub = crypto.PublicKeyBytes(&ephKey.PublicKey)

	nonce, err := crypto.ConstructNonce(p.rand, types.NonceSize)
	if err != nil {
		return nil, Errorf(CryptoFailure, "constructing report nonce: %w", err)
	}
	p.nonce = nonce

	return p, nil
}

// ProcessMsg0 handles the verifier's opening message and returns msg0r with
// the RA config and the provider's long-term public key.
func (p *Prover) ProcessMsg0(msg0 types.Msg0Send) (types.Msg0Resp, error) {
	if p.state != proverInit {
		return types.Msg0Resp{}, Errorf(Protocol, "msg0s received in state %d", p.state)
	}
	if msg0.ExtendedGroupID != types.ExtendedGroupIDDefault {
		return types.Msg0Resp{}, Errorf(PolicyViolation, "extended group id %d is not supported", msg0.ExtendedGroupID)
	}

	p.state = proverMsg0Seen
	return types.Msg0Resp{
		RaConfig: p.cfg,
		SPPubKey: crypto.PublicKeyBytes(&p.signKey.PublicKey),
	}, nil
}

// ProcessMsg1 handles the verifier's key exchange message: it runs the key
// schedule, signs both public keys, MACs the message under SMK, and attaches
// the revocation list for the verifier's EPID group.
func (p *Prover) ProcessMsg1(ctx context.Context, msg1 types.Msg1) (types.Msg2, error) {
	if p.state != proverMsg0Seen {
		return types.Msg2{}, Errorf(Protocol, "msg1 received in state %d", p.state)
	}

	if err := p.runKeySchedule(msg1.GA); err != nil {
		return types.Msg2{}, err
	}

	msg2 := types.Msg2{
		GB:        p.myPub,
		SPID:      p.spid,
		QuoteType: p.cfg.QuoteType(),
		KDFID:     p.cfg.CKDFID,
	}

	gb := p.myPub.Marshal()
	ga := p.peerPub.Marshal()
	toSign := make([]byte, 0, 128)
	toSign = append(toSign, gb[:]...)
	toSign = append(toSign, ga[:]...)

	sig, err := crypto.Sign(p.rand, p.signKey, toSign)
	if err != nil {
		return types.Msg2{}, Errorf(CryptoFailure, "signing key exchange: %w", err)
	}
	msg2.SignGbGa = sig

	mac, err := crypto.CMAC(p.smk, msg2.MACRegion())
	if err != nil {
		return types.Msg2{}, Errorf(CryptoFailure, "computing msg2 MAC: %w", err)
	}
	msg2.MAC = mac

	sigRL, err := p.client.GetSigRL(ctx, msg1.GID)
	if err != nil {
		return types.Msg2{}, Errorf(ReportingService, "fetching revocation list: %w", err)
	}
	sigRLBin, err := base64.StdEncoding.DecodeString(sigRL)
	if err != nil {
		return types.Msg2{}, Errorf(ReportingService, "decoding revocation list: %w", err)
	}
	msg2.SigRL = sigRLBin

	p.state = proverMsg1Seen
	return msg2, nil
}

// ProcessMsg3 verifies the verifier's quote message, submits the quote to the
// reporting service, and validates the returned report. It always returns a
// sealed msg4 carrying the verdict; on failure the verdict is a rejection and
// the error explains why.
func (p *Prover) ProcessMsg3(ctx context.Context, msg3 types.Msg3) ([]byte, error) {
	if p.state != proverMsg1Seen {
		return nil, Errorf(Protocol, "msg3 received in state %d", p.state)
	}
	p.state = proverDone

	verdictErr := p.verifyMsg3(ctx, msg3)
	p.attested = verdictErr == nil

	msg4 := types.Msg4{Report: p.report}
	if p.attested {
		msg4.IsAccepted = 1
	}

	sealed, err := crypto.SealFrame(p.rand, p.sk, p.mk, Msg4Counter, msg4.Marshal())
	if err != nil {
		return nil, Errorf(CryptoFailure, "sealing msg4: %w", err)
	}

	return sealed, verdictErr
}

// verifyMsg3 runs every check of the msg3 processing sequence. The report
// field is set once the returned report passes validation, so a rejection
// msg4 from the later quote or platform services checks still carries it; a
// failure before that point leaves the report in msg4 empty.
func (p *Prover) verifyMsg3(ctx context.Context, msg3 types.Msg3) error {
	peerPub := p.peerPub.Marshal()
	gotPub := msg3.GA.Marshal()
	if !crypto.ConstantTimeEqual(gotPub[:], peerPub[:]) {
		return Errorf(CryptoFailure, "msg3 key does not match msg1 key")
	}

	calcMAC, err := crypto.CMAC(p.smk, msg3.MACRegion())
	if err != nil {
		return Errorf(CryptoFailure, "computing msg3 MAC: %w", err)
	}
	if !crypto.ConstantTimeEqual(calcMAC[:], msg3.MAC[:]) {
		return Errorf(CryptoFailure, "msg3 MAC mismatch")
	}

	reportData := p.reportData()

	quoteReport, err := p.client.GetQuoteReport(ctx, msg3.Quote, p.nonce, p.cfg.EnablePSE)
	if err != nil {
		return Errorf(ReportingService, "submitting quote: %w", err)
	}
	p.reportJSON = quoteReport.Report
	p.certChain = quoteReport.CertChain
	p.signature = quoteReport.Signature

	predicate := func(quote types.QuoteBody) error {
		if !crypto.ConstantTimeEqual(quote.Report.ReportData[:], reportData[:]) {
			return errors.New("quote report data does not match handshake transcript")
		}
		if p.policy != nil {
			return p.policy(quote)
		}
		return nil
	}

	report, err := p.validator.Verify(quoteReport.Report, quoteReport.CertChain, quoteReport.Signature, p.nonce, p.cfg, predicate)
	if err != nil {
		return wrapVerifyError(err)
	}
	p.report = report

	// The reported quote must be byte-identical to the submitted one over the
	// comparable region (everything before the signature length).
	if len(msg3.Quote) < types.QuoteBodySize ||
		!crypto.ConstantTimeEqual(msg3.Quote[:types.QuoteBodySize], report.RawQuoteBody[:]) {
		return Errorf(AttestationRejected, "reported quote does not match submitted quote")
	}

	if p.cfg.EnablePSE {
		pseHash := sha256.Sum256(msg3.PSSecProp[:])
		if report.PSEHash == nil || !crypto.ConstantTimeEqual(pseHash[:], report.PSEHash[:]) {
			return Errorf(AttestationRejected, "platform services manifest hash mismatch")
		}
	}

	return nil
}

// reportData is the 64-byte report data bound into the quote: SHA256 over
// g_a, g_b, and VK in the first half, zero in the second.
func (p *Prover) reportData() [64]byte {
	ga := p.peerPub.Marshal()
	gb := p.myPub.Marshal()

	hasher := sha256.New()
	hasher.Write(ga[:])
	hasher.Write(gb[:])
	hasher.Write(p.vk[:])

	var reportData [64]byte
	copy(reportData[:32], hasher.Sum(nil))
	return reportData
}

func (p *Prover) runKeySchedule(peer types.Ec256PublicKey) error {
	p.peerPub = peer

	shared, err := crypto.DeriveSharedSecret(p.ephKey, peer)
	if err != nil {
		return Errorf(CryptoFailure, "deriving shared secret: %w", err)
	}
	defer crypto.Zeroize(shared[:])

	for _, subkey := range []struct {
		label string
		out   *types.SubKey128
	}{
		{crypto.LabelSMK, &p.smk},
		{crypto.LabelMK, &p.mk},
		{crypto.LabelSK, &p.sk},
		{crypto.LabelVK, &p.vk},
	} {
		key, err := crypto.CKDF(shared, subkey.label)
		if err != nil {
			return Errorf(CryptoFailure, "deriving %s: %w", subkey.label, err)
		}
		*subkey.out = key
	}
	return nil
}

// IsAttested reports whether the handshake completed with an accepted quote.
func (p *Prover) IsAttested() bool {
	return p.attested
}

// RaConfig returns the config announced in msg0r.
func (p *Prover) RaConfig() types.RaConfig {
	return p.cfg
}

// Nonce returns the report nonce of this handshake.
func (p *Prover) Nonce() string {
	return p.nonce
}

// ReportEvidence returns the raw signed report, its signature, and the
// signing certificate chain as received from the reporting service.
func (p *Prover) ReportEvidence() (reportJSON, signature, certChain []byte) {
	return p.reportJSON, p.signature, p.certChain
}

// Session collapses a completed, attested handshake into a Session.
func (p *Prover) Session() (Session, error) {
	if p.state != proverDone || !p.attested {
		return Session{}, Errorf(Protocol, "handshake is not attested")
	}
	return Session{
		SecretKey:  p.sk,
		MaskingKey: p.mk,
		Report:     p.report,
	}, nil
}

// Close zeroizes all key material. It must be called on every exit path.
func (p *Prover) Close() {
	crypto.Zeroize(p.smk[:], p.mk[:], p.sk[:], p.vk[:])
}

// wrapVerifyError maps a report validation failure onto the error taxonomy:
// broken cryptography is a CryptoFailure, everything the reporting service or
// quote content caused is AttestationRejected.
func wrapVerifyError(err error) error {
	var verifyErr *ias.VerifyError
	if errors.As(err, &verifyErr) {
		switch verifyErr.Reason {
		case ias.ReasonCertChain, ias.ReasonSignature:
			return &Error{Kind: CryptoFailure, Err: err}
		default:
			return &Error{Kind: AttestationRejected, Err: err}
		}
	}
	return &Error{Kind: AttestationRejected, Err: fmt.Errorf("validating report: %w", err)}
}
