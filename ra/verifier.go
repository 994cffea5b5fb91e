package ra

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/teeguard/go-sgx-ra/ra/crypto"
	"github.com/teeguard/go-sgx-ra/ra/ias"
	"github.com/teeguard/go-sgx-ra/ra/types"
)

// QuoteSource is the platform quoting mechanism of the verifier's enclave.
type QuoteSource interface {
	// GroupID returns the EPID group id of the platform.
	GroupID(ctx context.Context) ([4]byte, error)

	// GetQuote produces a quote over the given report data, signed for the
	// service provider's SPID with the requested signature type, processing
	// the given revocation list.
	GetQuote(ctx context.Context, reportData [64]byte, spid [16]byte, quoteType uint16, sigRL []byte) ([]byte, error)
}

// VerifierPolicy bundles the client's local acceptance hooks.
type VerifierPolicy struct {
	// AcceptSPKey decides whether the service provider's long-term key from
	// msg0r is trusted; typically a pin against a known key.
	AcceptSPKey func(key types.Ec256PublicKey) error

	// AcceptRaConfig may reject the announced config beyond the built-in
	// KDF id check. Optional.
	AcceptRaConfig func(cfg types.RaConfig) error

	// QuotePolicy is applied to the quote echoed back in msg4. Optional.
	QuotePolicy QuotePolicy
}

type verifierState int

const (
	verifierInit verifierState = iota
	verifierMsg0Sent
	verifierMsg1Sent
	verifierMsg2Seen
	verifierDone
)

// Verifier is the client side of the handshake.
type Verifier struct {
	source QuoteSource
	policy VerifierPolicy
	rand   io.Reader

	state    verifierState
	cfg      types.RaConfig
	spKey    types.Ec256PublicKey
	ephKey   *ecdsa.PrivateKey
	myPub    types.Ec256PublicKey
	peerPub  types.Ec256PublicKey
	smk      types.SubKey128
	mk       types.SubKey128
	sk       types.SubKey128
	vk       types.SubKey128
	attested bool
	report   types.IASReport
}

// VerifierOption adjusts a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierRand replaces the entropy source used for the ephemeral key.
func WithVerifierRand(r io.Reader) VerifierOption {
	return func(v *Verifier) { v.rand = r }
}

// NewVerifier creates a client-side verifier. The policy must at least pin
// the service provider's key.
func NewVerifier(source QuoteSource, policy VerifierPolicy, opts ...VerifierOption) (*Verifier, error) {
	if policy.AcceptSPKey == nil {
		return nil, Errorf(PolicyViolation, "policy does not pin a service provider key")
	}

	v := &Verifier{
		source: source,
		policy: policy,
		rand:   rand.Reader,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// GetMsg0s emits the opening message with the supported extended group id.
func (v *Verifier) GetMsg0s() (types.Msg0Send, error) {
	if v.state != verifierInit {
		return types.Msg0Send{}, Errorf(Protocol, "msg0s requested in state %d", v.state)
	}
	v.state = verifierMsg0Sent
	return types.Msg0Send{ExtendedGroupID: types.ExtendedGroupIDDefault}, nil
}

// ProcessMsg0r checks the announced config and provider key against local
// policy and returns msg1 with a fresh ephemeral ECDH key.
func (v *Verifier) ProcessMsg0r(ctx context.Context, msg0r types.Msg0Resp) (types.Msg1, error) {
	if v.state != verifierMsg0Sent {
		return types.Msg1{}, Errorf(Protocol, "msg0r received in state %d", v.state)
	}

	if err := msg0r.RaConfig.Validate(); err != nil {
		return types.Msg1{}, Errorf(PolicyViolation, "validating announced RA config: %w", err)
	}
	if v.policy.AcceptRaConfig != nil {
		if err := v.policy.AcceptRaConfig(msg0r.RaConfig); err != nil {
			return types.Msg1{}, Errorf(PolicyViolation, "announced RA config rejected: %w", err)
		}
	}
	if err := v.policy.AcceptSPKey(msg0r.SPPubKey); err != nil {
		return types.Msg1{}, Errorf(PolicyViolation, "service provider key rejected: %w", err)
	}
	v.cfg = msg0r.RaConfig
	v.spKey = msg0r.SPPubKey

	ephKey, err := crypto.GenerateKeyPair(v.rand)
	if err != nil {
		return types.Msg1{}, Errorf(CryptoFailure, "generating ephemeral ECDH key: %w", err)
	}
	v.ephKey = ephKey
	v.myPub = crypto.PublicKeyBytes(&ephKey.PublicKey)

	gid, err := v.source.GroupID(ctx)
	if err != nil {
		return types.Msg1{}, Errorf(Transport, "reading platform group id: %w", err)
	}

	v.state = verifierMsg1Sent
	return types.Msg1{GA: v.myPub, GID: gid}, nil
}

// ProcessMsg2 verifies the provider's signature and MAC, retrieves a quote
// bound to the handshake transcript, and returns msg3.
func (v *Verifier) ProcessMsg2(ctx context.Context, msg2 types.Msg2) (types.Msg3, error) {
	if v.state != verifierMsg1Sent {
		return types.Msg3{}, Errorf(Protocol, "msg2 received in state %d", v.state)
	}

	if msg2.KDFID != v.cfg.CKDFID {
		return types.Msg3{}, Errorf(PolicyViolation, "msg2 KDF id %#04x does not match announced config", msg2.KDFID)
	}

	if err := v.runKeySchedule(msg2.GB); err != nil {
		return types.Msg3{}, err
	}

	gb := v.peerPub.Marshal()
	ga := v.myPub.Marshal()
	signed := make([]byte, 0, 128)
	signed = append(signed, gb[:]...)
	signed = append(signed, ga[:]...)
	if err := crypto.Verify(v.spKey, signed, msg2.SignGbGa); err != nil {
		return types.Msg3{}, Errorf(CryptoFailure, "verifying msg2 signature: %w", err)
	}

	calcMAC, err := crypto.CMAC(v.smk, msg2.MACRegion())
	if err != nil {
		return types.Msg3{}, Errorf(CryptoFailure, "computing msg2 MAC: %w", err)
	}
	if !crypto.ConstantTimeEqual(calcMAC[:], msg2.MAC[:]) {
		return types.Msg3{}, Errorf(CryptoFailure, "msg2 MAC mismatch")
	}

	reportData := v.reportData()
	quote, err := v.source.GetQuote(ctx, reportData, msg2.SPID, msg2.QuoteType, msg2.SigRL)
	if err != nil {
		return types.Msg3{}, Errorf(Transport, "retrieving quote: %w", err)
	}

	msg3 := types.Msg3{
		GA:    v.myPub,
		Quote: quote,
	}
	mac, err := crypto.CMAC(v.smk, msg3.MACRegion())
	if err != nil {
		return types.Msg3{}, Errorf(CryptoFailure, "computing msg3 MAC: %w", err)
	}
	msg3.MAC = mac

	v.state = verifierMsg2Seen
	return msg3, nil
}

// ProcessMsg4 unseals the provider's verdict and checks the echoed report
// against local expectations.
func (v *Verifier) ProcessMsg4(sealedMsg4 []byte) error {
	if v.state != verifierMsg2Seen {
		return Errorf(Protocol, "msg4 received in state %d", v.state)
	}
	v.state = verifierDone

	plaintext, err := crypto.OpenFrame(v.sk, v.mk, Msg4Counter, sealedMsg4)
	if err != nil {
		return Errorf(CryptoFailure, "unsealing msg4: %w", err)
	}

	msg4, err := types.ParseMsg4(plaintext)
	if err != nil {
		return Errorf(Protocol, "parsing msg4: %w", err)
	}
	v.report = msg4.Report

	if msg4.IsAccepted != 1 {
		return Errorf(AttestationRejected, "service provider rejected the attestation")
	}

	if msg4.Report.Version != v.cfg.ReportVersion {
		return Errorf(AttestationRejected, "report version %d does not match expected version %d", msg4.Report.Version, v.cfg.ReportVersion)
	}
	if err := ias.ClassifyStatus(&msg4.Report, v.cfg); err != nil {
		return Errorf(AttestationRejected, "report status rejected: %w", err)
	}

	reportData := v.reportData()
	if !crypto.ConstantTimeEqual(msg4.Report.Quote.Report.ReportData[:], reportData[:]) {
		return Errorf(AttestationRejected, "reported quote is not bound to this handshake")
	}

	if v.policy.QuotePolicy != nil {
		if err := v.policy.QuotePolicy(msg4.Report.Quote); err != nil {
			return Errorf(AttestationRejected, "reported quote rejected by policy: %w", err)
		}
	}

	v.attested = true
	return nil
}

// reportData is the 64-byte report data bound into the quote: SHA256 over
// g_a, g_b, and VK in the first half, zero in the second.
func (v *Verifier) reportData() [64]byte {
	ga := v.myPub.Marshal()
	gb := v.peerPub.Marshal()

	hasher := sha256.New()
	hasher.Write(ga[:])
	hasher.Write(gb[:])
	hasher.Write(v.vk[:])

	var reportData [64]byte
	copy(reportData[:32], hasher.Sum(nil))
	return reportData
}

func (v *Verifier) runKeySchedule(peer types.Ec256PublicKey) error {
	v.peerPub = peer

	shared, err := crypto.DeriveSharedSecret(v.ephKey, peer)
	if err != nil {
		return Errorf(CryptoFailure, "deriving shared secret: %w", err)
	}
	defer crypto.Zeroize(shared[:])

	for _, subkey := range []struct {
		label string
		out   *types.SubKey128
	}{
		{crypto.LabelSMK, &v.smk},
		{crypto.LabelMK, &v.mk},
		{crypto.LabelSK, &v.sk},
		{crypto.LabelVK, &v.vk},
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
func (v *Verifier) IsAttested() bool {
	return v.attested
}

// Session collapses a completed, attested handshake into a Session.
func (v *Verifier) Session() (Session, error) {
	if v.state != verifierDone || !v.attested {
		return Session{}, Errorf(Protocol, "handshake is not attested")
	}
	return Session{
		SecretKey:  v.sk,
		MaskingKey: v.mk,
		Report:     v.report,
	}, nil
}

// Close zeroizes all key material. It must be called on every exit path.
func (v *Verifier) Close() {
	crypto.Zeroize(v.smk[:], v.mk[:], v.sk[:], v.vk[:])
}
