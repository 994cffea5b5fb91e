package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"k8s.io/utils/clock"

	"github.com/teeguard/go-sgx-ra/ra"
	"github.com/teeguard/go-sgx-ra/ra/types"
)

// TicketIssuer seals server session state into opaque resume tickets and
// redeems them later. The server keeps no per-session state; everything
// needed to resume travels inside the ticket, AEAD-sealed under a key only
// the server holds.
type TicketIssuer struct {
	aead  cipher.AEAD
	rand  io.Reader
	clock clock.PassiveClock
	ttl   time.Duration
}

// ticketPayload is the CBOR document sealed into a ticket.
type ticketPayload struct {
	SecretKey  [16]byte        `cbor:"1,keyasint"`
	MaskingKey [16]byte        `cbor:"2,keyasint"`
	Report     types.IASReport `cbor:"3,keyasint"`
	IssuedAt   int64           `cbor:"4,keyasint"`
}

// TicketOption adjusts a TicketIssuer.
type TicketOption func(*TicketIssuer)

// WithTicketTTL bounds how long a ticket stays redeemable. Zero disables the
// check.
func WithTicketTTL(ttl time.Duration) TicketOption {
	return func(t *TicketIssuer) { t.ttl = ttl }
}

// WithTicketClock replaces the clock used for expiry checks.
func WithTicketClock(c clock.PassiveClock) TicketOption {
	return func(t *TicketIssuer) { t.clock = c }
}

// WithTicketRand replaces the entropy source used for ticket nonces.
func WithTicketRand(r io.Reader) TicketOption {
	return func(t *TicketIssuer) { t.rand = r }
}

// NewTicketIssuer creates an issuer sealing tickets under the given AES-128
// key.
func NewTicketIssuer(key [16]byte, opts ...TicketOption) (*TicketIssuer, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating AES-GCM: %w", err)
	}

	t := &TicketIssuer{
		aead:  aead,
		rand:  rand.Reader,
		clock: clock.RealClock{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Issue seals a session into a fresh ticket.
func (t *TicketIssuer) Issue(sess ra.Session) ([]byte, error) {
	payload, err := cbor.Marshal(ticketPayload{
		SecretKey:  [16]byte(sess.SecretKey),
		MaskingKey: [16]byte(sess.MaskingKey),
		Report:     sess.Report,
		IssuedAt:   t.clock.Now().Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding ticket payload: %w", err)
	}

	nonce := make([]byte, t.aead.NonceSize())
	if _, err := io.ReadFull(t.rand, nonce); err != nil {
		return nil, fmt.Errorf("drawing ticket nonce: %w", err)
	}

	return t.aead.Seal(nonce, nonce, payload, nil), nil
}

// Redeem unseals a ticket back into the session it was issued for. Expired,
// forged, or truncated tickets fail.
func (t *TicketIssuer) Redeem(ticket []byte) (ra.Session, error) {
	if len(ticket) < t.aead.NonceSize() {
		return ra.Session{}, fmt.Errorf("ticket is too short to be parsed (received: %d bytes)", len(ticket))
	}
	nonce := ticket[:t.aead.NonceSize()]

	payloadRaw, err := t.aead.Open(nil, nonce, ticket[t.aead.NonceSize():], nil)
	if err != nil {
		return ra.Session{}, fmt.Errorf("unsealing ticket: %w", err)
	}

	var payload ticketPayload
	if err := cbor.Unmarshal(payloadRaw, &payload); err != nil {
		return ra.Session{}, fmt.Errorf("decoding ticket payload: %w", err)
	}

	if t.ttl != 0 {
		age := t.clock.Now().Sub(time.Unix(payload.IssuedAt, 0))
		if age > t.ttl {
			return ra.Session{}, fmt.Errorf("ticket expired (issued %s ago)", age)
		}
	}

	return ra.Session{
		SecretKey:  types.SubKey128(payload.SecretKey),
		MaskingKey: types.SubKey128(payload.MaskingKey),
		Report:     payload.Report,
	}, nil
}
