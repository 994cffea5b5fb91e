/*
Package session sits above a completed attestation handshake. It provides the
authenticated-encryption envelope application data travels in, the
ticket-based resume exchange that lets peers skip repeated attestation, and
the client and server drivers that sequence resume, fallback, and ticket
issuance over a transport stream.
*/
package session

import (
	"context"
	"crypto/rand"
	"io"

	"github.com/teeguard/go-sgx-ra/ra"
	"github.com/teeguard/go-sgx-ra/ra/crypto"
	"github.com/teeguard/go-sgx-ra/ra/types"
	"github.com/teeguard/go-sgx-ra/transport"
)

// Envelope frames application data over an established session. Every frame
// is AES-GCM sealed under SK with an AAD derived by masking a per-direction
// counter under MK, so replayed or reordered frames fail authentication.
type Envelope struct {
	conn transport.Conn
	sk   types.SubKey128
	mk   types.SubKey128
	rand io.Reader

	sendCount uint64
	recvCount uint64
}

// EnvelopeOption adjusts an Envelope.
type EnvelopeOption func(*Envelope)

// WithEnvelopeRand replaces the entropy source used for frame IVs.
func WithEnvelopeRand(r io.Reader) EnvelopeOption {
	return func(e *Envelope) { e.rand = r }
}

// NewEnvelope wraps a transport stream with the session's keys. Counters
// start at zero on both sides; the first frame in each direction is counter
// one, continuing the numbering msg4 started.
func NewEnvelope(conn transport.Conn, sess ra.Session, opts ...EnvelopeOption) *Envelope {
	e := &Envelope{
		conn: conn,
		sk:   sess.SecretKey,
		mk:   sess.MaskingKey,
		rand: rand.Reader,

		sendCount: ra.Msg4Counter,
		recvCount: ra.Msg4Counter,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Send seals a payload under the next outbound counter and writes it as a
// length-prefixed container.
func (e *Envelope) Send(ctx context.Context, payload []byte) error {
	frame, err := crypto.SealFrame(e.rand, e.sk, e.mk, e.sendCount+1, payload)
	if err != nil {
		return ra.Errorf(ra.CryptoFailure, "sealing frame: %w", err)
	}
	if err := transport.SendContainer(ctx, e.conn, frame); err != nil {
		return ra.WrapIOError(err)
	}
	e.sendCount++
	return nil
}

// Recv reads one frame and opens it against the next expected counter. A
// frame that fails but authenticates under the previous counter is a
// duplicate delivery and reported as such; any other tag failure is a fatal
// crypto error.
func (e *Envelope) Recv(ctx context.Context) ([]byte, error) {
	frame, err := transport.RecvContainer(ctx, e.conn)
	if err != nil {
		return nil, ra.WrapIOError(err)
	}

	payload, err := crypto.OpenFrame(e.sk, e.mk, e.recvCount+1, frame)
	if err == nil {
		e.recvCount++
		return payload, nil
	}

	if _, replayErr := crypto.OpenFrame(e.sk, e.mk, e.recvCount, frame); replayErr == nil {
		return nil, ra.Errorf(ra.ReplayDetected, "frame %d delivered twice", e.recvCount)
	}
	return nil, ra.Errorf(ra.CryptoFailure, "opening frame %d: %w", e.recvCount+1, err)
}

// Close zeroizes the session keys. The envelope is unusable afterwards.
func (e *Envelope) Close() {
	crypto.Zeroize(e.sk[:], e.mk[:])
}
