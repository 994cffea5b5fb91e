package session

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/teeguard/go-sgx-ra/ra"
	"github.com/teeguard/go-sgx-ra/ra/crypto"
	"github.com/teeguard/go-sgx-ra/ra/rpc"
	"github.com/teeguard/go-sgx-ra/transport"
)

/*
   Resume exchange, run before the full handshake:

   client                                 server
      | -- ("NoTicket")  ----------------->  |   both fall back to full RA
   or
      | -- ("HasTicket", ticket, cNonce) ->  |
      | <- ("NotAccepted") ----------------  |   both fall back to full RA
   or
      | <- ("Accepted", sNonce) -----------  |
      | -- finishC ----------------------->  |
      | <- finishS -----------------------   |

   Each finish tag is TLS-PRF(savedSK, "finished", SHA256(peer's RPC as sent
   on the wire)), truncated to 12 bytes, and each side checks the received tag
   against the PRF over its own RPC. Both then derive fresh session keys from
   the saved ones, salted with both nonces.
*/

const (
	noTicket  = 0
	hasTicket = 1

	notAccepted = 0
	accepted    = 1

	finishLabel  = "finished"
	finishSize   = 12
	rekeyLabel   = "new_session_keys"
	rekeySaltLen = 16
)

// ClientSession is what a client keeps between connections: the server-issued
// opaque ticket and the attested session it belongs to.
type ClientSession struct {
	Ticket  []byte
	Session ra.Session
}

// resumeFromTicket runs the client side of the resume exchange. It returns
// nil without error when the parties agreed to fall back to full attestation.
func resumeFromTicket(ctx context.Context, conn transport.Conn, saved *ClientSession, rand io.Reader) (*ra.Session, error) {
	if saved == nil || len(saved.Ticket) == 0 {
		frame := rpc.NewWriter().AddUint8(noTicket).Finish()
		if err := transport.SendContainer(ctx, conn, frame); err != nil {
			return nil, ra.WrapIOError(err)
		}
		return nil, nil
	}

	selfNonce, err := crypto.RandUint64(rand)
	if err != nil {
		return nil, ra.Errorf(ra.CryptoFailure, "drawing resume nonce: %w", err)
	}

	frame := rpc.NewWriter().
		AddUint8(hasTicket).
		AddBinary(saved.Ticket).
		AddUint64(selfNonce).
		Finish()
	if err := transport.SendContainer(ctx, conn, frame); err != nil {
		return nil, ra.WrapIOError(err)
	}
	selfHash := sha256.Sum256(frame)

	respFrame, err := transport.RecvContainer(ctx, conn)
	if err != nil {
		return nil, ra.WrapIOError(err)
	}
	peerHash := sha256.Sum256(respFrame)

	resp, err := rpc.Parse(respFrame)
	if err != nil {
		return nil, ra.Errorf(ra.Protocol, "parsing resume response: %w", err)
	}
	ticketRes, err := resp.Uint8()
	if err != nil {
		return nil, ra.Errorf(ra.Protocol, "parsing resume response: %w", err)
	}
	if ticketRes != accepted {
		return nil, nil
	}
	peerNonce, err := resp.Uint64()
	if err != nil {
		return nil, ra.Errorf(ra.Protocol, "parsing resume response: %w", err)
	}

	savedSK := saved.Session.SecretKey

	finishC := crypto.TLSPRF(savedSK, finishLabel, peerHash[:], finishSize)
	if err := transport.SendContainer(ctx, conn, finishC); err != nil {
		return nil, ra.WrapIOError(err)
	}

	peerFinish, err := transport.RecvContainer(ctx, conn)
	if err != nil {
		return nil, ra.WrapIOError(err)
	}
	expected := crypto.TLSPRF(savedSK, finishLabel, selfHash[:], finishSize)
	if !crypto.ConstantTimeEqual(peerFinish, expected) {
		// Past this point there is no fallback; a bad tag from an accepting
		// server is an attack or corruption, not a stale ticket.
		return nil, ra.Errorf(ra.CryptoFailure, "resume finish tag mismatch")
	}

	return rederiveSession(saved.Session, selfNonce, peerNonce)
}

// acceptResume runs the server side of the resume exchange against the
// client's opening RPC. It returns nil without error when the parties agreed
// to fall back to full attestation.
func acceptResume(ctx context.Context, conn transport.Conn, openFrame []byte, redeem func([]byte) (ra.Session, error), rand io.Reader) (*ra.Session, error) {
	peerHash := sha256.Sum256(openFrame)

	req, err := rpc.Parse(openFrame)
	if err != nil {
		return nil, ra.Errorf(ra.Protocol, "parsing resume request: %w", err)
	}
	ticketReq, err := req.Uint8()
	if err != nil {
		return nil, ra.Errorf(ra.Protocol, "parsing resume request: %w", err)
	}
	if ticketReq != hasTicket {
		return nil, nil
	}
	ticket, err := req.Binary()
	if err != nil {
		return nil, ra.Errorf(ra.Protocol, "parsing resume ticket: %w", err)
	}
	peerNonce, err := req.Uint64()
	if err != nil {
		return nil, ra.Errorf(ra.Protocol, "parsing resume nonce: %w", err)
	}

	saved, redeemErr := redeem(ticket)
	if redeemErr != nil {
		frame := rpc.NewWriter().AddUint8(notAccepted).Finish()
		if err := transport.SendContainer(ctx, conn, frame); err != nil {
			return nil, ra.WrapIOError(err)
		}
		return nil, nil
	}

	selfNonce, err := crypto.RandUint64(rand)
	if err != nil {
		return nil, ra.Errorf(ra.CryptoFailure, "drawing resume nonce: %w", err)
	}

	frame := rpc.NewWriter().AddUint8(accepted).AddUint64(selfNonce).Finish()
	if err := transport.SendContainer(ctx, conn, frame); err != nil {
		return nil, ra.WrapIOError(err)
	}
	selfHash := sha256.Sum256(frame)

	peerFinish, err := transport.RecvContainer(ctx, conn)
	if err != nil {
		return nil, ra.WrapIOError(err)
	}
	expected := crypto.TLSPRF(saved.SecretKey, finishLabel, selfHash[:], finishSize)
	if !crypto.ConstantTimeEqual(peerFinish, expected) {
		return nil, ra.Errorf(ra.CryptoFailure, "resume finish tag mismatch")
	}

	finishS := crypto.TLSPRF(saved.SecretKey, finishLabel, peerHash[:], finishSize)
	if err := transport.SendContainer(ctx, conn, finishS); err != nil {
		return nil, ra.WrapIOError(err)
	}

	// Client nonce salts first on both sides.
	return rederiveSession(saved, peerNonce, selfNonce)
}

// rederiveSession derives the fresh per-session keys from a saved session and
// both resume nonces. The report carries over untouched.
func rederiveSession(saved ra.Session, clientNonce, serverNonce uint64) (*ra.Session, error) {
	salt := make([]byte, 0, rekeySaltLen)
	salt = binary.LittleEndian.AppendUint64(salt, clientNonce)
	salt = binary.LittleEndian.AppendUint64(salt, serverNonce)

	newSK, err := crypto.HKDF(saved.SecretKey, salt, rekeyLabel)
	if err != nil {
		return nil, ra.Errorf(ra.CryptoFailure, "rederiving secret key: %w", err)
	}
	newMK, err := crypto.HKDF(saved.MaskingKey, salt, rekeyLabel)
	if err != nil {
		return nil, ra.Errorf(ra.CryptoFailure, "rederiving masking key: %w", err)
	}

	return &ra.Session{
		SecretKey:  newSK,
		MaskingKey: newMK,
		Report:     saved.Report,
	}, nil
}
