package session

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"io"

	"github.com/rs/zerolog"

	"github.com/teeguard/go-sgx-ra/ra"
	"github.com/teeguard/go-sgx-ra/ra/ias"
	"github.com/teeguard/go-sgx-ra/ra/rpc"
	"github.com/teeguard/go-sgx-ra/ra/types"
	"github.com/teeguard/go-sgx-ra/transport"
)

// Server drives the service-provider side of a connection: it offers session
// resume, falls back to the full attestation handshake as prover, and issues
// a fresh ticket over the established channel.
type Server struct {
	cfg       types.RaConfig
	spid      [16]byte
	signKey   *ecdsa.PrivateKey
	client    ias.Client
	validator *ias.Validator
	tickets   *TicketIssuer

	allowResume bool
	policy      ra.QuotePolicy
	rand        io.Reader
	log         zerolog.Logger
}

// ServerOption adjusts a Server.
type ServerOption func(*Server)

// WithServerLogger installs a logger for handshake progress events.
func WithServerLogger(log zerolog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithServerRand replaces the entropy source used across handshakes.
func WithServerRand(r io.Reader) ServerOption {
	return func(s *Server) { s.rand = r }
}

// WithServerQuotePolicy installs a platform policy check on attested quotes.
func WithServerQuotePolicy(policy ra.QuotePolicy) ServerOption {
	return func(s *Server) { s.policy = policy }
}

// WithResumeDisabled makes the server answer every ticket with NotAccepted,
// forcing full attestation.
func WithResumeDisabled() ServerOption {
	return func(s *Server) { s.allowResume = false }
}

// NewServer creates a handshake server. The ticket issuer may be nil, in
// which case no tickets are issued and resume is never accepted.
func NewServer(cfg types.RaConfig, spid [16]byte, signKey *ecdsa.PrivateKey, client ias.Client, validator *ias.Validator, tickets *TicketIssuer, opts ...ServerOption) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, ra.Errorf(ra.PolicyViolation, "validating RA config: %w", err)
	}

	s := &Server{
		cfg:         cfg,
		spid:        spid,
		signKey:     signKey,
		client:      client,
		validator:   validator,
		tickets:     tickets,
		allowResume: true,
		rand:        rand.Reader,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handshake accepts one connection. It consumes the client's resume RPC,
// resumes the session if the ticket checks out, and otherwise runs the full
// attestation handshake followed by ticket issuance.
func (s *Server) Handshake(ctx context.Context, conn transport.Conn) (*Channel, error) {
	openFrame, err := transport.RecvContainer(ctx, conn)
	if err != nil {
		return nil, ra.WrapIOError(err)
	}

	resumed, err := acceptResume(ctx, conn, openFrame, s.redeem, s.rand)
	if err != nil {
		return nil, err
	}
	if resumed != nil {
		s.log.Debug().Msg("session resumed from ticket")
		return newChannel(conn, *resumed, s.rand), nil
	}
	s.log.Debug().Msg("falling back to full attestation")

	sess, err := s.attest(ctx, conn)
	if err != nil {
		return nil, err
	}

	channel := newChannel(conn, *sess, s.rand)
	if err := s.issueTicket(ctx, channel, *sess); err != nil {
		channel.Close()
		return nil, err
	}

	s.log.Debug().Msg("session attested")
	return channel, nil
}

func (s *Server) redeem(ticket []byte) (ra.Session, error) {
	if !s.allowResume || s.tickets == nil {
		return ra.Session{}, errors.New("resume is not allowed")
	}
	return s.tickets.Redeem(ticket)
}

// attest runs the prover over msg0 through msg4.
func (s *Server) attest(ctx context.Context, conn transport.Conn) (*ra.Session, error) {
	prover, err := ra.NewProver(s.cfg, s.spid, s.signKey, s.client, s.validator,
		ra.WithProverRand(s.rand), ra.WithQuotePolicy(s.policy))
	if err != nil {
		return nil, err
	}
	defer prover.Close()

	var msg0Raw [types.Msg0SendSize]byte
	if err := transport.RecvRawAll(ctx, conn, msg0Raw[:]); err != nil {
		return nil, ra.WrapIOError(err)
	}
	msg0, err := types.ParseMsg0Send(msg0Raw[:])
	if err != nil {
		return nil, ra.Errorf(ra.Protocol, "parsing msg0s: %w", err)
	}
	msg0r, err := prover.ProcessMsg0(msg0)
	if err != nil {
		return nil, err
	}
	msg0rRaw := msg0r.Marshal()
	if err := transport.SendRawAll(ctx, conn, msg0rRaw[:]); err != nil {
		return nil, ra.WrapIOError(err)
	}

	var msg1Raw [types.Msg1Size]byte
	if err := transport.RecvRawAll(ctx, conn, msg1Raw[:]); err != nil {
		return nil, ra.WrapIOError(err)
	}
	msg1, err := types.ParseMsg1(msg1Raw[:])
	if err != nil {
		return nil, ra.Errorf(ra.Protocol, "parsing msg1: %w", err)
	}
	msg2, err := prover.ProcessMsg1(ctx, msg1)
	if err != nil {
		return nil, err
	}
	if err := transport.SendContainer(ctx, conn, msg2.Marshal()); err != nil {
		return nil, ra.WrapIOError(err)
	}

	msg3Raw, err := transport.RecvContainer(ctx, conn)
	if err != nil {
		return nil, ra.WrapIOError(err)
	}
	msg3, err := types.ParseMsg3(msg3Raw)
	if err != nil {
		return nil, ra.Errorf(ra.Protocol, "parsing msg3: %w", err)
	}

	// A rejection still produces a sealed msg4; the verdict goes on the wire
	// before the error goes to the caller.
	sealedMsg4, verdictErr := prover.ProcessMsg3(ctx, msg3)
	if sealedMsg4 != nil {
		if err := transport.SendContainer(ctx, conn, sealedMsg4); err != nil {
			return nil, ra.WrapIOError(err)
		}
	}
	if verdictErr != nil {
		return nil, verdictErr
	}

	sess, err := prover.Session()
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// issueTicket sends a fresh ticket (or the no-ticket marker) over the
// encrypted channel.
func (s *Server) issueTicket(ctx context.Context, channel *Channel, sess ra.Session) error {
	if s.tickets == nil {
		return channel.Send(ctx, rpc.NewWriter().AddUint8(noTicket).Finish())
	}

	ticket, err := s.tickets.Issue(sess)
	if err != nil {
		return ra.Errorf(ra.CryptoFailure, "issuing ticket: %w", err)
	}
	s.log.Debug().Int("size", len(ticket)).Msg("ticket issued")
	return channel.Send(ctx, rpc.NewWriter().AddUint8(hasTicket).AddBinary(ticket).Finish())
}
