package session

import (
	"context"
	"crypto/rand"
	"io"

	"github.com/rs/zerolog"

	"github.com/teeguard/go-sgx-ra/ra"
	"github.com/teeguard/go-sgx-ra/ra/rpc"
	"github.com/teeguard/go-sgx-ra/ra/types"
	"github.com/teeguard/go-sgx-ra/transport"
)

// Channel is an established encrypted session: the envelope plus the
// attestation report vouching for the peer.
type Channel struct {
	env    *Envelope
	report types.IASReport
}

func newChannel(conn transport.Conn, sess ra.Session, rand io.Reader) *Channel {
	return &Channel{
		env:    NewEnvelope(conn, sess, WithEnvelopeRand(rand)),
		report: sess.Report,
	}
}

// Send writes one encrypted application frame.
func (c *Channel) Send(ctx context.Context, payload []byte) error {
	return c.env.Send(ctx, payload)
}

// Recv reads one encrypted application frame.
func (c *Channel) Recv(ctx context.Context) ([]byte, error) {
	return c.env.Recv(ctx)
}

// Report returns the attestation report of the session. For resumed sessions
// this is the report of the original handshake.
func (c *Channel) Report() types.IASReport {
	return c.report
}

// Close zeroizes the session keys.
func (c *Channel) Close() {
	c.env.Close()
}

// Client drives the verifier side of a connection: it attempts resume from a
// saved session and falls back to the full attestation handshake, picking up
// a fresh ticket afterwards.
type Client struct {
	source ra.QuoteSource
	policy ra.VerifierPolicy
	rand   io.Reader
	log    zerolog.Logger
}

// ClientOption adjusts a Client.
type ClientOption func(*Client)

// WithClientLogger installs a logger for handshake progress events.
func WithClientLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithClientRand replaces the entropy source used across handshakes.
func WithClientRand(r io.Reader) ClientOption {
	return func(c *Client) { c.rand = r }
}

// NewClient creates a handshake client.
func NewClient(source ra.QuoteSource, policy ra.VerifierPolicy, opts ...ClientOption) (*Client, error) {
	if policy.AcceptSPKey == nil {
		return nil, ra.Errorf(ra.PolicyViolation, "policy does not pin a service provider key")
	}

	c := &Client{
		source: source,
		policy: policy,
		rand:   rand.Reader,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Handshake connects a session. With a saved session it first attempts
// resume; on fallback it runs the full attestation handshake and stores the
// newly issued ticket. The returned ClientSession is what to save for the
// next connection.
func (c *Client) Handshake(ctx context.Context, conn transport.Conn, saved *ClientSession) (*Channel, *ClientSession, error) {
	resumed, err := resumeFromTicket(ctx, conn, saved, c.rand)
	if err != nil {
		return nil, nil, err
	}
	if resumed != nil {
		c.log.Debug().Msg("session resumed from ticket")
		return newChannel(conn, *resumed, c.rand), saved, nil
	}
	c.log.Debug().Msg("falling back to full attestation")

	sess, err := c.attest(ctx, conn)
	if err != nil {
		return nil, nil, err
	}

	channel := newChannel(conn, *sess, c.rand)
	ticket, err := c.fetchTicket(ctx, channel)
	if err != nil {
		channel.Close()
		return nil, nil, err
	}

	c.log.Debug().Msg("session attested")
	return channel, &ClientSession{Ticket: ticket, Session: *sess}, nil
}

// attest runs the verifier over msg0 through msg4.
func (c *Client) attest(ctx context.Context, conn transport.Conn) (*ra.Session, error) {
	verifier, err := ra.NewVerifier(c.source, c.policy, ra.WithVerifierRand(c.rand))
	if err != nil {
		return nil, err
	}
	defer verifier.Close()

	msg0, err := verifier.GetMsg0s()
	if err != nil {
		return nil, err
	}
	msg0Raw := msg0.Marshal()
	if err := transport.SendRawAll(ctx, conn, msg0Raw[:]); err != nil {
		return nil, ra.WrapIOError(err)
	}

	var msg0rRaw [types.Msg0RespSize]byte
	if err := transport.RecvRawAll(ctx, conn, msg0rRaw[:]); err != nil {
		return nil, ra.WrapIOError(err)
	}
	msg0r, err := types.ParseMsg0Resp(msg0rRaw[:])
	if err != nil {
		return nil, ra.Errorf(ra.Protocol, "parsing msg0r: %w", err)
	}
	msg1, err := verifier.ProcessMsg0r(ctx, msg0r)
	if err != nil {
		return nil, err
	}
	msg1Raw := msg1.Marshal()
	if err := transport.SendRawAll(ctx, conn, msg1Raw[:]); err != nil {
		return nil, ra.WrapIOError(err)
	}

	msg2Raw, err := transport.RecvContainer(ctx, conn)
	if err != nil {
		return nil, ra.WrapIOError(err)
	}
	msg2, err := types.ParseMsg2(msg2Raw)
	if err != nil {
		return nil, ra.Errorf(ra.Protocol, "parsing msg2: %w", err)
	}
	msg3, err := verifier.ProcessMsg2(ctx, msg2)
	if err != nil {
		return nil, err
	}
	if err := transport.SendContainer(ctx, conn, msg3.Marshal()); err != nil {
		return nil, ra.WrapIOError(err)
	}

	sealedMsg4, err := transport.RecvContainer(ctx, conn)
	if err != nil {
		return nil, ra.WrapIOError(err)
	}
	if err := verifier.ProcessMsg4(sealedMsg4); err != nil {
		return nil, err
	}

	sess, err := verifier.Session()
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// fetchTicket receives the server's ticket RPC over the encrypted channel.
// The ticket is opaque; an empty result means the server issued none.
func (c *Client) fetchTicket(ctx context.Context, channel *Channel) ([]byte, error) {
	frame, err := channel.Recv(ctx)
	if err != nil {
		return nil, err
	}

	parser, err := rpc.Parse(frame)
	if err != nil {
		return nil, ra.Errorf(ra.Protocol, "parsing ticket message: %w", err)
	}
	hasNewTicket, err := parser.Uint8()
	if err != nil {
		return nil, ra.Errorf(ra.Protocol, "parsing ticket message: %w", err)
	}
	if hasNewTicket != hasTicket {
		return nil, nil
	}

	ticket, err := parser.Binary()
	if err != nil {
		return nil, ra.Errorf(ra.Protocol, "parsing ticket: %w", err)
	}
	c.log.Debug().Int("size", len(ticket)).Msg("ticket received")
	return ticket, nil
}
