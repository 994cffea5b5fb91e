package ra

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a handshake failure.
type Kind int

// Failure kinds. ResumeFailed is the only recoverable kind: the caller falls
// back to a full handshake. Everything else terminates the session.
const (
	// Protocol covers unexpected messages, wrong state, and malformed layouts.
	Protocol Kind = iota + 1
	// CryptoFailure covers failed signature, MAC, GCM, and chain verification.
	CryptoFailure
	// AttestationRejected covers non-OK report statuses and quote, nonce, or
	// PSE mismatches.
	AttestationRejected
	// ReportingService covers transport or HTTP failures reaching the
	// attestation reporting service.
	ReportingService
	// Transport covers short reads, EOF, and framing errors.
	Transport
	// Timeout covers expired deadlines on blocking I/O.
	Timeout
	// PolicyViolation covers SP key, SPID, extended group, or KDF ids
	// disallowed by local policy.
	PolicyViolation
	// ResumeFailed marks a failed resume exchange; recovered by falling back
	// to full attestation.
	ResumeFailed
	// ReplayDetected marks a duplicate or backwards counter in the session
	// envelope.
	ReplayDetected
)

func (k Kind) String() string {
	switch k {
	case Protocol:
		return "protocol error"
	case CryptoFailure:
		return "crypto failure"
	case AttestationRejected:
		return "attestation rejected"
	case ReportingService:
		return "reporting service error"
	case Transport:
		return "transport error"
	case Timeout:
		return "timeout"
	case PolicyViolation:
		return "policy violation"
	case ResumeFailed:
		return "resume failed"
	case ReplayDetected:
		return "replay detected"
	default:
		return "unknown error"
	}
}

// Error is a typed handshake failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an Error of the given kind.
func Errorf(kind Kind, format string, a ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, a...)}
}

// KindOf extracts the failure kind from an error chain; zero if none.
func KindOf(err error) Kind {
	var raErr *Error
	if errors.As(err, &raErr) {
		return raErr.Kind
	}
	return 0
}

// wrapIOError classifies an I/O failure as Timeout or Transport.
func wrapIOError(err error) *Error {
	kind := Transport
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = Timeout
	}
	return &Error{Kind: kind, Err: err}
}

// WrapIOError classifies an I/O failure from the transport as Timeout or
// Transport for callers driving the handshake.
func WrapIOError(err error) error {
	if err == nil {
		return nil
	}
	return wrapIOError(err)
}
