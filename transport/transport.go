// Package transport defines the byte-stream contract the handshake runs over
// and the two framings used on it: raw fixed-size structs for msg0s, msg0r,
// and msg1, and u64 length-prefixed containers for msg2, msg3, msg4, RPC
// frames, and encrypted session frames. The variable-length msg2 and msg3
// are not sent as raw structs.
//
// The stream itself is supplied by the caller; net.Conn and net.Pipe ends
// satisfy Conn directly.
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// maxContainerSize bounds the length prefix accepted by RecvContainer, so a
// corrupt or hostile peer cannot make us allocate unbounded memory.
const maxContainerSize = 16 * 1024 * 1024

// Conn is a bidirectional byte stream with deadline support.
type Conn interface {
	io.Reader
	io.Writer
	SetDeadline(t time.Time) error
}

// SendRawAll writes the whole buffer to the stream, honoring the context
// deadline if one is set.
func SendRawAll(ctx context.Context, conn Conn, buf []byte) error {
	if err := applyDeadline(ctx, conn); err != nil {
		return err
	}
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("writing %d bytes: %w", len(buf), err)
	}
	return nil
}

// RecvRawAll reads exactly len(buf) bytes from the stream, honoring the
// context deadline if one is set.
func RecvRawAll(ctx context.Context, conn Conn, buf []byte) error {
	if err := applyDeadline(ctx, conn); err != nil {
		return err
	}
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("reading %d bytes: %w", len(buf), err)
	}
	return nil
}

// SendContainer writes a u64 length prefix followed by the payload.
func SendContainer(ctx context.Context, conn Conn, payload []byte) error {
	if err := applyDeadline(ctx, conn); err != nil {
		return err
	}
	prefix := make([]byte, 8)
	binary.LittleEndian.PutUint64(prefix, uint64(len(payload)))
	if _, err := conn.Write(prefix); err != nil {
		return fmt.Errorf("writing container length: %w", err)
	}
	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			return fmt.Errorf("writing container payload: %w", err)
		}
	}
	return nil
}

// RecvContainer reads a u64 length prefix and returns the payload.
func RecvContainer(ctx context.Context, conn Conn) ([]byte, error) {
	if err := applyDeadline(ctx, conn); err != nil {
		return nil, err
	}
	prefix := make([]byte, 8)
	if _, err := io.ReadFull(conn, prefix); err != nil {
		return nil, fmt.Errorf("reading container length: %w", err)
	}
	size := binary.LittleEndian.Uint64(prefix)
	if size > maxContainerSize {
		return nil, fmt.Errorf("container is too large (%d bytes)", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, fmt.Errorf("reading container payload: %w", err)
	}
	return payload, nil
}

func applyDeadline(ctx context.Context, conn Conn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("setting stream deadline: %w", err)
	}
	return nil
}
