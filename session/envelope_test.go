package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/teeguard/go-sgx-ra/ra"
	"github.com/teeguard/go-sgx-ra/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testSession() ra.Session {
	return ra.Session{
		SecretKey:  [16]byte{1, 2, 3},
		MaskingKey: [16]byte{4, 5, 6},
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	sender := NewEnvelope(connA, testSession())
	receiver := NewEnvelope(connB, testSession())
	defer sender.Close()
	defer receiver.Close()

	payloads := [][]byte{
		[]byte("first"),
		[]byte("second"),
		{},
	}

	done := make(chan error, 1)
	go func() {
		for _, payload := range payloads {
			if err := sender.Send(ctx, payload); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for _, want := range payloads {
		got, err := receiver.Recv(ctx)
		require.NoError(err)
		assert.Equal(want, got)
	}
	require.NoError(<-done)
}

func TestEnvelopeRejectsReplay(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	sender := NewEnvelope(connA, testSession())
	receiver := NewEnvelope(connB, testSession())
	defer sender.Close()
	defer receiver.Close()

	// capture the sealed frame so it can be delivered twice
	frameCh := make(chan []byte, 1)
	go func() {
		_ = sender.Send(ctx, []byte("data"))
	}()
	go func() {
		frame, err := transport.RecvContainer(ctx, connB)
		if err != nil {
			close(frameCh)
			return
		}
		frameCh <- frame
	}()
	frame, ok := <-frameCh
	require.True(ok)

	connC, connD := net.Pipe()
	defer connC.Close()
	defer connD.Close()
	replayReceiver := NewEnvelope(connD, testSession())
	defer replayReceiver.Close()

	deliver := func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- transport.SendContainer(ctx, connC, frame) }()
		_, err := replayReceiver.Recv(ctx)
		require.NoError(<-errCh)
		return err
	}

	require.NoError(deliver())

	err := deliver()
	assert.Equal(ra.ReplayDetected, ra.KindOf(err))
}

func TestEnvelopeRejectsTamper(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	sender := NewEnvelope(connA, testSession())
	receiver := NewEnvelope(connB, testSession())
	defer sender.Close()
	defer receiver.Close()

	frameCh := make(chan []byte, 1)
	go func() {
		_ = sender.Send(ctx, []byte("data"))
	}()
	go func() {
		frame, _ := transport.RecvContainer(ctx, connB)
		frameCh <- frame
	}()
	frame := <-frameCh
	require.NotEmpty(frame)
	frame[len(frame)-1] ^= 1

	connC, connD := net.Pipe()
	defer connC.Close()
	defer connD.Close()
	tamperReceiver := NewEnvelope(connD, testSession())
	defer tamperReceiver.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- transport.SendContainer(ctx, connC, frame) }()
	_, err := tamperReceiver.Recv(ctx)
	require.NoError(<-errCh)
	assert.Equal(ra.CryptoFailure, ra.KindOf(err))
}

func TestEnvelopeRecvTimeout(t *testing.T) {
	assert := assert.New(t)

	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	receiver := NewEnvelope(connB, testSession())
	defer receiver.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := receiver.Recv(ctx)
	assert.Equal(ra.Timeout, ra.KindOf(err))
}
