package transport

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRawRoundTrip(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	sent := []byte{1, 2, 3, 4, 5}
	errCh := make(chan error, 1)
	go func() { errCh <- SendRawAll(ctx, connA, sent) }()

	got := make([]byte, len(sent))
	require.NoError(RecvRawAll(ctx, connB, got))
	require.NoError(<-errCh)
	require.Equal(sent, got)
}

func TestContainerRoundTrip(t *testing.T) {
	testCases := map[string]struct {
		payload []byte
	}{
		"empty":   {payload: []byte{}},
		"small":   {payload: []byte("hello")},
		"largish": {payload: make([]byte, 100000)},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)
			ctx := context.Background()

			connA, connB := net.Pipe()
			defer connA.Close()
			defer connB.Close()

			errCh := make(chan error, 1)
			go func() { errCh <- SendContainer(ctx, connA, tc.payload) }()

			got, err := RecvContainer(ctx, connB)
			require.NoError(err)
			require.NoError(<-errCh)
			require.Equal(tc.payload, got)
		})
	}
}

func TestRecvContainerRejectsOversized(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	prefix := make([]byte, 8)
	binary.LittleEndian.PutUint64(prefix, maxContainerSize+1)
	go func() {
		_, _ = connA.Write(prefix)
	}()

	_, err := RecvContainer(ctx, connB)
	require.Error(err)
}

func TestDeadline(t *testing.T) {
	assert := assert.New(t)

	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := RecvContainer(ctx, connB)
	assert.Error(err)

	// an already-expired context fails before touching the stream
	expired, cancelExpired := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancelExpired()
	assert.Error(SendRawAll(expired, connA, []byte{1}))
}
