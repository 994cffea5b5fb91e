package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ticket := []byte{0xde, 0xad, 0xbe, 0xef}
	frame := NewWriter().
		AddUint8(1).
		AddBinary(ticket).
		AddUint64(0x1122334455667788).
		Finish()

	parser, err := Parse(frame)
	require.NoError(err)
	assert.Equal(frame, parser.Full())
	assert.Equal(uint32(3), parser.Remaining())

	flag, err := parser.Uint8()
	require.NoError(err)
	assert.Equal(uint8(1), flag)

	gotTicket, err := parser.Binary()
	require.NoError(err)
	assert.Equal(ticket, gotTicket)

	nonce, err := parser.Uint64()
	require.NoError(err)
	assert.Equal(uint64(0x1122334455667788), nonce)

	assert.Equal(uint32(0), parser.Remaining())
	_, err = parser.Uint8()
	assert.Error(err)
}

func TestEmptyBinary(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	frame := NewWriter().AddBinary(nil).Finish()
	parser, err := Parse(frame)
	require.NoError(err)

	value, err := parser.Binary()
	require.NoError(err)
	assert.Empty(value)
}

func TestParseErrors(t *testing.T) {
	testCases := map[string]struct {
		frame   []byte
		consume func(p *Parser) error
	}{
		"short frame": {
			frame: []byte{1, 0},
		},
		"wrong tag": {
			frame:   NewWriter().AddUint8(7).Finish(),
			consume: func(p *Parser) error { _, err := p.Binary(); return err },
		},
		"wrong primitive size": {
			frame:   NewWriter().AddUint8(7).Finish(),
			consume: func(p *Parser) error { _, err := p.Uint64(); return err },
		},
		"truncated binary": {
			frame: func() []byte {
				frame := NewWriter().AddBinary([]byte{1, 2, 3, 4}).Finish()
				return frame[:len(frame)-2]
			}(),
			consume: func(p *Parser) error { _, err := p.Binary(); return err },
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			parser, err := Parse(tc.frame)
			if err != nil {
				assert.Nil(tc.consume)
				return
			}
			assert.Error(tc.consume(parser))
		})
	}
}
