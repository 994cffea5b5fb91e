package types

import (
	"testing"

	fuzzheaders "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQuoteBody() QuoteBody {
	return QuoteBody{
		Version:  2,
		SignType: QuoteTypeLinkable,
		GroupID:  [4]byte{0x0b, 0x0b, 0, 0},
		QESVN:    5,
		PCESVN:   7,
		XEID:     0,
		Basename: [32]byte{0x42},
		Report: ReportBody{
			CPUSVN:     [16]byte{1, 2, 3},
			MRENCLAVE:  [32]byte{0xaa},
			MRSIGNER:   [32]byte{0xbb},
			ISVProdID:  1,
			ISVSVN:     2,
			ReportData: [64]byte{0xcc},
		},
	}
}

func TestQuoteBodyRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	body := testQuoteBody()
	raw := body.Marshal()
	parsed, err := ParseQuoteBody(raw[:])
	require.NoError(err)
	assert.Equal(body, parsed)

	reRaw := parsed.Marshal()
	assert.Equal(raw, reRaw)
}

func TestQuoteRoundTrip(t *testing.T) {
	testCases := map[string]struct {
		signature []byte
	}{
		"no signature":   {signature: []byte{}},
		"with signature": {signature: []byte{9, 8, 7, 6, 5}},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			quote := Quote{
				Body:         testQuoteBody(),
				SignatureLen: uint32(len(tc.signature)),
				Signature:    tc.signature,
			}

			raw := quote.Marshal()
			require.Len(raw, QuoteMinSize+len(tc.signature))

			parsed, err := ParseQuote(raw)
			require.NoError(err)
			assert.Equal(quote.Body, parsed.Body)
			assert.Equal(quote.SignatureLen, parsed.SignatureLen)
			assert.Equal(raw, parsed.Marshal())
		})
	}
}

func TestParseQuoteErrors(t *testing.T) {
	testCases := map[string]struct {
		raw []byte
	}{
		"too short": {raw: make([]byte, QuoteMinSize-1)},
		"too large": {raw: make([]byte, quoteMaxSize+1)},
		"signature length overruns": {
			raw: func() []byte {
				quote := Quote{Body: testQuoteBody(), SignatureLen: 100, Signature: make([]byte, 10)}
				raw := quote.Marshal()
				return raw[:QuoteMinSize+10]
			}(),
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseQuote(tc.raw)
			assert.Error(t, err)
		})
	}
}

func FuzzParseQuoteBody(f *testing.F) {
	body := testQuoteBody()
	raw := body.Marshal()
	f.Add(raw[:])
	f.Fuzz(func(t *testing.T, a []byte) {
		target := QuoteBody{}
		fuzzConsumer := fuzzheaders.NewConsumer(a)
		if err := fuzzConsumer.GenerateStruct(&target); err != nil {
			return
		}

		marshaled := target.Marshal()
		parsed, err := ParseQuoteBody(marshaled[:])
		require.NoError(t, err)
		require.Equal(t, target, parsed)
	})
}
