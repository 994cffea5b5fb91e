package types

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReportJSON(t *testing.T, nonce string, pseHash string) []byte {
	t.Helper()

	body := testQuoteBody()
	raw := body.Marshal()

	doc := map[string]any{
		"id":                    "142090828149453720542199954221331163261",
		"timestamp":             "2026-08-06T10:15:00.123456",
		"version":               4,
		"isvEnclaveQuoteStatus": "OK",
		"isvEnclaveQuoteBody":   base64.StdEncoding.EncodeToString(raw[:]),
		"nonce":                 nonce,
	}
	if pseHash != "" {
		doc["pseManifestStatus"] = "OK"
		doc["pseManifestHash"] = pseHash
	}

	reportJSON, err := json.Marshal(doc)
	require.NoError(t, err)
	return reportJSON
}

func TestIASReportUnmarshal(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	pseHash := hex.EncodeToString(make([]byte, 32))
	var report IASReport
	require.NoError(json.Unmarshal(testReportJSON(t, "somenonce", pseHash), &report))

	assert.Equal("142090828149453720542199954221331163261", report.ReportID)
	assert.Equal(uint16(4), report.Version)
	assert.Equal(QuoteOK, report.ISVStatus)
	assert.Equal(PSEOK, report.PSEStatus)
	assert.Equal("somenonce", report.Nonce)
	assert.Equal(testQuoteBody(), report.Quote)
	require.NotNil(report.PSEHash)
	assert.Equal([32]byte{}, *report.PSEHash)

	body := testQuoteBody()
	assert.Equal(body.Marshal(), report.RawQuoteBody)
}

func TestIASReportUnmarshalErrors(t *testing.T) {
	testCases := map[string]struct {
		doc string
	}{
		"not json": {doc: "{"},
		"bad quote base64": {
			doc: `{"isvEnclaveQuoteBody": "!!!"}`,
		},
		"short quote": {
			doc: fmt.Sprintf(`{"isvEnclaveQuoteBody": %q}`, base64.StdEncoding.EncodeToString(make([]byte, 10))),
		},
		"bad pse hash": {
			doc: fmt.Sprintf(`{"isvEnclaveQuoteBody": %q, "pseManifestHash": "zz"}`,
				base64.StdEncoding.EncodeToString(make([]byte, QuoteBodySize))),
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			var report IASReport
			assert.Error(t, json.Unmarshal([]byte(tc.doc), &report))
		})
	}
}

func TestMsg4RoundTrip(t *testing.T) {
	pseHash := [32]byte{0x12, 0x34}
	body := testQuoteBody()

	testCases := map[string]struct {
		msg4 Msg4
	}{
		"accepted": {
			msg4: Msg4{
				Report: IASReport{
					ReportID:     "report-1",
					Timestamp:    "2026-08-06T10:15:00.123456",
					Version:      4,
					ISVStatus:    QuoteOK,
					Nonce:        "AAAA",
					AdvisoryURL:  "https://security-center.example/advisories",
					AdvisoryIDs:  []string{"INTEL-SA-00233", "INTEL-SA-00161"},
					PSEStatus:    PSEOK,
					PSEHash:      &pseHash,
					Quote:        body,
					RawQuoteBody: body.Marshal(),
				},
				IsAccepted: 1,
			},
		},
		"rejected without report": {
			msg4: Msg4{IsAccepted: 0},
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			raw := tc.msg4.Marshal()
			parsed, err := ParseMsg4(raw)
			require.NoError(err)
			assert.Equal(tc.msg4, parsed)
			assert.Equal(raw, parsed.Marshal())
		})
	}
}

func TestParseMsg4Errors(t *testing.T) {
	assert := assert.New(t)

	body := testQuoteBody()
	msg4 := Msg4{Report: IASReport{RawQuoteBody: body.Marshal()}}
	raw := msg4.Marshal()

	_, err := ParseMsg4(raw[:len(raw)-1])
	assert.Error(err)

	_, err = ParseMsg4(append(raw, 0))
	assert.Error(err)

	_, err = ParseMsg4(nil)
	assert.Error(err)
}
