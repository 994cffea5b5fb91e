package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/teeguard/go-sgx-ra/ra"
	"github.com/teeguard/go-sgx-ra/ra/types"
)

func TestTicketRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	issuer, err := NewTicketIssuer([16]byte{0x42})
	require.NoError(err)

	sess := ra.Session{
		SecretKey:  [16]byte{1},
		MaskingKey: [16]byte{2},
		Report: types.IASReport{
			ReportID:  "42",
			Version:   4,
			ISVStatus: types.QuoteOK,
		},
	}

	ticket, err := issuer.Issue(sess)
	require.NoError(err)
	assert.NotEmpty(ticket)

	redeemed, err := issuer.Redeem(ticket)
	require.NoError(err)
	assert.Equal(sess.SecretKey, redeemed.SecretKey)
	assert.Equal(sess.MaskingKey, redeemed.MaskingKey)
	assert.Equal(sess.Report.ReportID, redeemed.Report.ReportID)
	assert.Equal(sess.Report.ISVStatus, redeemed.Report.ISVStatus)
}

func TestTicketRejectsTamper(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	issuer, err := NewTicketIssuer([16]byte{0x42})
	require.NoError(err)

	ticket, err := issuer.Issue(ra.Session{})
	require.NoError(err)

	tampered := append([]byte{}, ticket...)
	tampered[len(tampered)-1] ^= 1
	_, err = issuer.Redeem(tampered)
	assert.Error(err)

	_, err = issuer.Redeem(ticket[:4])
	assert.Error(err)

	// a ticket sealed under a different key
	otherIssuer, err := NewTicketIssuer([16]byte{0x43})
	require.NoError(err)
	_, err = otherIssuer.Redeem(ticket)
	assert.Error(err)
}

func TestTicketExpiry(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	clock := testclock.NewFakePassiveClock(time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC))
	issuer, err := NewTicketIssuer([16]byte{0x42},
		WithTicketTTL(time.Hour),
		WithTicketClock(clock),
	)
	require.NoError(err)

	ticket, err := issuer.Issue(ra.Session{})
	require.NoError(err)

	_, err = issuer.Redeem(ticket)
	assert.NoError(err)

	clock.SetTime(clock.Now().Add(2 * time.Hour))
	_, err = issuer.Redeem(ticket)
	assert.Error(err)
}
