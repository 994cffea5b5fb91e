package ias

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSigRL(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/attestation/v4/sigrl/00000b0b", r.URL.Path)
		assert.Equal("testkey", r.Header.Get(subscriptionKeyHeader))
		_, _ = w.Write([]byte("AAIADgsLAAA="))
	}))
	defer server.Close()
	defer server.Client().CloseIdleConnections()

	client, err := NewHTTPClient(server.URL, "testkey")
	require.NoError(err)
	client.client = server.Client()

	sigRL, err := client.GetSigRL(context.Background(), [4]byte{0x0b, 0x0b, 0, 0})
	require.NoError(err)
	assert.Equal("AAIADgsLAAA=", sigRL)
}

func TestGetQuoteReport(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	reportJSON := []byte(`{"id": "42"}`)
	signature := []byte{1, 2, 3, 4}
	certChain := "-----BEGIN CERTIFICATE-----\nZm9v\n-----END CERTIFICATE-----\n"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/attestation/v4/report", r.URL.Path)
		assert.Equal(http.MethodPost, r.Method)

		w.Header().Set(signatureHeader, base64.StdEncoding.EncodeToString(signature))
		w.Header().Set(certChainHeader, url.QueryEscape(certChain))
		_, _ = w.Write(reportJSON)
	}))
	defer server.Close()
	defer server.Client().CloseIdleConnections()

	client, err := NewHTTPClient(server.URL, "testkey")
	require.NoError(err)
	client.client = server.Client()

	result, err := client.GetQuoteReport(context.Background(), []byte{9, 9, 9}, "nonce", false)
	require.NoError(err)
	assert.Equal(reportJSON, result.Report)
	assert.Equal(signature, result.Signature)
	assert.Equal(certChain, string(result.CertChain))
}

func TestGetQuoteReportHTTPError(t *testing.T) {
	require := require.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()
	defer server.Client().CloseIdleConnections()

	client, err := NewHTTPClient(server.URL, "wrongkey")
	require.NoError(err)
	client.client = server.Client()

	_, err = client.GetQuoteReport(context.Background(), []byte{1}, "nonce", false)
	require.Error(err)

	_, err = client.GetSigRL(context.Background(), [4]byte{})
	require.Error(err)
}
