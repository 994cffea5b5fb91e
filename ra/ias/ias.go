/*
Package ias talks to the EPID attestation reporting service and validates the
signed attestation verification reports it returns.

The service is used twice per handshake:

  - While building msg2, the service provider fetches the signature revocation
    list for the verifier's EPID group.

  - While processing msg3, the service provider submits the enclave quote
    together with a fresh nonce and receives a signed report, the report
    signature, and the signing certificate chain.

The report signature chain is verified against a pinned report-signing root
CA; the report itself is an RSA-signed JSON document whose embedded quote
body, nonce, and statuses are checked by the Validator.
*/
package ias

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
)

const (
	// apiVersion is the version of the attestation API to use.
	apiVersion = "v4"
	// sigRLPath is the path to the signature revocation list.
	sigRLPath = "attestation/" + apiVersion + "/sigrl"
	// reportPath is the path quotes are submitted to.
	reportPath = "attestation/" + apiVersion + "/report"
	// signatureHeader carries the base64 report signature.
	signatureHeader = "X-IASReport-Signature"
	// certChainHeader carries the URL-encoded PEM signing certificate chain.
	certChainHeader = "X-IASReport-Signing-Certificate"
	// subscriptionKeyHeader authenticates the service provider.
	subscriptionKeyHeader = "Ocp-Apim-Subscription-Key"
)

// QuoteReport is the raw result of submitting a quote: the signed JSON
// document exactly as returned, the decoded report signature, and the PEM
// signing certificate chain.
type QuoteReport struct {
	Report    []byte
	Signature []byte
	CertChain []byte
}

// Client is the narrow contract the prover needs from the reporting service.
type Client interface {
	// GetSigRL fetches the signature revocation list for an EPID group.
	// The returned string is base64; it may be empty when the group has no
	// revoked members.
	GetSigRL(ctx context.Context, gid [4]byte) (string, error)

	// GetQuoteReport submits a quote for verification and returns the signed
	// report bundle.
	GetQuoteReport(ctx context.Context, quote []byte, nonce string, enablePSE bool) (QuoteReport, error)
}

// HTTPClient is a Client backed by the attestation reporting HTTP API.
type HTTPClient struct {
	baseURL         *url.URL
	subscriptionKey string
	client          *http.Client
}

// NewHTTPClient returns a client for the reporting service at baseURL,
// authenticating with the given subscription key.
func NewHTTPClient(baseURL, subscriptionKey string) (*HTTPClient, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing reporting service URL: %w", err)
	}
	return &HTTPClient{
		baseURL:         parsed,
		subscriptionKey: subscriptionKey,
		client:          http.DefaultClient,
	}, nil
}

// GetSigRL fetches the signature revocation list for an EPID group.
func (c *HTTPClient) GetSigRL(ctx context.Context, gid [4]byte) (string, error) {
	// The group id is hex encoded big-endian in the URL.
	gidBE := [4]byte{gid[3], gid[2], gid[1], gid[0]}
	uri := c.url(path.Join(sigRLPath, hex.EncodeToString(gidBE[:])))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set(subscriptionKeyHeader, c.subscriptionKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("request failed with status %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	return string(body), nil
}

// GetQuoteReport submits a quote for verification.
func (c *HTTPClient) GetQuoteReport(ctx context.Context, quote []byte, nonce string, enablePSE bool) (QuoteReport, error) {
	request := struct {
		Quote       string `json:"isvEnclaveQuote"`
		Nonce       string `json:"nonce,omitempty"`
		PSEManifest string `json:"pseManifest,omitempty"`
	}{
		Quote: base64.StdEncoding.EncodeToString(quote),
		Nonce: nonce,
	}
	requestBody, err := json.Marshal(request)
	if err != nil {
		return QuoteReport{}, fmt.Errorf("encoding report request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(reportPath), bytes.NewReader(requestBody))
	if err != nil {
		return QuoteReport{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(subscriptionKeyHeader, c.subscriptionKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return QuoteReport{}, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return QuoteReport{}, fmt.Errorf("request failed with status %s", resp.Status)
	}

	report, err := io.ReadAll(resp.Body)
	if err != nil {
		return QuoteReport{}, fmt.Errorf("reading response: %w", err)
	}

	signature, err := base64.StdEncoding.DecodeString(resp.Header.Get(signatureHeader))
	if err != nil {
		return QuoteReport{}, fmt.Errorf("decoding report signature header: %w", err)
	}

	certChain, err := url.QueryUnescape(resp.Header.Get(certChainHeader))
	if err != nil {
		return QuoteReport{}, fmt.Errorf("decoding signing certificate header: %w", err)
	}

	return QuoteReport{
		Report:    report,
		Signature: signature,
		CertChain: []byte(certChain),
	}, nil
}

func (c *HTTPClient) url(requestPath string) string {
	uri := *c.baseURL
	uri.Path = path.Join(uri.Path, requestPath)
	return uri.String()
}
