// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"
)

// HttpTimeout is the default timeout for calls to platform endpoints.
const HttpTimeout = 30 * time.Second

// ValidatingTransport refuses non-HTTPS requests, except to localhost when
// AllowLocalHTTP is set.
type ValidatingTransport struct {
	Transport      http.RoundTripper
	AllowLocalHTTP bool
}

// RoundTrip validates the request URL prior to forwarding.
func (t *ValidatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	switch {
	case req.URL.Scheme == "https":
	case req.URL.Scheme == "http" && t.AllowLocalHTTP && IsLocalhost(req.URL.Hostname()):
	default:
		return nil, fmt.Errorf("the supplied URL %s is not HTTPS scheme", req.URL.Redacted())
	}
	return t.Transport.RoundTrip(req)
}

func protectedDialerControl(_, address string, _ syscall.RawConn) error {
	return AddressReferencesPrivateIP(address)
}

// HttpClientBuilder builds the client used for JWKS, token and registration
// calls.
type HttpClientBuilder struct {
	clientTimeout         time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
	caCertPath            string
	allowPrivate          bool
	allowLocalHTTP        bool
}

// NewHttpClientBuilder returns a builder with default timeouts.
func NewHttpClientBuilder() *HttpClientBuilder {
	return &HttpClientBuilder{
		clientTimeout:         HttpTimeout,
		tlsHandshakeTimeout:   10 * time.Second,
		responseHeaderTimeout: 10 * time.Second,
	}
}

// WithTimeout sets the overall request timeout. Non-positive values keep the default.
func (b *HttpClientBuilder) WithTimeout(d time.Duration) *HttpClientBuilder {
	if d > 0 {
		b.clientTimeout = d
	}
	return b
}

// WithCABundle trusts an additional PEM CA bundle.
func (b *HttpClientBuilder) WithCABundle(path string) *HttpClientBuilder {
	b.caCertPath = path
	return b
}

// WithPrivateIPs allows connections to private addresses.
func (b *HttpClientBuilder) WithPrivateIPs(allow bool) *HttpClientBuilder {
	b.allowPrivate = allow
	return b
}

// WithLocalHTTP allows plain HTTP to localhost, for development platforms.
func (b *HttpClientBuilder) WithLocalHTTP(allow bool) *HttpClientBuilder {
	b.allowLocalHTTP = allow
	return b
}

// Build creates the configured client.
func (b *HttpClientBuilder) Build() (*http.Client, error) {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		TLSHandshakeTimeout:   b.tlsHandshakeTimeout,
		ResponseHeaderTimeout: b.responseHeaderTimeout,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	if !b.allowPrivate {
		transport.DialContext = (&net.Dialer{Control: protectedDialerControl}).DialContext
	}

	if b.caCertPath != "" {
		caCert, err := os.ReadFile(b.caCertPath) // #nosec G304 - path comes from operator config
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate bundle")
		}
		transport.TLSClientConfig.RootCAs = pool
	}

	return &http.Client{
		Transport: &ValidatingTransport{Transport: transport, AllowLocalHTTP: b.allowLocalHTTP},
		Timeout:   b.clientTimeout,
	}, nil
}
