// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
)

const (
	// DefaultMaxResponseSize caps response bodies at 1MB.
	DefaultMaxResponseSize = 1024 * 1024

	// DefaultErrorPreviewSize caps the body preview kept in HTTPError.
	DefaultErrorPreviewSize = 1024

	// ContentTypeJSON is the JSON content type.
	ContentTypeJSON = "application/json"
)

// HTTPClient is the subset of *http.Client used by the fetch helpers.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetchResult is a decoded response.
type FetchResult[T any] struct {
	Data       T
	StatusCode int
	Headers    http.Header
}

// FetchOption configures a fetch.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	method             string
	headers            http.Header
	body               io.Reader
	maxResponseSize    int64
	acceptedStatus     []int
	skipContentTypeChk bool
}

func newFetchOptions() *fetchOptions {
	return &fetchOptions{
		method:          http.MethodGet,
		headers:         make(http.Header),
		maxResponseSize: DefaultMaxResponseSize,
		acceptedStatus:  []int{http.StatusOK},
	}
}

// WithMethod sets the request method.
func WithMethod(method string) FetchOption {
	return func(o *fetchOptions) {
		o.method = method
	}
}

// WithHeader sets a request header.
func WithHeader(key, value string) FetchOption {
	return func(o *fetchOptions) {
		o.headers.Set(key, value)
	}
}

// WithBearerToken sets an Authorization: Bearer header. An empty token is ignored.
func WithBearerToken(token string) FetchOption {
	return func(o *fetchOptions) {
		if token != "" {
			o.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithJSONBody marshals v as the request body.
// A marshal failure surfaces when the request is sent.
func WithJSONBody(v any) FetchOption {
	return func(o *fetchOptions) {
		data, err := json.Marshal(v)
		if err != nil {
			o.body = errReader{err: fmt.Errorf("failed to marshal request body: %w", err)}
			return
		}
		o.body = bytes.NewReader(data)
		o.headers.Set("Content-Type", ContentTypeJSON)
	}
}

// WithAcceptedStatus replaces the set of status codes treated as success.
func WithAcceptedStatus(codes ...int) FetchOption {
	return func(o *fetchOptions) {
		o.acceptedStatus = codes
	}
}

// WithMaxResponseSize overrides DefaultMaxResponseSize.
func WithMaxResponseSize(size int64) FetchOption {
	return func(o *fetchOptions) {
		o.maxResponseSize = size
	}
}

// WithoutContentTypeValidation accepts any response Content-Type. JWKS
// endpoints commonly answer with application/jwk-set+json or text/plain.
func WithoutContentTypeValidation() FetchOption {
	return func(o *fetchOptions) {
		o.skipContentTypeChk = true
	}
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

// FetchJSON sends a request and decodes the JSON response into T.
func FetchJSON[T any](ctx context.Context, client HTTPClient, requestURL string, opts ...FetchOption) (*FetchResult[T], error) {
	body, resp, err := fetch(ctx, client, requestURL, opts...)
	if err != nil {
		return nil, err
	}

	var data T
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse JSON response: %w", err)
	}

	return &FetchResult[T]{
		Data:       data,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
	}, nil
}

// FetchBytes sends a request and returns the raw response body.
func FetchBytes(ctx context.Context, client HTTPClient, requestURL string, opts ...FetchOption) ([]byte, error) {
	body, _, err := fetch(ctx, client, requestURL, opts...)
	return body, err
}

func fetch(ctx context.Context, client HTTPClient, requestURL string, opts ...FetchOption) ([]byte, *http.Response, error) {
	options := newFetchOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.headers.Get("Accept") == "" {
		options.headers.Set("Accept", ContentTypeJSON)
	}

	req, err := http.NewRequestWithContext(ctx, options.method, requestURL, options.body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range options.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, options.maxResponseSize))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if !slices.Contains(options.acceptedStatus, resp.StatusCode) {
		preview := string(body)
		if len(preview) > DefaultErrorPreviewSize {
			preview = preview[:DefaultErrorPreviewSize]
		}
		return nil, nil, &HTTPError{StatusCode: resp.StatusCode, Body: preview, URL: requestURL}
	}

	if !options.skipContentTypeChk {
		contentType := resp.Header.Get("Content-Type")
		if !strings.Contains(strings.ToLower(contentType), ContentTypeJSON) {
			return nil, nil, fmt.Errorf("unexpected content type: %s", contentType)
		}
	}

	return body, resp, nil
}
