// Package target implements the request function volley drives against the
// router API, plus the readiness probe run before load starts.
package target

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"strings"
	"time"
)

// Client is a thin HTTP client bound to one base URL. It is safe for
// concurrent use by every VU of a run.
type Client struct {
	httpClient *http.Client
	baseURL    string
	headers    map[string]string
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// NewClient creates a client for baseURL. No client-wide timeout is set by
// default: callers bound each request through its context.
func NewClient(baseURL string, options ...ClientOption) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 100
	transport.MaxIdleConns = 0

	client := &Client{
		httpClient: &http.Client{Transport: transport},
		baseURL:    strings.TrimRight(baseURL, "/"),
		headers:    make(map[string]string),
	}
	for _, option := range options {
		option(client)
	}
	return client
}

// WithTimeout sets a hard client-wide timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHeader adds a header to every request
func WithHeader(key, value string) ClientOption {
	return func(c *Client) {
		c.headers[key] = value
	}
}

// WithInsecureSkipVerify disables TLS certificate verification
func WithInsecureSkipVerify(skip bool) ClientOption {
	return func(c *Client) {
		if t, ok := c.httpClient.Transport.(*http.Transport); ok && skip {
			t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		}
	}
}

// WithMaxIdleConnsPerHost sizes the keep-alive pool
func WithMaxIdleConnsPerHost(n int) ClientOption {
	return func(c *Client) {
		if t, ok := c.httpClient.Transport.(*http.Transport); ok && n > 0 {
			t.MaxIdleConnsPerHost = n
		}
	}
}

// WithHTTPClient replaces the underlying client, mostly for tests
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// BaseURL returns the URL requests are resolved against.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Response is a fully read HTTP response with timing.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte

	// Duration is from sending the request until the body was read.
	Duration time.Duration

	// TimeToFirstByte is from sending the request to the first response byte.
	TimeToFirstByte time.Duration
}

// IsSuccess returns true if the response status code is in the 2xx range
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Resolve turns a path or absolute URL into an absolute URL.
func (c *Client) Resolve(pathOrURL string) string {
	if strings.HasPrefix(pathOrURL, "http://") || strings.HasPrefix(pathOrURL, "https://") {
		return pathOrURL
	}
	if !strings.HasPrefix(pathOrURL, "/") {
		pathOrURL = "/" + pathOrURL
	}
	return c.baseURL + pathOrURL
}

// Do sends a request and reads the whole body.
func (c *Client) Do(ctx context.Context, method, pathOrURL string, body []byte, headers map[string]string) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Resolve(pathOrURL), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	var firstByte time.Time
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() {
			firstByte = time.Now()
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       data,
		Duration:   time.Since(start),
	}
	if !firstByte.IsZero() {
		resp.TimeToFirstByte = firstByte.Sub(start)
	}
	return resp, nil
}

// Probe GETs path once and fails unless the response is 2xx.
func (c *Client) Probe(ctx context.Context, path string) error {
	resp, err := c.Do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return fmt.Errorf("health check %s failed: %w", c.Resolve(path), err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("health check %s returned status %d", c.Resolve(path), resp.StatusCode)
	}
	return nil
}
