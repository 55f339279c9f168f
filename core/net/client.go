// Package net provides the HTTP transport used to talk to anchors and to
// fetch stellar.toml files.
//
// The Client offers configurable timeout, optional retries with exponential
// backoff, and a simple circuit breaker that stops hammering an anchor that is
// down. Retries are disabled by default: anchor calls in the cash-out flow are
// issued exactly once and failures surface to the caller.
//
// Example usage:
//
//	client := net.NewClient(
//	    net.WithTimeout(20*time.Second),
//	    net.WithMaxRetries(2),
//	)
//	resp, err := client.Get(ctx, "https://extstellar.moneygram.com/.well-known/stellar.toml", nil)
package net

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/marwen-abid/anchor-cashout-go/errors"
)

// Default configuration values
const (
	defaultTimeout      = 30 * time.Second
	defaultMaxRetries   = 0
	defaultBackoff      = 1 * time.Second
	defaultFailureLimit = 5
	defaultResetTimeout = 60 * time.Second
	maxBodySize         = 4 << 20
)

// Client is an HTTP client with timeout, optional retry and circuit breaker.
type Client struct {
	httpClient     *http.Client
	maxRetries     int
	retryBackoff   time.Duration
	circuitBreaker *circuitBreaker
}

// ClientOption is a function that configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the HTTP client timeout (default: 30s).
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithMaxRetries sets the maximum number of retry attempts on network errors
// and 5xx responses (default: 0).
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithRetryBackoff sets the base duration for exponential backoff (default: 1s).
func WithRetryBackoff(d time.Duration) ClientOption {
	return func(c *Client) {
		c.retryBackoff = d
	}
}

// WithHTTPClient replaces the underlying *http.Client, e.g. one trusting a
// test server certificate.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts ...ClientOption) *Client {
	client := &Client{
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		maxRetries:   defaultMaxRetries,
		retryBackoff: defaultBackoff,
		circuitBreaker: &circuitBreaker{
			failureLimit: defaultFailureLimit,
			resetTimeout: defaultResetTimeout,
		},
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// Response wraps an HTTP response with convenience methods.
type Response struct {
	*http.Response
}

// IsSuccess reports whether the status code is 2xx.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ReadBody reads and closes the body, capped at 4 MiB.
func (r *Response) ReadBody() ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxBodySize))
}

// Get performs an HTTP GET request. header may be nil.
func (c *Client) Get(ctx context.Context, url string, header http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.NewCoreError(errors.NETWORK_ERROR, "failed to create GET request", err)
	}
	copyHeader(req.Header, header)
	return c.Do(req)
}

// PostJSON marshals body and performs an HTTP POST with a JSON content type.
func (c *Client) PostJSON(ctx context.Context, url string, body any, header http.Header) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.NewCoreError(errors.NETWORK_ERROR, "failed to marshal request body", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.NewCoreError(errors.NETWORK_ERROR, "failed to create POST request", err)
	}
	copyHeader(req.Header, header)
	req.Header.Set("Content-Type", "application/json")
	return c.Do(req)
}

// Do executes the HTTP request with retry logic and circuit breaker.
// Non-2xx responses are returned as-is; only transport failures and
// exhausted 5xx retries produce an error.
func (c *Client) Do(req *http.Request) (*Response, error) {
	if !c.circuitBreaker.allowRequest() {
		return nil, errors.NewCoreError(
			errors.NETWORK_ERROR,
			"circuit breaker is open",
			nil,
		)
	}

	// Buffer the request body so it can be replayed on retries
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, errors.NewCoreError(errors.NETWORK_ERROR, "failed to read request body", err)
		}
		req.Body.Close()
	}

	for attempt := 0; ; attempt++ {
		if err := req.Context().Err(); err != nil {
			return nil, errors.NewCoreError(errors.NETWORK_ERROR, "request cancelled", err)
		}

		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			req.ContentLength = int64(len(bodyBytes))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && c.backoff(req.Context(), attempt) {
				continue
			}
			c.circuitBreaker.recordFailure()
			return nil, errors.NewCoreError(
				errors.NETWORK_ERROR,
				fmt.Sprintf("%s %s failed after %d attempts", req.Method, req.URL.Redacted(), attempt+1),
				err,
			)
		}

		if resp.StatusCode >= 500 && attempt < c.maxRetries {
			resp.Body.Close()
			if c.backoff(req.Context(), attempt) {
				continue
			}
			c.circuitBreaker.recordFailure()
			return nil, errors.NewCoreError(errors.NETWORK_ERROR, "request cancelled during backoff", req.Context().Err())
		}

		if resp.StatusCode >= 500 {
			c.circuitBreaker.recordFailure()
		} else {
			c.circuitBreaker.recordSuccess()
		}
		return &Response{resp}, nil
	}
}

// backoff waits retryBackoff * 2^attempt. Returns false if ctx ended first.
func (c *Client) backoff(ctx context.Context, attempt int) bool {
	timer := time.NewTimer(c.retryBackoff * (1 << uint(attempt)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// circuitBreaker implements a simple circuit breaker pattern.
type circuitBreaker struct {
	mu           sync.RWMutex
	failures     int
	lastFailTime time.Time
	failureLimit int
	resetTimeout time.Duration
	state        circuitState
}

type circuitState int

const (
	stateClosed circuitState = iota
	stateOpen
)

// allowRequest checks if the circuit breaker allows the request to proceed.
func (cb *circuitBreaker) allowRequest() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if cb.state == stateClosed {
		return true
	}

	// half-open once the reset timeout has elapsed
	return time.Since(cb.lastFailTime) > cb.resetTimeout
}

// recordSuccess records a successful request and closes the circuit.
func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.state = stateClosed
}

// recordFailure records a failed request and may open the circuit.
func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailTime = time.Now()

	if cb.failures >= cb.failureLimit {
		cb.state = stateOpen
	}
}
