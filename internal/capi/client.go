// Package capi provides the client for the Central API: signals
// forwarding, transparent passthrough, and credential validation.
package capi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrUpstreamTimeout marks a CAPI call that exceeded its deadline.
var ErrUpstreamTimeout = errors.New("capi: upstream timeout")

// ErrUpstream marks a network-level CAPI failure.
var ErrUpstream = errors.New("capi: upstream error")

// DefaultUserAgent is sent when the incoming request carries none.
const DefaultUserAgent = "crowdsieve/1.0"

// Client talks to the Central API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a CAPI client with the given base URL and timeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the configured CAPI base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// UpstreamResponse carries the parts of a CAPI response the proxy relays
// verbatim.
type UpstreamResponse struct {
	Status      int
	ContentType string
	Body        []byte
}

// Success reports whether the upstream returned 2xx.
func (r *UpstreamResponse) Success() bool {
	return r.Status >= 200 && r.Status < 300
}

// ForwardSignals posts a signals batch to {capi}/{version}/signals,
// carrying the caller's Authorization and User-Agent.
func (c *Client) ForwardSignals(ctx context.Context, version string, body []byte, authorization, userAgent string) (*UpstreamResponse, error) {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/%s/signals", c.baseURL, version), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUpstream, err)
	}
	return &UpstreamResponse{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        respBody,
	}, nil
}

// ValidationOutcome is the result of probing CAPI with a bearer token.
type ValidationOutcome int

const (
	// ValidationAccepted means CAPI accepted the token.
	ValidationAccepted ValidationOutcome = iota
	// ValidationRejected means CAPI explicitly refused the token (4xx).
	ValidationRejected
	// ValidationError means CAPI was unreachable or failed (network/5xx).
	ValidationError
)

// ValidateToken probes CAPI with the bearer token by posting an empty
// signals batch, which is authenticated but carries no payload.
func (c *Client) ValidateToken(ctx context.Context, token string, timeout time.Duration) (ValidationOutcome, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v2/signals", strings.NewReader("[]"))
	if err != nil {
		return ValidationError, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", DefaultUserAgent)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ValidationError, classify(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return ValidationAccepted, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return ValidationRejected, nil
	default:
		return ValidationError, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}
}

// passthroughRequestHeaders are the only request headers copied upstream.
var passthroughRequestHeaders = []string{
	"Authorization", "Content-Type", "Content-Encoding", "User-Agent", "Accept",
}

// Passthrough relays an arbitrary request to the same path on CAPI,
// copying only the allow-listed request headers. The response mirrors the
// upstream status, content-type, and body.
func (c *Client) Passthrough(ctx context.Context, method, pathAndQuery string, body []byte, header http.Header) (*UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+pathAndQuery, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for _, h := range passthroughRequestHeaders {
		if v := header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", DefaultUserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUpstream, err)
	}
	return &UpstreamResponse{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        respBody,
	}, nil
}

// classify maps transport errors to the timeout/error kinds the pipeline
// distinguishes.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstream, err)
}
