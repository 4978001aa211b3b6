package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	appLog "calfeed/internal/log"
)

// Error kinds. Every error returned by this package wraps exactly one of them
// so callers can tell an unreachable upstream from an upstream schema change.
var (
	ErrTransport = errors.New("upstream transport error")
	ErrDecode    = errors.New("upstream decode error")
)

const (
	defaultUserAgent = "calfeed/1.0 (+https://github.com/calfeed)"
	maxBodyBytes     = 32 << 20
)

// Client fetches upstream documents. It is safe for concurrent use.
type Client struct {
	client    *http.Client
	userAgent string
}

// NewHTTPClient returns an http.Client with conservative dial and TLS timeouts.
func NewHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// New creates a Client with its own transport.
func New(timeout time.Duration) *Client {
	return NewWithHTTPClient(NewHTTPClient(timeout))
}

// NewWithHTTPClient wraps an existing http.Client (tests pass httptest clients).
func NewWithHTTPClient(c *http.Client) *Client {
	if c == nil {
		c = http.DefaultClient
	}
	return &Client{client: c, userAgent: defaultUserAgent}
}

// Get fetches rawURL and returns the body of a 2xx response. header may be nil;
// a User-Agent in header replaces the default one.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrTransport, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	for k, vs := range header {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	appLog.Debug("upstream fetch start", "url", RedactURL(rawURL))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("%w: %s returned %s", ErrTransport, RedactURL(rawURL), resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrTransport, err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("%w: %s body exceeds %d bytes", ErrTransport, RedactURL(rawURL), maxBodyBytes)
	}

	appLog.Debug("upstream fetch success", "url", RedactURL(rawURL), "status", resp.StatusCode, "bytes", len(body))
	return body, nil
}

// DecodeJSON unmarshals data into v, tagging failures as ErrDecode.
func DecodeJSON(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return nil
}

// Kind classifies err for logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrTransport), errors.Is(err, context.DeadlineExceeded):
		return "transport"
	default:
		return "other"
	}
}

// RedactURL hides path and query of an upstream URL for logging purposes.
//
//	https://pluto.sums.su/api/events?perPage=4 -> https://pluto.sums.su/...(redacted)
func RedactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return "url://...(redacted)"
	}
	return parsed.Scheme + "://" + parsed.Host + redactedSuffix
}
