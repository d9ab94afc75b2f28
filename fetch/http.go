package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Shared transport tuned for many small requests to a handful of hosts.
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   16,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// HTTPOptions configures an HTTP client.
type HTTPOptions struct {
	// Timeout bounds a single attempt. Zero means 30s.
	Timeout time.Duration
	// MaxBytes bounds the response body. Zero means DefaultMaxBytes.
	MaxBytes  int64
	UserAgent string
	// Client replaces the default http.Client, mostly for tests.
	Client *http.Client
}

// HTTP fetches http:// and https:// resources.
type HTTP struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
}

var _ Client = (*HTTP)(nil)

// NewHTTP creates a new HTTP client.
func NewHTTP(opts HTTPOptions) *HTTP {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{
			Timeout:   timeout,
			Transport: defaultTransport.Clone(),
		}
	}

	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "imagecache"
	}

	return &HTTP{client: client, maxBytes: maxBytes, userAgent: userAgent}
}

// Fetch issues a GET request for url and returns the response body.
// Non-2xx responses are returned as *StatusError.
func (h *HTTP) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &StatusError{URL: url, Code: http.StatusBadRequest, Err: err}
	}
	req.Header.Set("User-Agent", h.userAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, &StatusError{URL: url, Code: resp.StatusCode, Status: resp.Status}
	}

	if resp.ContentLength > h.maxBytes {
		return nil, &StatusError{URL: url, Code: http.StatusRequestEntityTooLarge, Err: ErrTooLarge}
	}

	return readLimited(url, resp.Body, h.maxBytes)
}

// readLimited reads at most limit bytes from r.
func readLimited(url string, r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: failed to read body: %w", url, err)
	}
	if int64(len(data)) > limit {
		return nil, &StatusError{URL: url, Code: http.StatusRequestEntityTooLarge, Err: ErrTooLarge}
	}
	return data, nil
}
