package fetch

import (
	"context"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Mux routes fetches to a Client by URL scheme.
type Mux struct {
	clients map[string]Client
}

var _ Client = (*Mux)(nil)

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{clients: make(map[string]Client)}
}

// Default returns a Mux serving http, https, s3 and gs URLs with default
// options and the given size limit.
func Default(maxBytes int64) *Mux {
	return NewMux().
		Handle(NewHTTP(HTTPOptions{MaxBytes: maxBytes}), "http", "https").
		Handle(NewS3(S3Options{MaxBytes: maxBytes}), "s3").
		Handle(NewGCS(GCSOptions{MaxBytes: maxBytes}), "gs")
}

// Handle registers client for the given schemes.
func (m *Mux) Handle(client Client, schemes ...string) *Mux {
	for _, scheme := range schemes {
		m.clients[strings.ToLower(scheme)] = client
	}
	return m
}

// Fetch dispatches to the client registered for the scheme of rawURL.
// URLs with an unknown scheme fail with a 400 StatusError.
func (m *Mux) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &StatusError{URL: rawURL, Code: http.StatusBadRequest, Err: err}
	}
	client, ok := m.clients[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, &StatusError{URL: rawURL, Code: http.StatusBadRequest, Err: ErrUnsupportedScheme}
	}
	return client.Fetch(ctx, rawURL)
}

// Flaky wraps any Client and randomly fails fetches with a 503 status based
// on a configured rate. It is used to exercise the retry path.
type Flaky struct {
	client Client
	rate   float64

	rng   *rand.Rand
	rngMu sync.Mutex

	injected atomic.Int64
}

var _ Client = (*Flaky)(nil)

// NewFlaky creates a new error-injecting wrapper around client.
// rate should be between 0.0 (no errors) and 1.0 (every fetch fails).
func NewFlaky(client Client, rate float64) *Flaky {
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	return &Flaky{
		client: client,
		rate:   rate,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Fetch fails with a 503 StatusError or delegates to the wrapped client.
func (f *Flaky) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	f.rngMu.Lock()
	fail := f.rng.Float64() < f.rate
	f.rngMu.Unlock()

	if fail {
		f.injected.Add(1)
		return nil, &StatusError{URL: rawURL, Code: http.StatusServiceUnavailable, Status: "503 simulated failure"}
	}
	return f.client.Fetch(ctx, rawURL)
}

// Injected returns the number of failures injected so far.
func (f *Flaky) Injected() int64 {
	return f.injected.Load()
}
