// Package fetch retrieves the raw bytes of remote resources.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// DefaultMaxBytes is the default upper bound on the size of a fetched resource.
const DefaultMaxBytes = 32 << 20

var (
	// ErrTooLarge is returned when a resource exceeds the configured size limit.
	ErrTooLarge = errors.New("resource exceeds size limit")
	// ErrUnsupportedScheme is returned for URLs no client is registered for.
	ErrUnsupportedScheme = errors.New("unsupported URL scheme")
)

// Client fetches the bytes of a resource.
type Client interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// ClientFunc adapts an ordinary function to the Client interface.
type ClientFunc func(ctx context.Context, url string) ([]byte, error)

// Fetch calls f(ctx, url).
func (f ClientFunc) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}

// StatusError describes a failed fetch that carries an HTTP-like status.
type StatusError struct {
	URL    string
	Code   int
	Status string
	Err    error
}

func (e *StatusError) Error() string {
	status := e.Status
	if status == "" {
		status = http.StatusText(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %d %s: %v", e.URL, e.Code, status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %d %s", e.URL, e.Code, status)
}

// StatusCode returns the status of the failed fetch.
func (e *StatusError) StatusCode() int {
	return e.Code
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Status returns the status carried by err, or 0 if it carries none.
func Status(err error) int {
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 0
}
