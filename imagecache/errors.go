package imagecache

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned for operations on a closed Cache.
	ErrClosed = errors.New("imagecache: cache is closed")
	// ErrSharedInitialized is returned by InitShared when the shared cache exists.
	ErrSharedInitialized = errors.New("imagecache: shared cache already initialized")
)

// DecodeError reports bytes that are not a valid image.
type DecodeError struct {
	URL    string
	Source Source
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode image from %s (%s): %v", e.URL, e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
