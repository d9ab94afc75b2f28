package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCSOptions configures a GCS client.
type GCSOptions struct {
	// Endpoint points the client at an emulator.
	Endpoint        string
	CredentialsFile string
	// Anonymous disables authentication, for public buckets and emulators.
	Anonymous bool
	// MaxBytes bounds the object size. Zero means DefaultMaxBytes.
	MaxBytes int64
}

// openFunc opens an object for reading and reports its size.
type openFunc func(ctx context.Context, bucket, object string) (io.ReadCloser, int64, error)

// GCS fetches gs://bucket/object resources using Google Cloud Storage.
// The storage client is created on first use.
type GCS struct {
	opts GCSOptions

	once    sync.Once
	client  *storage.Client
	open    openFunc
	openErr error
}

var _ Client = (*GCS)(nil)

// NewGCS creates a new GCS client.
func NewGCS(opts GCSOptions) *GCS {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	return &GCS{opts: opts}
}

func (g *GCS) opener(ctx context.Context) (openFunc, error) {
	g.once.Do(func() {
		if g.open != nil {
			return
		}

		var clientOpts []option.ClientOption
		if g.opts.Endpoint != "" {
			clientOpts = append(clientOpts, option.WithEndpoint(g.opts.Endpoint))
		}
		if g.opts.CredentialsFile != "" {
			clientOpts = append(clientOpts, option.WithCredentialsFile(g.opts.CredentialsFile))
		}
		if g.opts.Anonymous {
			clientOpts = append(clientOpts, option.WithoutAuthentication())
		}

		client, err := storage.NewClient(ctx, clientOpts...)
		if err != nil {
			g.openErr = fmt.Errorf("failed to create GCS client: %w", err)
			return
		}
		g.client = client
		g.open = func(ctx context.Context, bucket, object string) (io.ReadCloser, int64, error) {
			r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
			if err != nil {
				return nil, 0, err
			}
			return r, r.Attrs.Size, nil
		}
	})
	return g.open, g.openErr
}

// Fetch downloads the object named by rawURL.
func (g *GCS) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	bucket, object, err := splitBucketURL(rawURL, "gs")
	if err != nil {
		return nil, err
	}

	open, err := g.opener(ctx)
	if err != nil {
		return nil, err
	}

	r, size, err := open(ctx, bucket, object)
	if err != nil {
		return nil, gcsError(rawURL, err)
	}
	defer r.Close()

	if size > g.opts.MaxBytes {
		return nil, &StatusError{URL: rawURL, Code: http.StatusRequestEntityTooLarge, Err: ErrTooLarge}
	}

	return readLimited(rawURL, r, g.opts.MaxBytes)
}

// Close releases the underlying storage client.
func (g *GCS) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

func gcsError(rawURL string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return &StatusError{URL: rawURL, Code: http.StatusNotFound, Err: err}
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return &StatusError{URL: rawURL, Code: apiErr.Code, Err: err}
	}
	return fmt.Errorf("fetch %s: %w", rawURL, err)
}
