package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client used by S3.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Options configures an S3 client.
type S3Options struct {
	// Region overrides the region from the environment.
	Region string
	// Endpoint points the client at an S3-compatible service.
	Endpoint     string
	UsePathStyle bool
	// MaxBytes bounds the object size. Zero means DefaultMaxBytes.
	MaxBytes int64
	// API replaces the SDK client, mostly for tests.
	API S3API
}

// S3 fetches s3://bucket/key resources using AWS S3.
// The AWS configuration is loaded from the environment on first use.
type S3 struct {
	opts S3Options

	once   sync.Once
	api    S3API
	apiErr error
}

var _ Client = (*S3)(nil)

// NewS3 creates a new S3 client.
func NewS3(opts S3Options) *S3 {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	return &S3{opts: opts, api: opts.API}
}

func (s *S3) client(ctx context.Context) (S3API, error) {
	s.once.Do(func() {
		if s.api != nil {
			return
		}

		var loadOpts []func(*config.LoadOptions) error
		if s.opts.Region != "" {
			loadOpts = append(loadOpts, config.WithRegion(s.opts.Region))
		}

		// Load AWS config from environment/credentials
		cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			s.apiErr = fmt.Errorf("failed to load AWS config: %w", err)
			return
		}

		s.api = s3.NewFromConfig(cfg, func(o *s3.Options) {
			if s.opts.Endpoint != "" {
				o.BaseEndpoint = aws.String(s.opts.Endpoint)
			}
			o.UsePathStyle = s.opts.UsePathStyle
		})
	})
	return s.api, s.apiErr
}

// Fetch downloads the object named by rawURL.
func (s *S3) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	bucket, key, err := splitBucketURL(rawURL, "s3")
	if err != nil {
		return nil, err
	}

	api, err := s.client(ctx)
	if err != nil {
		return nil, err
	}

	result, err := api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s3Error(rawURL, err)
	}
	defer result.Body.Close()

	if result.ContentLength != nil && *result.ContentLength > s.opts.MaxBytes {
		return nil, &StatusError{URL: rawURL, Code: http.StatusRequestEntityTooLarge, Err: ErrTooLarge}
	}

	return readLimited(rawURL, result.Body, s.opts.MaxBytes)
}

// s3Error attaches the HTTP status of the S3 response to err, so not-found
// and access errors are not retried.
func s3Error(rawURL string, err error) error {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return &StatusError{URL: rawURL, Code: http.StatusNotFound, Err: err}
	}
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return &StatusError{URL: rawURL, Code: http.StatusNotFound, Err: err}
	}

	var withStatus interface{ HTTPStatusCode() int }
	if errors.As(err, &withStatus) && withStatus.HTTPStatusCode() != 0 {
		return &StatusError{URL: rawURL, Code: withStatus.HTTPStatusCode(), Err: err}
	}
	return fmt.Errorf("fetch %s: %w", rawURL, err)
}

// splitBucketURL splits scheme://bucket/key.
func splitBucketURL(rawURL, scheme string) (string, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", &StatusError{URL: rawURL, Code: http.StatusBadRequest, Err: err}
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Scheme != scheme || u.Host == "" || key == "" {
		return "", "", &StatusError{
			URL:  rawURL,
			Code: http.StatusBadRequest,
			Err:  fmt.Errorf("expected %s://bucket/key", scheme),
		}
	}
	return u.Host, key, nil
}
