package imagecache

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/richardartoul/imagecache/backends"
	"github.com/richardartoul/imagecache/fetch"
)

// Config holds the settings of a Cache. It is read at construction time only.
type Config struct {
	// CacheDir is the directory holding one file per cached resource.
	CacheDir string
	// FileExpirationInterval is the staleness window, a negative offset from
	// now: entries last written before now+FileExpirationInterval are stale.
	// Zero selects seven days; a positive value is treated as its negation.
	FileExpirationInterval time.Duration
	// MaxNumberOfRetries is the number of fetch attempts after the first one.
	MaxNumberOfRetries int
	// RetryDelay is the wait between failed attempts.
	RetryDelay time.Duration
	// Compress stores new entries as lz4 frames.
	Compress bool
	// MaxImageBytes bounds the size of fetched resources.
	MaxImageBytes int64
}

// DefaultConfig returns the configuration used by Shared.
func DefaultConfig() Config {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return Config{
		CacheDir:               filepath.Join(dir, "imagecache"),
		FileExpirationInterval: backends.DefaultExpiration,
		MaxImageBytes:          fetch.DefaultMaxBytes,
	}
}

func (c Config) normalize() (Config, error) {
	if c.CacheDir == "" {
		return c, errors.New("imagecache: cache directory required")
	}
	if c.MaxNumberOfRetries < 0 {
		return c, errors.New("imagecache: max number of retries must not be negative")
	}
	if c.RetryDelay < 0 {
		return c, errors.New("imagecache: retry delay must not be negative")
	}
	c.FileExpirationInterval = backends.NormalizeExpiration(c.FileExpirationInterval)
	if c.MaxImageBytes <= 0 {
		c.MaxImageBytes = fetch.DefaultMaxBytes
	}
	return c, nil
}
